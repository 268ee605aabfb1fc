package train

import (
	"fmt"
)

// OptimizerState is the serializable snapshot of an optimizer, persisted
// inside checkpoints.
type OptimizerState struct {
	Type       string               `json:"type"`
	LR         float64              `json:"lr"`
	Momentum   float64              `json:"momentum,omitempty"`
	Velocities map[string][]float64 `json:"velocities,omitempty"`
}

// Optimizer applies accumulated gradients to model parameters.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	StateDict() OptimizerState
	LoadStateDict(state OptimizerState) error
}

// SGD is stochastic gradient descent with optional momentum, operating
// in place on the model's parameters.
type SGD struct {
	params     []*Param
	lr         float64
	momentum   float64
	velocities map[string][]float64
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*Param, lr, momentum float64) *SGD {
	sgd := &SGD{
		params:     params,
		lr:         lr,
		momentum:   momentum,
		velocities: make(map[string][]float64),
	}
	if momentum > 0 {
		for _, p := range params {
			sgd.velocities[p.Name] = make([]float64, len(p.Data))
		}
	}
	return sgd
}

// Step applies one parameter update from the accumulated gradients.
func (sgd *SGD) Step() error {
	for _, p := range sgd.params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("sgd: parameter %q has %d data and %d grad entries", p.Name, len(p.Data), len(p.Grad))
		}
		if sgd.momentum > 0 {
			v := sgd.velocities[p.Name]
			if v == nil {
				v = make([]float64, len(p.Data))
				sgd.velocities[p.Name] = v
			}
			for i := range p.Data {
				v[i] = sgd.momentum*v[i] + p.Grad[i]
				p.Data[i] -= sgd.lr * v[i]
			}
		} else {
			for i := range p.Data {
				p.Data[i] -= sgd.lr * p.Grad[i]
			}
		}
	}
	return nil
}

// ZeroGrad clears every parameter's accumulated gradient.
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

func (sgd *SGD) LR() float64      { return sgd.lr }
func (sgd *SGD) SetLR(lr float64) { sgd.lr = lr }

func (sgd *SGD) StateDict() OptimizerState {
	velocities := make(map[string][]float64, len(sgd.velocities))
	for name, v := range sgd.velocities {
		velocities[name] = append([]float64(nil), v...)
	}
	return OptimizerState{
		Type:       "SGD",
		LR:         sgd.lr,
		Momentum:   sgd.momentum,
		Velocities: velocities,
	}
}

func (sgd *SGD) LoadStateDict(state OptimizerState) error {
	if state.Type != "" && state.Type != "SGD" {
		return fmt.Errorf("sgd: cannot load state of type %q", state.Type)
	}
	sgd.lr = state.LR
	sgd.momentum = state.Momentum
	sgd.velocities = make(map[string][]float64, len(state.Velocities))
	for name, v := range state.Velocities {
		sgd.velocities[name] = append([]float64(nil), v...)
	}
	return nil
}
