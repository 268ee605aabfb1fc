// External collaborator contracts: the registration model, its loss, and
// correspondence matching are consumed through the narrow interfaces below.
// The orchestrator never depends on their internals.

package train

import (
	"github.com/regtrain/regtrain/train/registration"
)

// Batch maps named fields to whatever the data loader produced: point
// clouds, masks, scalars, nested maps. Field staging rules live in
// device.go.
type Batch map[string]any

// LossInfo maps metric names to scalar values for one batch. The "loss" key
// holds the scalar that was backpropagated.
type LossInfo map[string]float64

// LossKey is the required primary scalar in every LossInfo.
const LossKey = "loss"

// Param is one named parameter tensor of the model, with its accumulated
// gradient. The optimizer mutates Data in place; Backward accumulates into
// Grad until ZeroGrad clears it.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Outputs is the model's per-batch product consumed by the loss and, during
// evaluation, by the registration-recall procedure. Outer slices are indexed
// by sample within the batch.
type Outputs struct {
	SPcd           [][]registration.Point // source superpoints, registration frame
	TPcd           [][]registration.Point // target superpoints, registration frame
	SrcMask        [][]bool               // valid entries of SPcd
	TgtMask        [][]bool               // valid entries of TPcd
	ConfMatrixPred [][][]float64          // predicted correspondence confidence per sample
	SrcPcdList     [][]registration.Point // source clouds in original coordinate frame
}

// Model is the black-box registration network.
type Model interface {
	// Forward runs the network on a staged batch. Timers may be nil.
	Forward(batch Batch, timers *Timers) (*Outputs, error)
	// Backward accumulates gradients of the primary loss scalar into the
	// parameters. Only called in the train phase.
	Backward(info LossInfo) error
	Parameters() []*Param
	TrainMode()
	EvalMode()
	StateDict() map[string][]float64
	LoadStateDict(state map[string][]float64) error
}

// Loss computes per-batch scalar metrics from model outputs. The returned
// LossInfo must contain LossKey.
type Loss interface {
	Compute(out *Outputs) (LossInfo, error)
}

// Matcher extracts point correspondences from a predicted confidence
// matrix. mutual requires the match to be the argmax along both axes.
type Matcher interface {
	GetMatch(conf [][]float64, threshold float64, mutual bool) []registration.Correspondence
}
