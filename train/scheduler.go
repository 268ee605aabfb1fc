package train

import (
	"fmt"
	"math"
)

// SchedulerState is the serializable snapshot of a learning-rate scheduler.
type SchedulerState struct {
	Type       string  `json:"type"`
	StepsTaken int     `json:"steps_taken"`
	BaseLR     float64 `json:"base_lr"`
	Gamma      float64 `json:"gamma"`
}

// Scheduler adjusts the optimizer's learning rate at epoch boundaries.
type Scheduler interface {
	// Step advances the schedule by one epoch and pushes the new rate into
	// the optimizer.
	Step()
	LR() float64
	StateDict() SchedulerState
	LoadStateDict(state SchedulerState) error
}

// ExponentialLR decays the learning rate by a constant factor per step:
// lr = baseLR * gamma^steps.
type ExponentialLR struct {
	opt    Optimizer
	baseLR float64
	gamma  float64
	steps  int
}

// NewExponentialLR wraps opt with exponential decay. Gamma outside (0,1]
// falls back to 0.95.
func NewExponentialLR(opt Optimizer, gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLR{opt: opt, baseLR: opt.LR(), gamma: gamma}
}

func (s *ExponentialLR) Step() {
	s.steps++
	s.opt.SetLR(s.LR())
}

func (s *ExponentialLR) LR() float64 {
	return s.baseLR * math.Pow(s.gamma, float64(s.steps))
}

func (s *ExponentialLR) StateDict() SchedulerState {
	return SchedulerState{
		Type:       "ExponentialLR",
		StepsTaken: s.steps,
		BaseLR:     s.baseLR,
		Gamma:      s.gamma,
	}
}

func (s *ExponentialLR) LoadStateDict(state SchedulerState) error {
	if state.Type != "" && state.Type != "ExponentialLR" {
		return fmt.Errorf("scheduler: cannot load state of type %q", state.Type)
	}
	s.steps = state.StepsTaken
	s.baseLR = state.BaseLR
	s.gamma = state.Gamma
	s.opt.SetLR(s.LR())
	return nil
}
