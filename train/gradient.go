package train

import (
	"math"
)

// ValidateGradient reports whether the accumulated gradients are usable for
// an optimizer step: no NaN or Inf anywhere, and at least one parameter with
// a nonzero gradient. An all-zero gradient set indicates the backward pass
// produced nothing worth applying.
func ValidateGradient(params []*Param) bool {
	nonzero := false
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return false
			}
			if g != 0 {
				nonzero = true
			}
		}
	}
	return nonzero
}

// invalidGradParams names the parameters carrying NaN/Inf gradients, for
// anomaly reporting.
func invalidGradParams(params []*Param) []string {
	var names []string
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				names = append(names, p.Name)
				break
			}
		}
	}
	return names
}

// StepController decides when the optimizer may apply an update. The
// accumulation window (IterSize) defers updates so several batches
// contribute gradients before one step, emulating a larger effective batch
// size without extra memory.
type StepController struct {
	IterSize int
	// DetectAnomaly adds per-parameter diagnostics when a step is skipped.
	DetectAnomaly bool

	logger  *Logger
	skipped int
	applied int
}

// NewStepController returns a controller with the given accumulation window
// (values < 1 are treated as 1).
func NewStepController(iterSize int, logger *Logger) *StepController {
	if iterSize < 1 {
		iterSize = 1
	}
	return &StepController{IterSize: iterSize, logger: logger}
}

// ShouldStep reports whether the zero-based batch index closes an
// accumulation window.
func (sc *StepController) ShouldStep(batchIndex int) bool {
	return (batchIndex+1)%sc.IterSize == 0
}

// MaybeStep applies the optimizer update iff the accumulated gradients
// validate. A skipped step is non-fatal: the batch's work is discarded and
// training continues. Returns whether a step was applied.
func (sc *StepController) MaybeStep(model Model, opt Optimizer) (bool, error) {
	params := model.Parameters()
	if !ValidateGradient(params) {
		sc.skipped++
		if sc.DetectAnomaly {
			if bad := invalidGradParams(params); len(bad) > 0 {
				sc.logger.Warn("gradient not valid, skipping step (NaN/Inf in %v)", bad)
				return false, nil
			}
		}
		sc.logger.Warn("gradient not valid, skipping step")
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	sc.applied++
	return true, nil
}

// Applied returns how many optimizer steps were applied.
func (sc *StepController) Applied() int { return sc.applied }

// Skipped returns how many steps were skipped on invalid gradients.
func (sc *StepController) Skipped() int { return sc.skipped }
