package train

import "fmt"

// ExecutionMode selects how the run is parallelized. The orchestrator's
// control flow is identical in every mode; the mode only decides parameter
// name prefixing and which worker owns file writes.
type ExecutionMode string

const (
	// ModeSingle is one process, no wrapper.
	ModeSingle ExecutionMode = "single"
	// ModeDistributed is one process per rank; gradient synchronization is
	// performed opaquely by the parallel-training wrapper during backprop.
	ModeDistributed ExecutionMode = "distributed"
	// ModeDataParallel is a single process replicating the model across
	// local devices behind a wrapping module.
	ModeDataParallel ExecutionMode = "parallel"
)

// ParseExecutionMode validates a mode string.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeSingle, ModeDistributed, ModeDataParallel:
		return ExecutionMode(s), nil
	case "":
		return ModeSingle, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// WrapsParameters reports whether the mode's wrapper prefixes parameter
// names, which checkpointing must strip for portability.
func (m ExecutionMode) WrapsParameters() bool {
	return m == ModeDistributed || m == ModeDataParallel
}

// Coordinator identifies this worker within the run. Rank 0 (or any worker
// in single mode) is the coordination rank: the only one that writes
// checkpoints and file-based logs, so no two ranks ever race on the same
// file.
type Coordinator struct {
	Mode      ExecutionMode
	Rank      int
	WorldSize int
}

// NewCoordinator validates and builds the worker identity.
func NewCoordinator(mode ExecutionMode, rank, worldSize int) (*Coordinator, error) {
	if mode == ModeSingle {
		return &Coordinator{Mode: ModeSingle, Rank: 0, WorldSize: 1}, nil
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("coordinator: world size %d < 1", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("coordinator: rank %d outside [0,%d)", rank, worldSize)
	}
	return &Coordinator{Mode: mode, Rank: rank, WorldSize: worldSize}, nil
}

// IsPrimary reports whether this worker is the coordination rank.
func (c *Coordinator) IsPrimary() bool {
	return c.Rank == 0
}
