// Checkpoint save/restore. Every save writes two files with identical
// content: a fixed-name snapshot.json ("resume from most recent") and an
// archival model_<label>.json ("inspect history"). The archival copy is
// committed before the snapshot pointer, and both are written through a
// temp-file rename, so no observer ever sees an updated snapshot without
// the archival copy existing.

package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMissingCheckpoint is returned by Load when the requested path does not
// exist. Callers log it and start from scratch rather than aborting.
var ErrMissingCheckpoint = errors.New("checkpoint not found")

// wrapPrefix is the parameter-name prefix added by parallel-training
// wrappers. Checkpoints store unprefixed names so they stay portable
// between distributed and single-process runs.
const wrapPrefix = "module."

// Checkpoint is the persisted training state record.
type Checkpoint struct {
	Epoch      int                  `json:"epoch"`
	StateDict  map[string][]float64 `json:"state_dict"`
	Optimizer  OptimizerState       `json:"optimizer"`
	Scheduler  SchedulerState       `json:"scheduler"`
	BestLoss   float64              `json:"best_loss"`
	BestRecall float64              `json:"best_recall"`
	Metadata   CheckpointMetadata   `json:"metadata"`
}

// CheckpointMetadata records run identity for archival inspection.
type CheckpointMetadata struct {
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointManager serializes and restores checkpoints in a save
// directory. Mode decides whether parameter names carry a wrapper prefix
// that must be stripped on save and re-added on load.
type CheckpointManager struct {
	Dir    string
	Mode   ExecutionMode
	RunID  string
	logger *Logger
}

// NewCheckpointManager creates the save directory if needed.
func NewCheckpointManager(dir string, mode ExecutionMode, runID string, logger *Logger) (*CheckpointManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointManager{Dir: dir, Mode: mode, RunID: runID, logger: logger}, nil
}

// SnapshotPath is the fixed-name latest checkpoint.
func (cm *CheckpointManager) SnapshotPath() string {
	return filepath.Join(cm.Dir, "snapshot.json")
}

// Save persists the checkpoint under the given label. Wrapper prefixes are
// stripped so the file loads identically in any execution mode.
func (cm *CheckpointManager) Save(ck *Checkpoint, label string) error {
	record := *ck
	if cm.Mode.WrapsParameters() {
		record.StateDict = stripPrefix(ck.StateDict)
	}
	record.Metadata = CheckpointMetadata{RunID: cm.RunID, CreatedAt: time.Now().UTC()}

	archival := filepath.Join(cm.Dir, fmt.Sprintf("model_%s.json", label))
	cm.logger.Write("Save model to %s", filepath.Base(archival))
	cm.logger.Write("Save model to snapshot.json")

	// Archival copy first: the snapshot pointer must never get ahead of it.
	if err := writeJSONAtomic(archival, &record); err != nil {
		return fmt.Errorf("save archival checkpoint: %w", err)
	}
	if err := writeJSONAtomic(cm.SnapshotPath(), &record); err != nil {
		return fmt.Errorf("save snapshot checkpoint: %w", err)
	}
	return nil
}

// Load restores a checkpoint from path. The returned Epoch is incremented
// by one so the caller resumes at the following epoch. Parameter-name
// prefixes are re-added when the current mode wraps the model.
func (cm *CheckpointManager) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingCheckpoint, path)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if cm.Mode.WrapsParameters() {
		ck.StateDict = addPrefix(ck.StateDict)
	}
	ck.Epoch++
	return &ck, nil
}

func stripPrefix(state map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(state))
	for name, data := range state {
		out[strings.TrimPrefix(name, wrapPrefix)] = data
	}
	return out
}

func addPrefix(state map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(state))
	for name, data := range state {
		out[wrapPrefix+name] = data
	}
	return out
}

func writeJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ck-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
