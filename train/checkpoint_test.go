package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Epoch: 7,
		StateDict: map[string][]float64{
			"encoder.weight": {1, 2, 3},
			"decoder.bias":   {-0.5},
		},
		Optimizer: OptimizerState{
			Type: "SGD", LR: 0.01, Momentum: 0.9,
			Velocities: map[string][]float64{"encoder.weight": {0.1, 0.2, 0.3}},
		},
		Scheduler:  SchedulerState{Type: "ExponentialLR", StepsTaken: 7, BaseLR: 0.01, Gamma: 0.95},
		BestLoss:   0.42,
		BestRecall: 0.87,
	}
}

func TestCheckpoint_RoundTrip_EpochIncremented(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, ModeSingle, "run-1", nil)
	require.NoError(t, err)

	ck := testCheckpoint()
	require.NoError(t, cm.Save(ck, "7_epoch"))

	got, err := cm.Load(cm.SnapshotPath())
	require.NoError(t, err)

	// Resume happens at the epoch after the saved one.
	assert.Equal(t, ck.Epoch+1, got.Epoch)
	assert.Equal(t, ck.StateDict, got.StateDict)
	assert.Equal(t, ck.Optimizer, got.Optimizer)
	assert.Equal(t, ck.Scheduler, got.Scheduler)
	assert.Equal(t, ck.BestLoss, got.BestLoss)
	assert.Equal(t, ck.BestRecall, got.BestRecall)
	assert.Equal(t, "run-1", got.Metadata.RunID)
}

func TestCheckpoint_SaveWritesBothCopies(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, ModeSingle, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, cm.Save(testCheckpoint(), "3_epoch_model_loss_0.5"))

	snapshot, err := os.ReadFile(cm.SnapshotPath())
	require.NoError(t, err)
	archival, err := os.ReadFile(filepath.Join(dir, "model_3_epoch_model_loss_0.5.json"))
	require.NoError(t, err)
	assert.Equal(t, archival, snapshot, "latest and archival copies must be identical")
}

func TestCheckpoint_MissingFile_ErrMissingCheckpoint(t *testing.T) {
	cm, err := NewCheckpointManager(t.TempDir(), ModeSingle, "run-1", nil)
	require.NoError(t, err)

	_, err = cm.Load(filepath.Join(cm.Dir, "nope.json"))
	assert.ErrorIs(t, err, ErrMissingCheckpoint)
}

func TestCheckpoint_WrappedMode_StripsAndRestoresPrefix(t *testing.T) {
	dir := t.TempDir()

	// GIVEN a distributed run whose parameters carry the wrapper prefix
	saver, err := NewCheckpointManager(dir, ModeDistributed, "run-d", nil)
	require.NoError(t, err)
	ck := &Checkpoint{
		Epoch:     1,
		StateDict: map[string][]float64{"module.encoder.weight": {1, 2}},
	}
	require.NoError(t, saver.Save(ck, "1_epoch"))

	// THEN a single-process run loads unprefixed names
	single, err := NewCheckpointManager(dir, ModeSingle, "run-s", nil)
	require.NoError(t, err)
	got, err := single.Load(single.SnapshotPath())
	require.NoError(t, err)
	assert.Contains(t, got.StateDict, "encoder.weight")
	assert.NotContains(t, got.StateDict, "module.encoder.weight")

	// AND a distributed run gets the prefix re-added symmetrically
	got, err = saver.Load(saver.SnapshotPath())
	require.NoError(t, err)
	assert.Contains(t, got.StateDict, "module.encoder.weight")
	assert.Equal(t, []float64{1, 2}, got.StateDict["module.encoder.weight"])
}

func TestCheckpoint_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, ModeSingle, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, cm.Save(testCheckpoint(), "x"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".ck-", "temp file %s not cleaned up", e.Name())
	}
}
