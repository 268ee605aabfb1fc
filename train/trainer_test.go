package train

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrain/regtrain/train/registration"
)

// countingOptimizer wraps a real optimizer and counts the calls the epoch
// loop makes.
type countingOptimizer struct {
	Optimizer
	steps  int
	zeroes int
}

func (o *countingOptimizer) Step() error {
	o.steps++
	return o.Optimizer.Step()
}

func (o *countingOptimizer) ZeroGrad() {
	o.zeroes++
	o.Optimizer.ZeroGrad()
}

// loopModel produces empty outputs and a constant, valid gradient.
type loopModel struct {
	gradModel
	forwards int
}

func newLoopModel() *loopModel {
	m := &loopModel{}
	m.params = []*Param{{Name: "w", Data: []float64{0}, Grad: []float64{0}}}
	return m
}

func (m *loopModel) Forward(Batch, *Timers) (*Outputs, error) {
	m.forwards++
	return &Outputs{}, nil
}

func (m *loopModel) Backward(LossInfo) error {
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] += 1
		}
	}
	return nil
}

// constLoss always reports the same scalar.
type constLoss struct{ value float64 }

func (l constLoss) Compute(*Outputs) (LossInfo, error) {
	return LossInfo{LossKey: l.value}, nil
}

// capturingSink records every scalar event.
type capturingSink struct{ events []scalarEvent }

func (c *capturingSink) AddScalar(series string, value float64, step int) {
	c.events = append(c.events, scalarEvent{Series: series, Value: value, Step: step})
}

func (c *capturingSink) Close() error { return nil }

func (c *capturingSink) find(series string) (scalarEvent, bool) {
	for _, ev := range c.events {
		if ev.Series == series {
			return ev, true
		}
	}
	return scalarEvent{}, false
}

func TestRunEpoch_AccumulationWindow_StepAndZeroCounts(t *testing.T) {
	// GIVEN 5 batches and an accumulation window of 2
	model := newLoopModel()
	opt := &countingOptimizer{Optimizer: NewSGD(model.Parameters(), 0.1, 0)}
	cfg := Config{MaxEpoch: 2, IterSize: 2, SaveDir: t.TempDir()}
	trainer, err := NewTrainer(cfg, Deps{
		Model:     model,
		Loss:      constLoss{0.5},
		Optimizer: opt,
		Loaders:   map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(5), 1, nil)},
	})
	require.NoError(t, err)

	// WHEN one training epoch runs
	stats, err := trainer.RunEpoch(1, PhaseTrain)
	require.NoError(t, err)

	// THEN the optimizer steps exactly after batches 2 and 4, and pending
	// gradients are cleared once at epoch start plus once per window.
	assert.Equal(t, 2, opt.steps)
	assert.Equal(t, 3, opt.zeroes)
	assert.Equal(t, 5, model.forwards)
	assert.InDelta(t, 0.5, stats.Avg(LossKey), 1e-12)
}

func TestRunEpoch_VerboseEmitsGlobalStep(t *testing.T) {
	model := newLoopModel()
	sink := &capturingSink{}
	cfg := Config{
		MaxEpoch: 3, IterSize: 1, SaveDir: t.TempDir(),
		Verbose: true, VerboseFreq: 0, BatchSize: 1, // emit every batch
	}
	trainer, err := NewTrainer(cfg, Deps{
		Model:   model,
		Loss:    constLoss{1.0},
		Metrics: sink,
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(3), 1, nil)},
	})
	require.NoError(t, err)

	_, err = trainer.RunEpoch(2, PhaseTrain)
	require.NoError(t, err)

	// global step = totalIterations*(epoch-1) + c with 3 iterations/epoch
	var steps []int
	for _, ev := range sink.events {
		if ev.Series == "train/loss" {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, []int{3, 4, 5}, steps)
}

// recallBatch builds one evaluation batch of len(offsets) samples whose
// per-sample RMSE equals the corresponding translation offset: the model
// outputs identical source/target clouds (so the estimated transform is the
// identity) while the ground truth claims a translation of that magnitude.
func recallBatch(rng *rand.Rand, offsets []float64) Batch {
	n := len(offsets)
	src := make([][]registration.Point, n)
	tgt := make([][]registration.Point, n)
	conf := make([][][]float64, n)
	rots := make([]registration.Rotation, n)
	trns := make([]registration.Translation, n)
	for s := range offsets {
		cloud := make([]registration.Point, 24)
		for i := range cloud {
			cloud[i] = registration.Point{rng.Float64(), rng.Float64(), rng.Float64()}
		}
		src[s] = cloud
		tgt[s] = cloud
		m := make([][]float64, len(cloud))
		for i := range m {
			m[i] = make([]float64, len(cloud))
			m[i][i] = 1
		}
		conf[s] = m
		rots[s] = registration.Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		trns[s] = registration.Translation{offsets[s], 0, 0}
	}
	return Batch{
		fieldSrcPcdList: src,
		fieldTgtPcdList: tgt,
		fieldConfGT:     conf,
		FieldBatchedRot: rots,
		FieldBatchedTrn: trns,
	}
}

func TestRunEpoch_Validation_RecallScenario(t *testing.T) {
	// GIVEN 4 evaluation samples with RMSEs [0.05, 0.19, 0.21, 0.5]
	rng := rand.New(rand.NewSource(21))
	batch := recallBatch(rng, []float64{0.05, 0.19, 0.21, 0.5})
	sink := &capturingSink{}
	cfg := Config{
		MaxEpoch: 2, IterSize: 1, BatchSize: 4, SaveDir: t.TempDir(),
		RANSACPoints: 3, Iterations: 50, Seed: 21,
	}
	trainer, err := NewTrainer(cfg, Deps{
		Model:   NewGateModel(),
		Loss:    GateLoss{},
		Metrics: sink,
		Loaders: map[Phase]DataLoader{
			PhaseTrain: NewSliceLoader([]Batch{batch}, 4, nil),
			PhaseVal:   NewSliceLoader([]Batch{batch}, 4, nil),
		},
	})
	require.NoError(t, err)

	// WHEN a validation epoch runs
	_, err = trainer.RunEpoch(1, PhaseVal)
	require.NoError(t, err)

	// THEN exactly the two sub-threshold samples count as successes:
	// recall = 2 / (1 iteration * batch size 4)
	ev, ok := sink.find("val/registration_recall")
	require.True(t, ok, "recall scalar not emitted")
	assert.InDelta(t, 0.5, ev.Value, 1e-9)
	assert.InDelta(t, 0.5, trainer.BestRecall(), 1e-9)
}

func TestTrain_SyntheticEndToEnd_CheckpointAndResume(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(5))
	synth := DefaultSyntheticConfig()
	synth.NumBatches = 4
	synth.PointsPerCloud = 16
	batches := NewSyntheticBatches(synth, rng)

	newDeps := func(model *GateModel) Deps {
		return Deps{
			Model: model,
			Loss:  GateLoss{},
			Loaders: map[Phase]DataLoader{
				PhaseTrain: NewSliceLoader(batches, synth.BatchSize, nil),
			},
		}
	}

	cfg := Config{MaxEpoch: 3, IterSize: 1, BatchSize: synth.BatchSize, SaveDir: dir, LearningRate: 0.5}
	model := NewGateModel()
	trainer, err := NewTrainer(cfg, newDeps(model))
	require.NoError(t, err)
	require.NoError(t, trainer.Train())

	// Training drives the gate parameter up from zero.
	assert.Greater(t, model.gate.Data[0], 0.0)

	// Both checkpoint copies exist for the last epoch.
	_, err = os.Stat(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "model_2_epoch_model_loss_*.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	// Resuming from the snapshot continues at epoch 3.
	cfg.Pretrain = "snapshot.json"
	resumed, err := NewTrainer(cfg, newDeps(NewGateModel()))
	require.NoError(t, err)
	assert.Equal(t, 3, resumed.StartEpoch())
	assert.Less(t, resumed.BestLoss(), 1e5)
}

func TestTrain_MaxEpochsPerRun_Caps(t *testing.T) {
	model := newLoopModel()
	cfg := Config{MaxEpoch: 10, IterSize: 1, MaxEpochsPerRun: 1, SaveDir: t.TempDir()}
	trainer, err := NewTrainer(cfg, Deps{
		Model:   model,
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(3), 1, nil)},
	})
	require.NoError(t, err)
	require.NoError(t, trainer.Train())

	assert.Equal(t, 3, model.forwards, "exactly one epoch of batches should run")
}

func TestTrain_MissingPretrain_StartsFresh(t *testing.T) {
	cfg := Config{MaxEpoch: 2, IterSize: 1, SaveDir: t.TempDir(), Pretrain: "does-not-exist.json"}
	trainer, err := NewTrainer(cfg, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(2), 1, nil)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, trainer.StartEpoch())
}

func TestRunEpoch_UnknownPhase_Errors(t *testing.T) {
	trainer, err := NewTrainer(Config{MaxEpoch: 2, SaveDir: t.TempDir()}, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(1), 1, nil)},
	})
	require.NoError(t, err)
	_, err = trainer.RunEpoch(1, PhaseTest)
	assert.Error(t, err)
}

func TestNewTrainer_OpensRunLog(t *testing.T) {
	save := t.TempDir()
	trainer, err := NewTrainer(Config{MaxEpoch: 2, SaveDir: save}, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(1), 1, nil)},
	})
	require.NoError(t, err)
	require.NoError(t, trainer.Close())

	data, err := os.ReadFile(filepath.Join(save, "log-"+trainer.RunID()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "#parameters")
}

func TestNewTrainer_NonPrimaryRankWritesNoRunLog(t *testing.T) {
	save := t.TempDir()
	trainer, err := NewTrainer(Config{MaxEpoch: 2, SaveDir: save, Mode: "distributed", Rank: 1, WorldSize: 2}, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(1), 1, nil)},
	})
	require.NoError(t, err)
	require.NoError(t, trainer.Close())

	matches, err := filepath.Glob(filepath.Join(save, "log-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTrain_EmptyEpoch_SkipsCheckpoint(t *testing.T) {
	save := t.TempDir()
	trainer, err := NewTrainer(Config{MaxEpoch: 2, SaveDir: save}, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(nil, 1, nil)},
	})
	require.NoError(t, err)
	require.NoError(t, trainer.Train())

	// No batches means no loss to label a checkpoint by.
	_, err = os.Stat(filepath.Join(save, "snapshot.json"))
	assert.True(t, os.IsNotExist(err))
	matches, err := filepath.Glob(filepath.Join(save, "model_*.json"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 1e5, trainer.BestLoss())
}

func TestNewTrainer_WritesModelDescription(t *testing.T) {
	save := t.TempDir()
	cfg := Config{MaxEpoch: 2, SaveDir: save}
	_, err := NewTrainer(cfg, Deps{
		Model:   newLoopModel(),
		Loss:    constLoss{0.1},
		Loaders: map[Phase]DataLoader{PhaseTrain: NewSliceLoader(makeBatches(1), 1, nil)},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(save, "model"))
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("w: %d", 1))
}
