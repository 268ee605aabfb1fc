// The training/evaluation orchestrator: drives repeated forward/backward
// passes over a dataset, applies the gradient-accumulation step policy,
// aggregates running metrics, evaluates registration recall, and
// checkpoints at epoch boundaries on the coordination rank.

package train

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// Phase selects which loader and which side effects an epoch runs with.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
	PhaseTest  Phase = "test"
)

// Deps are the collaborators injected into a Trainer. Model, Loss and one
// loader per phase are required; the rest default to reasonable
// single-process implementations.
type Deps struct {
	Model     Model
	Loss      Loss
	Matcher   Matcher
	Optimizer Optimizer
	Scheduler Scheduler
	Loaders   map[Phase]DataLoader
	Device    Device
	Metrics   MetricsSink
	Logger    *Logger
	Timers    *Timers
	RNG       *rand.Rand
}

// Trainer composes the control loop across epochs and phases.
type Trainer struct {
	cfg     Config
	coord   *Coordinator
	model   Model
	loss    Loss
	matcher Matcher
	opt     Optimizer
	sched   Scheduler
	stepper *StepController
	ckpt    *CheckpointManager
	metrics MetricsSink
	logger  *Logger
	timers  *Timers
	device  Device
	loaders map[Phase]DataLoader
	rng     *rand.Rand

	runID      string
	startEpoch int
	bestLoss   float64
	bestRecall float64
}

// NewTrainer wires the orchestrator and, when cfg.Pretrain is set, resumes
// from the referenced checkpoint. A missing checkpoint is logged and
// training starts from scratch.
func NewTrainer(cfg Config, deps Deps) (*Trainer, error) {
	cfg.Normalize()
	if deps.Model == nil || deps.Loss == nil {
		return nil, fmt.Errorf("trainer: model and loss are required")
	}
	if deps.Loaders[PhaseTrain] == nil {
		return nil, fmt.Errorf("trainer: train loader is required")
	}

	mode, err := ParseExecutionMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	coord, err := NewCoordinator(mode, cfg.Rank, cfg.WorldSize)
	if err != nil {
		return nil, err
	}

	if deps.Matcher == nil {
		deps.Matcher = ThresholdMatcher{}
	}
	if deps.Device == nil {
		deps.Device = CPUDevice{}
	}
	if deps.Metrics == nil {
		deps.Metrics = DiscardMetricsSink{}
	}
	if deps.Optimizer == nil {
		deps.Optimizer = NewSGD(deps.Model.Parameters(), cfg.LearningRate, cfg.Momentum)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = NewExponentialLR(deps.Optimizer, cfg.SchedulerGamma)
	}
	if deps.RNG == nil {
		deps.RNG = rand.New(rand.NewSource(cfg.Seed))
	}

	runID := uuid.NewString()
	logger := deps.Logger
	if logger == nil && coord.IsPrimary() {
		// The run log is part of the run's on-disk record: open it whenever
		// the caller did not supply one. Non-primary ranks keep the nil
		// logger so no two workers write the same file.
		l, err := NewLogger(cfg.SnapshotDir, runID)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	ckpt, err := NewCheckpointManager(cfg.SaveDir, mode, runID, logger)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:        cfg,
		coord:      coord,
		model:      deps.Model,
		loss:       deps.Loss,
		matcher:    deps.Matcher,
		opt:        deps.Optimizer,
		sched:      deps.Scheduler,
		stepper:    NewStepController(cfg.IterSize, logger),
		ckpt:       ckpt,
		metrics:    deps.Metrics,
		logger:     logger,
		timers:     deps.Timers,
		device:     deps.Device,
		loaders:    deps.Loaders,
		rng:        deps.RNG,
		runID:      runID,
		startEpoch: 1,
		bestLoss:   1e5,
		bestRecall: -1e5,
	}

	t.logger.Write("#parameters %.6f M", float64(t.parameterCount())/1e6)
	if coord.IsPrimary() {
		if err := t.writeModelDescription(); err != nil {
			return nil, err
		}
	}

	if cfg.Pretrain != "" {
		if err := t.loadPretrain(cfg.Pretrain); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RunID identifies this run in logs, metrics and checkpoint metadata.
func (t *Trainer) RunID() string { return t.runID }

// StartEpoch is the first epoch this run will execute (after any resume).
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// BestLoss returns the best training loss seen so far, including any value
// restored from a checkpoint.
func (t *Trainer) BestLoss() float64 { return t.bestLoss }

// BestRecall returns the best validation recall seen so far.
func (t *Trainer) BestRecall() float64 { return t.bestRecall }

func (t *Trainer) parameterCount() int {
	total := 0
	for _, p := range t.model.Parameters() {
		total += len(p.Data)
	}
	return total
}

// writeModelDescription records the parameter inventory next to the run
// logs so a checkpoint can be matched to its architecture later.
func (t *Trainer) writeModelDescription() error {
	if err := os.MkdirAll(t.cfg.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	desc := fmt.Sprintf("%T\n", t.model)
	for _, p := range t.model.Parameters() {
		desc += fmt.Sprintf("%s: %d\n", p.Name, len(p.Data))
	}
	path := filepath.Join(t.cfg.SnapshotDir, "model")
	if err := os.WriteFile(path, []byte(desc), 0o644); err != nil {
		return fmt.Errorf("write model description: %w", err)
	}
	return nil
}

func (t *Trainer) loadPretrain(ref string) error {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.cfg.SaveDir, ref)
	}
	ck, err := t.ckpt.Load(path)
	if err != nil {
		if errors.Is(err, ErrMissingCheckpoint) {
			t.logger.Write("no snapshot at %s, training from start", path)
			return nil
		}
		return err
	}
	if err := t.model.LoadStateDict(ck.StateDict); err != nil {
		return fmt.Errorf("restore model: %w", err)
	}
	if err := t.opt.LoadStateDict(ck.Optimizer); err != nil {
		return fmt.Errorf("restore optimizer: %w", err)
	}
	if err := t.sched.LoadStateDict(ck.Scheduler); err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}
	t.startEpoch = ck.Epoch
	t.bestLoss = ck.BestLoss
	t.bestRecall = ck.BestRecall
	t.logger.Write("Successfully loaded pretrained model from %s", path)
	t.logger.Write("Current best loss %v", t.bestLoss)
	t.logger.Write("Current best recall %v", t.bestRecall)
	return nil
}

// RunEpoch processes one full pass of the phase's loader and returns the
// epoch's running metric averages. In the train phase it applies the
// accumulation step policy; in val/test it accumulates registration
// successes and emits the epoch's recall.
func (t *Trainer) RunEpoch(epoch int, phase Phase) (*StatsMeter, error) {
	loader := t.loaders[phase]
	if loader == nil {
		return nil, fmt.Errorf("no loader for phase %q", phase)
	}

	// Let the collector reclaim the previous epoch before allocating the
	// next one.
	runtime.GC()

	if t.coord.Mode == ModeDistributed {
		t.logger.Write("epoch %d", epoch)
		loader.SetEpoch(epoch)
	} else {
		loader.Reset()
	}
	totalIterations := loader.Len()
	t.logger.Write("iterations %d", totalIterations)

	t.opt.ZeroGrad()
	stats := NewStatsMeter()
	verboseEvery := t.cfg.VerboseEvery()
	succ := 0

	for c := 0; ; c++ {
		t.timers.Tic(TimerIteration)
		t.timers.Tic(TimerLoadBatch)
		batch, ok := loader.Next()
		if !ok {
			t.timers.Toc(TimerLoadBatch)
			t.timers.Toc(TimerIteration)
			break
		}
		batch["phase"] = string(phase)
		if err := stageBatch(batch, t.device); err != nil {
			return nil, err
		}
		t.timers.Toc(TimerLoadBatch)

		info, out, err := t.runBatch(batch, phase)
		if err != nil {
			return nil, err
		}

		if phase == PhaseTrain && t.stepper.ShouldStep(c) {
			t.timers.Tic(TimerOptimize)
			if _, err := t.stepper.MaybeStep(t.model, t.opt); err != nil {
				return nil, err
			}
			// Pending gradients are cleared whether or not the step landed.
			t.opt.ZeroGrad()
			t.timers.Toc(TimerOptimize)
		}

		t.device.Release()
		stats.UpdateAll(info)

		if phase == PhaseTrain {
			if t.cfg.Verbose && (c+1)%verboseEvery == 0 {
				step := totalIterations*(epoch-1) + c
				for _, key := range stats.Keys() {
					t.metrics.AddScalar(fmt.Sprintf("%s/%s", phase, key), stats.Avg(key), step)
				}
				t.logger.Write("%s Epoch: %d [%4d/%d] %s", phase, epoch, c+1, totalIterations, stats.Summary())
			}
		} else {
			rmses, err := t.registrationRMSEs(batch, out)
			if err != nil {
				return nil, err
			}
			for _, rmse := range rmses {
				if rmse < RecallThreshold {
					succ++
				}
			}
		}
		t.timers.Toc(TimerIteration)
	}

	if phase != PhaseTrain {
		for _, key := range stats.Keys() {
			t.metrics.AddScalar(fmt.Sprintf("%s/%s", phase, key), stats.Avg(key), epoch)
		}
		recall := 0.0
		if totalIterations > 0 {
			recall = float64(succ) / float64(totalIterations*loader.BatchSize())
		}
		t.metrics.AddScalar(fmt.Sprintf("%s/registration_recall", phase), recall, epoch)
		if recall > t.bestRecall {
			t.bestRecall = recall
		}
		t.logger.Write("%s Epoch: %d RR: %v", phase, epoch, recall)
	}
	t.logger.Write("%s Epoch: %d %s", phase, epoch, stats.Summary())
	return stats, nil
}

// runBatch performs forward, loss and (train only) backward for one batch.
func (t *Trainer) runBatch(batch Batch, phase Phase) (LossInfo, *Outputs, error) {
	if phase == PhaseTrain {
		t.model.TrainMode()
	} else {
		t.model.EvalMode()
	}

	t.timers.Tic(TimerForwardPass)
	out, err := t.model.Forward(batch, t.timers)
	t.timers.Toc(TimerForwardPass)
	if err != nil {
		return nil, nil, fmt.Errorf("forward pass: %w", err)
	}

	info, err := t.loss.Compute(out)
	if err != nil {
		return nil, nil, fmt.Errorf("compute loss: %w", err)
	}
	if _, ok := info[LossKey]; !ok {
		return nil, nil, fmt.Errorf("loss info missing required %q key", LossKey)
	}

	if phase == PhaseTrain {
		t.timers.Tic(TimerBackprop)
		if err := t.model.Backward(info); err != nil {
			return nil, nil, fmt.Errorf("backprop: %w", err)
		}
		t.timers.Toc(TimerBackprop)
	}
	return info, out, nil
}

// Train runs epochs from the resume point up to max_epoch, stepping the
// learning-rate schedule and checkpointing on the coordination rank after
// each training epoch.
func (t *Trainer) Train() error {
	t.logger.Write("start training... rank %d", t.coord.Rank)
	// Gradient anomaly detection stays on for the whole run: skipped steps
	// report which parameters carried NaN/Inf.
	t.stepper.DetectAnomaly = true

	epochsRun := 0
	for epoch := t.startEpoch; epoch < t.cfg.MaxEpoch; epoch++ {
		stats, err := t.RunEpoch(epoch, PhaseTrain)
		if err != nil {
			return err
		}
		if epoch%t.cfg.SchedulerFreq == 0 {
			t.sched.Step()
		}

		if !stats.Has(LossKey) {
			// Zero-batch epoch: there is no loss to label or rank a
			// checkpoint by, so nothing is saved.
			t.logger.Warn("epoch %d saw no batches, skipping checkpoint", epoch)
		} else {
			loss := stats.Avg(LossKey)
			if loss < t.bestLoss {
				t.bestLoss = loss
			}
			if t.coord.IsPrimary() {
				label := fmt.Sprintf("%d_epoch_model_loss_%v", epoch, loss)
				if err := t.ckpt.Save(t.snapshotState(epoch), label); err != nil {
					return err
				}
			}
		}
		if t.timers != nil {
			t.logger.Write("%s", t.timers.Summary())
		}

		if t.cfg.DoValid {
			if _, err := t.RunEpoch(epoch, PhaseVal); err != nil {
				return err
			}
		}

		epochsRun++
		if t.cfg.MaxEpochsPerRun > 0 && epochsRun >= t.cfg.MaxEpochsPerRun {
			t.logger.Write("reached max epochs per run (%d), stopping", t.cfg.MaxEpochsPerRun)
			break
		}
	}
	t.logger.Write("Training finish!")
	return nil
}

// Eval runs a single test epoch from the resume point.
func (t *Trainer) Eval() (*StatsMeter, error) {
	return t.RunEpoch(t.startEpoch, PhaseTest)
}

func (t *Trainer) snapshotState(epoch int) *Checkpoint {
	return &Checkpoint{
		Epoch:      epoch,
		StateDict:  t.model.StateDict(),
		Optimizer:  t.opt.StateDict(),
		Scheduler:  t.sched.StateDict(),
		BestLoss:   t.bestLoss,
		BestRecall: t.bestRecall,
	}
}

// Close flushes and closes the injected sinks.
func (t *Trainer) Close() error {
	var firstErr error
	if err := t.metrics.Close(); err != nil {
		firstErr = err
	}
	if err := t.logger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
