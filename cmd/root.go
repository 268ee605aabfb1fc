package cmd

import (
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/regtrain/regtrain/train"
)

var (
	// CLI flags for the training run
	logLevel        string  // Log verbosity level
	configPath      string  // Optional YAML run config
	maxEpoch        int     // Epoch the schedule runs up to (exclusive)
	maxEpochsPerRun int     // Cap on epochs per invocation (0 = no cap)
	batchSize       int     // Samples per batch
	iterSize        int     // Gradient-accumulation window in batches
	verbose         bool    // Emit in-epoch training metrics
	verboseFreq     int     // Emission interval in samples
	doValid         bool    // Run a validation epoch after each training epoch
	pretrain        string  // Checkpoint to resume from (relative to save dir)
	saveDir         string  // Checkpoint directory
	snapshotDir     string  // Run log directory (defaults to save dir)
	learningRate    float64 // Base learning rate
	momentum        float64 // SGD momentum
	schedulerGamma  float64 // Exponential LR decay factor
	schedulerFreq   int     // Epochs between LR schedule steps
	seed            int64   // Seed for samplers and the recall estimator

	// CLI flags for the recall estimator
	ransacPoints     int // Correspondences per minimal sample
	ransacIterations int // Consensus iterations per sample

	// CLI flags for distributed execution
	mode      string // single | distributed | parallel
	rank      int    // This process's rank
	worldSize int    // Total participating processes

	// CLI flags for the synthetic dataset backing train/eval runs
	numBatches     int // Batches per epoch
	pointsPerCloud int // Points per generated cloud
	prefetchDepth  int // Batches staged ahead of the loop (0 = no prefetch)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "regtrain",
	Short: "Training and evaluation driver for point-cloud registration models",
}

// trainCmd runs the training loop using parameters from CLI flags
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the training loop",
	Run: func(cmd *cobra.Command, args []string) {
		trainer := setup(cmd)
		defer trainer.Close()

		startTime := time.Now()
		if err := trainer.Train(); err != nil {
			logrus.Fatalf("training failed: %v", err)
		}
		logrus.Infof("Training complete in %v.", time.Since(startTime).Round(time.Second))
	},
}

// evalCmd runs a single test epoch over the dataset
var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate registration recall on the test split",
	Run: func(cmd *cobra.Command, args []string) {
		trainer := setup(cmd)
		defer trainer.Close()

		stats, err := trainer.Eval()
		if err != nil {
			logrus.Fatalf("evaluation failed: %v", err)
		}
		logrus.Infof("Evaluation complete. %s", stats.Summary())
	},
}

// setup assembles the run configuration, sinks, dataset and trainer shared
// by the train and eval subcommands.
func setup(cmd *cobra.Command) *train.Trainer {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)

	cfg := train.Config{}
	if configPath != "" {
		cfg = loadRunConfig(configPath)
	}
	applyFlagOverrides(cmd, &cfg)
	cfg.Normalize()

	logrus.Infof("Starting run: max_epoch=%d batch_size=%d iter_size=%d mode=%s rank=%d",
		cfg.MaxEpoch, cfg.BatchSize, cfg.IterSize, cfg.Mode, cfg.Rank)

	metrics, err := buildMetricsSink(cfg)
	if err != nil {
		logrus.Fatalf("unable to open metrics sink: %v", err)
	}

	trainer, err := train.NewTrainer(cfg, train.Deps{
		Model:   train.NewGateModel(),
		Loss:    train.GateLoss{},
		Loaders: buildLoaders(cfg),
		Metrics: metrics,
		Timers:  train.NewTimers(),
	})
	if err != nil {
		logrus.Fatalf("unable to build trainer: %v", err)
	}
	return trainer
}

// buildMetricsSink opens the JSONL events file on the coordination rank
// only; every other rank discards metrics so no two workers truncate the
// same file.
func buildMetricsSink(cfg train.Config) (train.MetricsSink, error) {
	if cfg.Rank != 0 {
		return train.DiscardMetricsSink{}, nil
	}
	return train.NewJSONLMetricsSink(cfg.SnapshotDir)
}

// buildLoaders generates the synthetic dataset and wraps it per phase. In
// distributed mode each rank sees its own shard of the training batches.
func buildLoaders(cfg train.Config) map[train.Phase]train.DataLoader {
	synth := train.DefaultSyntheticConfig()
	synth.NumBatches = numBatches
	synth.BatchSize = cfg.BatchSize
	synth.PointsPerCloud = pointsPerCloud

	rng := rand.New(rand.NewSource(cfg.Seed))
	batches := train.NewSyntheticBatches(synth, rng)
	evalBatches := train.NewSyntheticBatches(synth, rng)

	var sampler *train.ShardSampler
	if cfg.Mode == string(train.ModeDistributed) {
		var err error
		sampler, err = train.NewShardSampler(len(batches), cfg.Rank, cfg.WorldSize, cfg.Seed)
		if err != nil {
			logrus.Fatalf("unable to shard dataset: %v", err)
		}
	}

	var trainLoader train.DataLoader = train.NewSliceLoader(batches, cfg.BatchSize, sampler)
	if prefetchDepth > 0 {
		trainLoader = train.NewPrefetchLoader(trainLoader, prefetchDepth)
	}
	return map[train.Phase]train.DataLoader{
		train.PhaseTrain: trainLoader,
		train.PhaseVal:   train.NewSliceLoader(evalBatches, cfg.BatchSize, nil),
		train.PhaseTest:  train.NewSliceLoader(evalBatches, cfg.BatchSize, nil),
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{trainCmd, evalCmd} {
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
		c.Flags().StringVar(&configPath, "config", "", "Path to a YAML run config; flags override its values")

		// schedule
		c.Flags().IntVar(&maxEpoch, "max-epoch", 40, "Epoch the schedule runs up to (exclusive)")
		c.Flags().IntVar(&maxEpochsPerRun, "max-epochs-per-run", 0, "Cap on epochs per invocation (0 = run the whole schedule)")
		c.Flags().IntVar(&batchSize, "batch-size", 2, "Samples per batch")
		c.Flags().IntVar(&iterSize, "iter-size", 1, "Batches accumulated per optimizer step")
		c.Flags().BoolVar(&verbose, "verbose", true, "Emit in-epoch training metrics")
		c.Flags().IntVar(&verboseFreq, "verbose-freq", 1000, "Metric emission interval in samples")
		c.Flags().BoolVar(&doValid, "do-valid", true, "Run a validation epoch after each training epoch")

		// optimizer and schedule
		c.Flags().Float64Var(&learningRate, "lr", 0.01, "Base learning rate")
		c.Flags().Float64Var(&momentum, "momentum", 0.9, "SGD momentum")
		c.Flags().Float64Var(&schedulerGamma, "scheduler-gamma", 0.95, "Exponential learning-rate decay factor")
		c.Flags().IntVar(&schedulerFreq, "scheduler-freq", 1, "Epochs between learning-rate schedule steps")

		// checkpoints
		c.Flags().StringVar(&pretrain, "pretrain", "", "Checkpoint to resume from, relative to save dir when not absolute")
		c.Flags().StringVar(&saveDir, "save-dir", "snapshots", "Checkpoint directory")
		c.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Run log directory (defaults to save dir)")

		// recall estimator
		c.Flags().IntVar(&ransacPoints, "ransac-points", 3, "Correspondences per minimal sample")
		c.Flags().IntVar(&ransacIterations, "iteration", 100, "Consensus iterations per evaluated sample")

		// distributed execution
		c.Flags().StringVar(&mode, "mode", "single", "Execution mode (single, distributed, parallel)")
		c.Flags().IntVar(&rank, "rank", 0, "Rank of this process")
		c.Flags().IntVar(&worldSize, "world-size", 1, "Total participating processes")

		c.Flags().Int64Var(&seed, "seed", 42, "Seed for samplers and the recall estimator")

		// synthetic dataset
		c.Flags().IntVar(&numBatches, "num-batches", 8, "Synthetic batches per epoch")
		c.Flags().IntVar(&pointsPerCloud, "points-per-cloud", 64, "Points per generated cloud")
		c.Flags().IntVar(&prefetchDepth, "prefetch", 0, "Batches staged ahead of the loop (0 = no prefetch)")
	}

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evalCmd)
}
