package train

// Config is the recognized option surface of a training run. YAML tags
// match the config-file schema consumed by the CLI.
type Config struct {
	MaxEpoch int `yaml:"max_epoch"`
	// MaxEpochsPerRun caps how many epochs one invocation runs before
	// returning (0 = no cap). Lets long schedules be split across
	// resumable invocations.
	MaxEpochsPerRun int `yaml:"max_epochs_per_run"`

	BatchSize int `yaml:"batch_size"`
	// IterSize is the gradient-accumulation window: one optimizer step per
	// IterSize batches.
	IterSize int `yaml:"iter_size"`

	Verbose bool `yaml:"verbose"`
	// VerboseFreq is the raw emission interval in samples; the trainer
	// normalizes it to batches.
	VerboseFreq int `yaml:"verbose_freq"`

	// RANSACPoints and Iterations parameterize the registration-recall
	// estimator.
	RANSACPoints int `yaml:"ransac_points"`
	Iterations   int `yaml:"iteration"`

	DoValid bool `yaml:"do_valid"`

	Mode      string `yaml:"mode"` // single | distributed | parallel
	Rank      int    `yaml:"rank"`
	WorldSize int    `yaml:"world_size"`

	// Pretrain is a checkpoint path to resume from, relative to SaveDir
	// when not absolute. Empty = fresh start.
	Pretrain string `yaml:"pretrain"`

	SaveDir     string `yaml:"save_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`

	SchedulerGamma float64 `yaml:"scheduler_gamma"`
	// SchedulerFreq steps the learning-rate schedule every N epochs.
	SchedulerFreq int `yaml:"scheduler_freq"`

	LearningRate float64 `yaml:"lr"`
	Momentum     float64 `yaml:"momentum"`

	Seed int64 `yaml:"seed"`
}

// Normalize fills defaults and derived values in place.
func (c *Config) Normalize() {
	if c.MaxEpoch < 1 {
		c.MaxEpoch = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.IterSize < 1 {
		c.IterSize = 1
	}
	if c.RANSACPoints < 3 {
		c.RANSACPoints = 3
	}
	if c.Iterations < 1 {
		c.Iterations = 100
	}
	if c.SchedulerFreq < 1 {
		c.SchedulerFreq = 1
	}
	if c.SchedulerGamma <= 0 || c.SchedulerGamma > 1 {
		c.SchedulerGamma = 0.95
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Mode == "" {
		c.Mode = string(ModeSingle)
	}
	if c.WorldSize < 1 {
		c.WorldSize = 1
	}
	if c.SaveDir == "" {
		c.SaveDir = "snapshots"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = c.SaveDir
	}
}

// VerboseEvery converts the sample-based VerboseFreq into a batch interval.
func (c *Config) VerboseEvery() int {
	return c.VerboseFreq/c.BatchSize + 1
}

// RecallThreshold is the fixed RMSE acceptance bound for a registration
// success, in point-cloud length units.
const RecallThreshold = 0.2

// MatchConfidenceThreshold is the confidence cutoff used when extracting
// correspondences for recall evaluation.
const MatchConfidenceThreshold = 0.05
