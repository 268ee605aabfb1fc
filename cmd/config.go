package cmd

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/regtrain/regtrain/train"
)

// parseRunConfig decodes a YAML run config with strict field checking, so a
// typo in a key is an error instead of a silently ignored option.
func parseRunConfig(data []byte) (train.Config, error) {
	var cfg train.Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return train.Config{}, err
	}
	return cfg, nil
}

// loadRunConfig parses the YAML file at path into a run config.
func loadRunConfig(path string) train.Config {
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Fatalf("Failed to read config file: %v", err)
	}
	cfg, err := parseRunConfig(data)
	if err != nil {
		logrus.Fatalf("Failed to parse config YAML: %v", err)
	}
	return cfg
}

// applyFlagOverrides layers CLI flags over the file config. Without a config
// file every flag applies; with one, only flags the user set explicitly win.
func applyFlagOverrides(cmd *cobra.Command, cfg *train.Config) {
	set := func(name string, apply func()) {
		if configPath == "" || cmd.Flags().Changed(name) {
			apply()
		}
	}

	set("max-epoch", func() { cfg.MaxEpoch = maxEpoch })
	set("max-epochs-per-run", func() { cfg.MaxEpochsPerRun = maxEpochsPerRun })
	set("batch-size", func() { cfg.BatchSize = batchSize })
	set("iter-size", func() { cfg.IterSize = iterSize })
	set("verbose", func() { cfg.Verbose = verbose })
	set("verbose-freq", func() { cfg.VerboseFreq = verboseFreq })
	set("do-valid", func() { cfg.DoValid = doValid })
	set("lr", func() { cfg.LearningRate = learningRate })
	set("momentum", func() { cfg.Momentum = momentum })
	set("scheduler-gamma", func() { cfg.SchedulerGamma = schedulerGamma })
	set("scheduler-freq", func() { cfg.SchedulerFreq = schedulerFreq })
	set("pretrain", func() { cfg.Pretrain = pretrain })
	set("save-dir", func() { cfg.SaveDir = saveDir })
	set("snapshot-dir", func() { cfg.SnapshotDir = snapshotDir })
	set("ransac-points", func() { cfg.RANSACPoints = ransacPoints })
	set("iteration", func() { cfg.Iterations = ransacIterations })
	set("mode", func() { cfg.Mode = mode })
	set("rank", func() { cfg.Rank = rank })
	set("world-size", func() { cfg.WorldSize = worldSize })
	set("seed", func() { cfg.Seed = seed })
}
