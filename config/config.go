// Package config holds the run configuration of the command line tools.
//
// The trainer reads a YAML run file on top of DefaultTrain; command line flags
// then override individual fields. The extractor is configured from flags
// only, on top of DefaultExtract.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/braintriage/checkpoints"
	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/models"
	"github.com/tsawler/braintriage/training"
	"github.com/tsawler/braintriage/vision/preprocessing"
	"github.com/tsawler/braintriage/vision/slices"
)

// Train configures one training run.
type Train struct {
	Model string `yaml:"model"`
	// Data is an extractor output directory.
	Data string `yaml:"data"`

	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	ValRatio      float64 `yaml:"val_ratio"`
	Seed          int64   `yaml:"seed"`
	Shuffle       bool    `yaml:"shuffle"`
	Normalization string  `yaml:"normalization"`
	Prefetch      int     `yaml:"prefetch"`
	CacheSize     int     `yaml:"cache_size"`

	ModelDir   string                `yaml:"model_dir"`
	PointerDir string                `yaml:"pointer_dir"`
	Retention  checkpoints.Retention `yaml:"retention"`

	Optimizer models.SGDConfig         `yaml:"optimizer"`
	Scheduler training.SchedulerConfig `yaml:"scheduler"`

	// Sink.BaseURL empty disables the HTTP collector.
	Sink training.HTTPSinkConfig `yaml:"sink"`

	Device      string `yaml:"device"`
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
	Progress    bool   `yaml:"progress"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultTrain returns the defaults of the brain triage run.
func DefaultTrain() Train {
	sink := training.DefaultHTTPSinkConfig()
	sink.BaseURL = ""
	return Train{
		Model:         "pooled_logistic",
		Data:          "out/train",
		Epochs:        10,
		BatchSize:     32,
		ValRatio:      0.2,
		Seed:          42,
		Shuffle:       true,
		Normalization: "zscore",
		Prefetch:      2,
		CacheSize:     1000,
		ModelDir:      "models",
		PointerDir:    "tmp",
		Optimizer:     models.SGDConfig{LearningRate: 0.01, Momentum: 0.9},
		Sink:          sink,
		Device:        "cpu",
		LogLevel:      "info",
		Progress:      true,
	}
}

// LoadTrain reads a YAML run file over DefaultTrain. Unknown keys are errors.
func LoadTrain(fs afero.Fs, path string) (Train, error) {
	cfg := DefaultTrain()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, failure.MissingFile("load run config", path)
		}
		return cfg, failure.IO("load run config", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse run config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the run configuration.
func (c Train) Validate() error {
	switch {
	case c.Model == "":
		return fmt.Errorf("model name is required")
	case c.Data == "":
		return fmt.Errorf("data directory is required")
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.ValRatio <= 0 || c.ValRatio >= 1:
		return fmt.Errorf("val_ratio must be in (0, 1), got %v", c.ValRatio)
	case c.Prefetch < 0:
		return fmt.Errorf("prefetch must not be negative, got %d", c.Prefetch)
	case c.CacheSize <= 0:
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	case c.ModelDir == "":
		return fmt.Errorf("model directory is required")
	case c.PointerDir == "":
		return fmt.Errorf("pointer directory is required")
	case c.Retention.KeepBest < 0:
		return fmt.Errorf("retention.keep_best must not be negative, got %d", c.Retention.KeepBest)
	}
	if _, err := preprocessing.ParseMode(c.Normalization); err != nil {
		return err
	}
	if _, err := training.NewScheduler(c.Scheduler); err != nil {
		return err
	}
	return nil
}

// Extract configures one extractor invocation.
type Extract struct {
	OutDir string
	Root   string
	Train  bool
	Test   bool
	// Manifest keeps a persistent index of extracted patients under each
	// output directory so re-runs skip them.
	Manifest bool

	VolumeFiles   [slices.Channels]string
	AbnormalClass string
	TestDir       string
	TrainSubdir   string // train data lives at <Root>/<TrainSubdir>

	Progress bool
	LogLevel string
}

// DefaultExtract returns the layout of the brain triage data set.
func DefaultExtract() Extract {
	layout := slices.DefaultExtractorConfig("")
	return Extract{
		OutDir:        "out",
		Root:          ".",
		VolumeFiles:   layout.VolumeFiles,
		AbnormalClass: layout.AbnormalClass,
		TestDir:       layout.TestDir,
		TrainSubdir:   "train/full",
		Progress:      true,
		LogLevel:      "info",
	}
}

// Validate checks the extractor configuration.
func (c Extract) Validate() error {
	if c.OutDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if !c.Train && !c.Test {
		return fmt.Errorf("nothing to do: enable train and/or test extraction")
	}
	for i, name := range c.VolumeFiles {
		if name == "" {
			return fmt.Errorf("volume file name %d is empty", i)
		}
	}
	return nil
}

// ExtractorConfig returns the extractor settings for one output directory.
func (c Extract) ExtractorConfig(outDir string) slices.ExtractorConfig {
	cfg := slices.DefaultExtractorConfig(outDir)
	cfg.VolumeFiles = c.VolumeFiles
	cfg.AbnormalClass = c.AbnormalClass
	cfg.TestDir = c.TestDir
	cfg.Progress = c.Progress
	return cfg
}
