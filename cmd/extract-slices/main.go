// Command extract-slices turns co-registered T1, T2 and T2-FLAIR volumes into
// per-slice 3-channel artifacts and a label store.
//
//	extract-slices -o out --train --test --root /data/brain
//
// Training data is read from <root>/train/full into <out>/train, test data
// from <root> into <out>/test.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/config"
	"github.com/tsawler/braintriage/logging"
	"github.com/tsawler/braintriage/vision/slices"
)

type args struct {
	Out        string `arg:"-o,--out,required" help:"output directory"`
	Train      bool   `help:"extract the training set"`
	Test       bool   `help:"extract the final test set"`
	Root       string `help:"data set root"`
	Manifest   bool   `help:"skip patients recorded by earlier runs"`
	NoProgress bool   `arg:"--no-progress" help:"hide the patient progress bar"`
	LogLevel   string `arg:"--log-level" help:"debug, info, warn or error"`
	Dev        bool   `help:"human readable logs"`
}

func (args) Description() string {
	return "Extracts 3-channel MRI slices and their labels."
}

func main() {
	defaults := config.DefaultExtract()
	a := args{Root: defaults.Root, LogLevel: defaults.LogLevel}
	arg.MustParse(&a)

	logger, err := logging.New(a.LogLevel, a.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	cfg := defaults
	cfg.OutDir = a.Out
	cfg.Root = a.Root
	cfg.Train = a.Train
	cfg.Test = a.Test
	cfg.Manifest = a.Manifest
	cfg.Progress = !a.NoProgress
	cfg.LogLevel = a.LogLevel

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, afero.NewOsFs(), cfg, openDiskManifest, logger); err != nil {
		logger.Error("extraction failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// manifestOpener opens the manifest kept in dir.
type manifestOpener func(dir string) (slices.Manifest, error)

// openDiskManifest opens LevelDB on the OS file system. LevelDB manages its
// own files, so the manifest never goes through the afero.Fs used for
// artifacts.
func openDiskManifest(dir string) (slices.Manifest, error) {
	m, err := slices.OpenManifest(dir)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func run(ctx context.Context, fs afero.Fs, cfg config.Extract, open manifestOpener, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	type job struct {
		mode slices.Mode
		in   string
		out  string
	}
	var jobs []job
	if cfg.Train {
		jobs = append(jobs, job{slices.ModeTrain, filepath.Join(cfg.Root, cfg.TrainSubdir), filepath.Join(cfg.OutDir, "train")})
	}
	if cfg.Test {
		jobs = append(jobs, job{slices.ModeTest, cfg.Root, filepath.Join(cfg.OutDir, "test")})
	}

	for _, j := range jobs {
		if err := extract(ctx, fs, cfg, open, j.mode, j.in, j.out, logger); err != nil {
			return fmt.Errorf("%s extraction: %w", j.mode, err)
		}
	}
	return nil
}

func extract(ctx context.Context, fs afero.Fs, cfg config.Extract, open manifestOpener, mode slices.Mode, in, out string, logger *zap.Logger) error {
	ec := cfg.ExtractorConfig(out)
	ec.Logger = logger.With(zap.Stringer("mode", mode))

	if cfg.Manifest {
		if open == nil {
			open = openDiskManifest
		}
		m, err := open(filepath.Join(out, slices.ManifestDir))
		if err != nil {
			return err
		}
		defer m.Close()
		ec.Manifest = m
	}

	ex, err := slices.NewExtractor(fs, ec)
	if err != nil {
		return err
	}
	report, err := ex.Run(ctx, in, mode)
	if err != nil {
		return err
	}

	logger.Info("extraction finished",
		zap.Stringer("mode", mode),
		zap.String("input", in),
		zap.String("output", out),
		zap.Int("patients", report.Patients),
		zap.Int("skipped", report.Skipped),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("slices", report.Slices),
	)
	return nil
}
