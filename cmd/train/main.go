// Command train fits the slice classifier on an extractor output directory,
// validating on held-out patients after every epoch.
//
//	train --config run.yaml --data out/train --epochs 20 -v
//
// Every epoch is checkpointed under the model directory and the best epoch is
// recorded in <pointer_dir>/<model>.json.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/checkpoints"
	"github.com/tsawler/braintriage/config"
	"github.com/tsawler/braintriage/device"
	"github.com/tsawler/braintriage/logging"
	"github.com/tsawler/braintriage/models"
	"github.com/tsawler/braintriage/training"
	"github.com/tsawler/braintriage/vision/dataloader"
	"github.com/tsawler/braintriage/vision/dataset"
	"github.com/tsawler/braintriage/vision/preprocessing"
	"github.com/tsawler/braintriage/vision/slices"
)

type args struct {
	Config   string `help:"YAML run file"`
	Data     string `help:"extractor output directory to train on"`
	Epochs   int    `help:"number of epochs"`
	ModelDir string `arg:"--model-dir" help:"checkpoint directory"`
	SinkURL  string `arg:"--sink-url" help:"metrics collector base URL"`
	KeepBest int    `arg:"--keep-best" help:"checkpoints to keep, 0 keeps all"`
	LogLevel string `arg:"--log-level" help:"debug, info, warn or error"`
	Verbose  bool   `arg:"-v" help:"print per-component timings"`
}

func (args) Description() string {
	return "Trains and validates the MRI slice classifier."
}

// apply overrides cfg with the flags that were set.
func (a args) apply(cfg *config.Train) {
	if a.Data != "" {
		cfg.Data = a.Data
	}
	if a.Epochs > 0 {
		cfg.Epochs = a.Epochs
	}
	if a.ModelDir != "" {
		cfg.ModelDir = a.ModelDir
	}
	if a.SinkURL != "" {
		cfg.Sink.BaseURL = a.SinkURL
	}
	if a.KeepBest >= 0 {
		cfg.Retention.KeepBest = a.KeepBest
	}
	if a.LogLevel != "" {
		cfg.LogLevel = a.LogLevel
	}
	if a.Verbose {
		cfg.Verbose = true
	}
}

func main() {
	a := args{KeepBest: -1}
	arg.MustParse(&a)

	fs := afero.NewOsFs()
	cfg := config.DefaultTrain()
	if a.Config != "" {
		var err error
		if cfg, err = config.LoadTrain(fs, a.Config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	a.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, fs, cfg, logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, fs afero.Fs, cfg config.Train, logger *zap.Logger) error {
	dev, err := device.Detect(cfg.Device, logger)
	if err != nil {
		return err
	}

	ds, err := dataset.NewSliceDataset(fs, cfg.Data)
	if err != nil {
		return err
	}
	trainSet, valSet, err := ds.SplitByPatient(cfg.ValRatio, cfg.Seed)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded",
		zap.String("dir", cfg.Data),
		zap.Int("train_slices", trainSet.Len()),
		zap.Int("train_patients", len(trainSet.Patients())),
		zap.Int("val_slices", valSet.Len()),
		zap.Int("val_patients", len(valSet.Patients())),
		zap.Any("class_distribution", ds.ClassDistribution()))

	trainLoader, valLoader, cache, err := loaders(cfg, dev, trainSet, valSet)
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	defer valLoader.Close()
	dev.OnRelease(func() {
		logger.Debug("slice cache", zap.Stringer("stats", cache.Stats()))
	})

	model, err := models.NewPooledLogistic(cfg.Model, slices.Channels, cfg.Seed)
	if err != nil {
		return err
	}
	opt, err := models.NewSGD(cfg.Optimizer, model.Parameters())
	if err != nil {
		return err
	}
	scheduler, err := training.NewScheduler(cfg.Scheduler)
	if err != nil {
		return err
	}

	sink, err := metricSink(ctx, cfg, logger)
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(model, models.NewBCEWithLogits(model), opt, training.Config{
		Epochs:     cfg.Epochs,
		ModelDir:   cfg.ModelDir,
		PointerDir: cfg.PointerDir,
		Retention:  cfg.Retention,
		BaseLR:     cfg.Optimizer.LearningRate,
		Scheduler:  scheduler,
		Device:     dev,
		Sink:       sink,
		SinkQueue:  cfg.Sink.QueueSize,
		Fs:         fs,
		Logger:     logger,
		Progress:   cfg.Progress,
		Verbose:    cfg.Verbose,

		SinkFlushTimeout: cfg.Sink.FlushTimeout,
	})
	if err != nil {
		return err
	}

	summary, err := trainer.Run(ctx, trainLoader, valLoader)
	if err != nil {
		return err
	}

	historyPath := filepath.Join(cfg.ModelDir, cfg.Model+"_history.csv")
	if err := training.WriteHistory(fs, historyPath, summary.History); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.Int("epochs", summary.Epochs),
		zap.Duration("duration", summary.Duration),
		zap.Int("dropped_points", summary.DroppedPoints),
		zap.String("history", historyPath),
	}
	if summary.HasBest {
		fields = append(fields,
			zap.Int("best_epoch", summary.Best.Epoch),
			zap.Float64("best_accuracy", summary.Best.Accuracy),
			zap.String("best_checkpoint", summary.Best.Path),
			zap.String("pointer", checkpoints.PointerPath(cfg.PointerDir, cfg.Model)))
	}
	logger.Info("training finished", fields...)
	return nil
}

func loaders(cfg config.Train, dev *device.Context, trainSet, valSet *dataset.SliceDataset) (*dataloader.DataLoader, *dataloader.DataLoader, *dataloader.CacheManager, error) {
	mode, err := preprocessing.ParseMode(cfg.Normalization)
	if err != nil {
		return nil, nil, nil, err
	}
	cache, err := dataloader.NewCacheManager(cfg.CacheSize)
	if err != nil {
		return nil, nil, nil, err
	}

	// Queued batches are held in memory, so small hosts queue fewer.
	prefetch := cfg.Prefetch
	if w := dev.Workers(); prefetch > w {
		prefetch = w
	}

	base := dataloader.Config{
		BatchSize:     cfg.BatchSize,
		Seed:          cfg.Seed,
		CacheManager:  cache,
		Normalization: mode,
		Prefetch:      prefetch,
	}
	trainCfg := base
	trainCfg.Shuffle = cfg.Shuffle

	train, err := dataloader.NewDataLoader(trainSet, trainCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	val, err := dataloader.NewDataLoader(valSet, base)
	if err != nil {
		train.Close()
		return nil, nil, nil, err
	}
	return train, val, cache, nil
}

// metricSink logs every point and, when a collector is configured, pushes it
// there too. An unreachable collector is reported but does not stop the run.
func metricSink(ctx context.Context, cfg config.Train, logger *zap.Logger) (training.MetricSink, error) {
	logSink := training.LogSink{Logger: logger}
	if cfg.Sink.BaseURL == "" {
		return logSink, nil
	}

	httpSink, err := training.NewHTTPSink(cfg.Sink)
	if err != nil {
		return nil, err
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := httpSink.CheckHealth(healthCtx); err != nil {
		logger.Warn("metrics collector unreachable", zap.String("url", cfg.Sink.BaseURL), zap.Error(err))
	}
	return training.MultiSink{logSink, httpSink}, nil
}
