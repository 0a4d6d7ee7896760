package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/checkpoints"
	"github.com/tsawler/braintriage/device"
	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/logging"
)

// Config holds configuration for a training run.
type Config struct {
	Epochs int

	// ModelDir receives one checkpoint per epoch.
	ModelDir string
	// PointerDir receives the best-checkpoint pointer. Defaults to "tmp".
	PointerDir string
	Retention  checkpoints.Retention

	// BaseLR and Scheduler drive optimizers that implement LearningRater.
	BaseLR    float64
	Scheduler LRScheduler

	Device *device.Context
	Sink   MetricSink
	Fs     afero.Fs
	Logger *zap.Logger

	// During Run, points reach Sink through a queue of SinkQueue points
	// (default 256). Run waits at most SinkFlushTimeout (default 5s) for the
	// queue to drain before returning.
	SinkQueue        int
	SinkFlushTimeout time.Duration

	// Output receives progress bars and epoch summary lines. Defaults to
	// os.Stdout. Progress enables the per-batch bars.
	Output   io.Writer
	Progress bool
	// Verbose records per-component batch timings.
	Verbose bool

	RunID string
}

// PhaseResult aggregates one pass over a loader.
type PhaseResult struct {
	// Loss and Accuracy are sample-weighted means over the pass.
	Loss     float64
	Accuracy float64
	// UnweightedLoss and UnweightedAccuracy are plain means over batches.
	UnweightedLoss     float64
	UnweightedAccuracy float64

	Samples   int
	Batches   int
	Duration  time.Duration
	Confusion BinaryConfusion
	AUC       float64
	Timings   map[string]time.Duration
}

// EpochResult is the outcome of one train/validate cycle.
type EpochResult struct {
	Epoch        int
	Train        PhaseResult
	Validation   PhaseResult
	LearningRate float64
	Checkpoint   string
	Best         bool
	Duration     time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	Model         string
	Epochs        int
	Best          BestEpoch
	HasBest       bool
	History       []EpochResult
	Duration      time.Duration
	DroppedPoints int
}

// Trainer runs train/validate cycles and persists every epoch.
type Trainer struct {
	model     Model
	loss      Loss
	optimizer Optimizer
	config    Config

	store  *checkpoints.Store
	device *device.Context
	sink   *SafeSink
	logger *zap.Logger
	out    io.Writer

	best    *BestTracker
	history []EpochResult
	step    int
	baseLR  float64
	lr      float64
}

// NewTrainer validates the configuration and prepares the checkpoint store.
func NewTrainer(model Model, loss Loss, optimizer Optimizer, config Config) (*Trainer, error) {
	if model == nil || loss == nil || optimizer == nil {
		return nil, errors.New("model, loss and optimizer are required")
	}
	if model.Name() == "" {
		return nil, errors.New("model name is required")
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.RunID == "" {
		config.RunID = uuid.New().String()
	}
	if config.Scheduler == nil {
		config.Scheduler = ConstantLR{}
	}
	if config.SinkQueue <= 0 {
		config.SinkQueue = 256
	}
	if config.SinkFlushTimeout <= 0 {
		config.SinkFlushTimeout = 5 * time.Second
	}
	logger := logging.OrNop(config.Logger).With(
		zap.String("run_id", config.RunID),
		zap.String("model", model.Name()))

	dev := config.Device
	if dev == nil {
		var err error
		if dev, err = device.Detect("cpu", logger); err != nil {
			return nil, err
		}
	}

	store, err := checkpoints.NewStore(config.Fs, checkpoints.StoreConfig{
		Dir:        config.ModelDir,
		PointerDir: config.PointerDir,
		Retention:  config.Retention,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	lr := config.BaseLR
	if lrr, ok := optimizer.(LearningRater); ok && lr == 0 {
		lr = lrr.LearningRate()
	}

	return &Trainer{
		model:     model,
		loss:      loss,
		optimizer: optimizer,
		config:    config,
		store:     store,
		device:    dev,
		sink:      NewSafeSink(config.Sink, logger),
		logger:    logger,
		out:       config.Output,
		best:      NewBestTracker(),
		baseLR:    lr,
		lr:        lr,
	}, nil
}

// Run executes Config.Epochs train/validate cycles. Every epoch is saved; the
// pointer follows the best epoch. Any failure other than a metric push aborts
// the run.
func (t *Trainer) Run(ctx context.Context, train, val Loader) (Summary, error) {
	start := time.Now()
	t.logger.Info("training started",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_batches", train.Len()),
		zap.Int("validation_batches", val.Len()),
		zap.Stringer("device", t.device.Info()))
	fmt.Fprintf(t.out, "Running %s\n", t.model.Name())

	t.sink.StartQueue(t.config.SinkQueue)
	err := t.runEpochs(ctx, train, val)
	t.sink.StopQueue(t.config.SinkFlushTimeout)

	summary := t.summary(start)
	if err != nil {
		return summary, err
	}
	t.logger.Info("training finished",
		zap.Duration("duration", summary.Duration),
		zap.Int("best_epoch", summary.Best.Epoch),
		zap.Float64("best_accuracy", summary.Best.Accuracy),
		zap.Int("dropped_points", summary.DroppedPoints))
	return summary, nil
}

func (t *Trainer) runEpochs(ctx context.Context, train, val Loader) error {
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.runEpoch(ctx, epoch, train, val); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, train, val Loader) (EpochResult, error) {
	epochStart := time.Now()
	result := EpochResult{Epoch: epoch, LearningRate: t.applySchedule(epoch)}

	err := t.device.Scope(func() error {
		var err error
		if result.Train, err = t.TrainEpoch(ctx, epoch, train); err != nil {
			return err
		}
		result.Validation, err = t.ValidateEpoch(ctx, epoch, val)
		return err
	})
	if err != nil {
		return result, err
	}

	if p, ok := t.config.Scheduler.(PlateauScheduler); ok {
		t.lr = p.Observe(result.Validation.Loss, t.lr)
	}

	acc, loss := result.Validation.Accuracy, result.Validation.Loss
	result.Best = t.best.Observe(epoch, acc, loss)

	ckpt, err := t.checkpoint(result)
	if err != nil {
		return result, err
	}
	path, err := t.store.Save(ckpt)
	if err != nil {
		return result, err
	}
	result.Checkpoint = path

	if result.Best {
		t.best.SetPath(path)
		if err := t.store.MarkBest(t.model.Name(), epoch, finite(acc), finite(loss), path); err != nil {
			return result, err
		}
	}
	if err := t.store.Prune(); err != nil {
		return result, err
	}

	result.Duration = time.Since(epochStart)
	t.history = append(t.history, result)
	t.printEpochSummary(result)
	t.push(ctx, ScopeEpoch, epoch, t.step, epochValues(result))
	return result, nil
}

// TrainEpoch runs one training pass: zero grads, forward, loss, backward and
// step for every batch.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, loader Loader) (PhaseResult, error) {
	t.model.Train()
	return t.pass(ctx, epoch, loader, true)
}

// ValidateEpoch runs one inference pass without parameter updates.
func (t *Trainer) ValidateEpoch(ctx context.Context, epoch int, loader Loader) (PhaseResult, error) {
	t.model.Eval()
	return t.pass(ctx, epoch, loader, false)
}

func (t *Trainer) pass(ctx context.Context, epoch int, loader Loader, training bool) (PhaseResult, error) {
	phase, lossKey, accKey := "validation", MetricValidationBatchLoss, MetricValidationBatchAccuracy
	if training {
		phase, lossKey, accKey = "train", MetricTrainBatchLoss, MetricTrainBatchAccuracy
	}

	var bar *ProgressBar
	if t.config.Progress {
		bar = NewProgressBar(t.out, fmt.Sprintf("Epoch %d/%d (%s)", epoch+1, t.config.Epochs, phase), loader.Len())
	}

	timer := newComponentTimer(t.config.Verbose)
	var acc epochAccumulator
	var confusion BinaryConfusion
	var scores, labels []float32
	start := time.Now()

	loader.Reset()
	for {
		loadStart := time.Now()
		batch, err := loader.Next()
		if err != nil {
			return PhaseResult{}, errors.Wrapf(err, "load %s batch %d", phase, acc.batches)
		}
		if batch == nil {
			break
		}
		timer.since(ComponentLoadBatch, loadStart)

		if err := ctx.Err(); err != nil {
			return PhaseResult{}, err
		}
		if err := batch.Validate(); err != nil {
			return PhaseResult{}, failure.DimensionMismatch(phase+" batch", "batch %d: %v", acc.batches, err)
		}

		if training {
			t.optimizer.ZeroGrad()
		}

		forwardStart := time.Now()
		logits, err := t.model.Forward(batch)
		if err != nil {
			return PhaseResult{}, errors.Wrapf(err, "%s forward pass", phase)
		}
		if len(logits) != batch.Len() {
			return PhaseResult{}, failure.DimensionMismatch(phase+" forward pass",
				"model returned %d logits for %d samples", len(logits), batch.Len())
		}
		lossValue, err := t.loss.Forward(logits, batch.Targets)
		if err != nil {
			return PhaseResult{}, errors.Wrapf(err, "%s loss", phase)
		}
		timer.since(ComponentForward, forwardStart)

		if training {
			backwardStart := time.Now()
			if err := lossValue.Backward(); err != nil {
				return PhaseResult{}, errors.Wrap(err, "backward pass")
			}
			if err := t.optimizer.Step(); err != nil {
				return PhaseResult{}, errors.Wrap(err, "optimizer step")
			}
			timer.since(ComponentBackward, backwardStart)
		}

		metricsStart := time.Now()
		correct, err := CountCorrect(logits, batch.Targets)
		if err != nil {
			return PhaseResult{}, failure.DimensionMismatch(phase+" metrics", "%v", err)
		}
		n := batch.Len()
		batchLoss := lossValue.Item()
		batchAcc := float64(correct) / float64(n)
		acc.add(batchLoss, correct, n)
		if !training {
			if err := confusion.Update(logits, batch.Targets); err != nil {
				return PhaseResult{}, failure.DimensionMismatch(phase+" metrics", "%v", err)
			}
			scores = append(scores, logits...)
			labels = append(labels, batch.Targets...)
		}
		timer.since(ComponentMetrics, metricsStart)

		step := acc.batches - 1
		if training {
			t.step++
			step = t.step
		}
		t.push(ctx, ScopeBatch, epoch, step, map[string]float64{lossKey: batchLoss, accKey: batchAcc})

		if bar != nil {
			bar.Update(acc.batches, map[string]float64{"loss": acc.weightedLoss(), "acc": acc.weightedAccuracy()})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	result, err := acc.result(phase + " epoch")
	if err != nil {
		return PhaseResult{}, err
	}
	result.Duration = time.Since(start)
	result.Confusion = confusion
	if !training {
		result.AUC = AUCROC(scores, labels)
	}
	result.Timings = timer.Means()

	fmt.Fprintf(t.out, "One epoch (%s) took %s\n", phase, result.Duration.Round(time.Millisecond))
	if t.config.Verbose {
		for _, component := range sortedComponents(result.Timings) {
			fmt.Fprintf(t.out, "%s took on average %s (p95 %s)\n",
				component, result.Timings[component], timer.Percentile(component, 95))
		}
		t.logger.Debug("component timings", zap.String("phase", phase), zap.Any("timings", result.Timings))
	}
	return result, nil
}

// History returns the results of every completed epoch.
func (t *Trainer) History() []EpochResult {
	return append([]EpochResult(nil), t.history...)
}

// Best returns the best epoch so far and whether one exists.
func (t *Trainer) Best() (BestEpoch, bool) {
	return t.best.Best()
}

// RunID identifies this run in checkpoints and metric points.
func (t *Trainer) RunID() string { return t.config.RunID }

// DroppedPoints returns how many metric points the sink failed to deliver.
func (t *Trainer) DroppedPoints() int { return t.sink.Dropped() }

func (t *Trainer) applySchedule(epoch int) float64 {
	lrr, ok := t.optimizer.(LearningRater)
	if !ok {
		return t.lr
	}
	if _, plateau := t.config.Scheduler.(PlateauScheduler); !plateau {
		t.lr = t.config.Scheduler.LR(epoch, t.baseLR)
	}
	if t.lr > 0 {
		lrr.SetLearningRate(t.lr)
	}
	return lrr.LearningRate()
}

func (t *Trainer) checkpoint(result EpochResult) (*checkpoints.Checkpoint, error) {
	weights, err := t.model.StateDict()
	if err != nil {
		return nil, errors.Wrap(err, "export model weights")
	}
	ckpt := &checkpoints.Checkpoint{
		Model:   t.model.Name(),
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:              result.Epoch,
			Step:               t.step,
			LearningRate:       result.LearningRate,
			TrainLoss:          finite(result.Train.Loss),
			TrainAccuracy:      finite(result.Train.Accuracy),
			ValidationLoss:     finite(result.Validation.Loss),
			ValidationAccuracy: finite(result.Validation.Accuracy),
		},
		Metadata: checkpoints.Metadata{RunID: t.config.RunID},
	}
	if best, ok := t.best.Best(); ok {
		ckpt.TrainingState.BestLoss = finite(best.Loss)
		ckpt.TrainingState.BestAccuracy = finite(best.Accuracy)
	}
	if exp, ok := t.optimizer.(StateExporter); ok {
		ckpt.OptimizerState = exp.ExportState()
	}
	return ckpt, nil
}

func (t *Trainer) push(ctx context.Context, scope string, epoch, step int, values map[string]float64) {
	_ = t.sink.Log(ctx, Point{
		RunID:  t.config.RunID,
		Model:  t.model.Name(),
		Scope:  scope,
		Epoch:  epoch,
		Step:   step,
		Values: values,
		Time:   time.Now().UTC(),
	})
}

func (t *Trainer) printEpochSummary(r EpochResult) {
	marker := ""
	if r.Best {
		marker = " *"
	}
	fmt.Fprintf(t.out, "Epoch %d/%d: Train Loss=%.4f, Train Acc=%.2f%%, Valid Loss=%.4f, Valid Acc=%.2f%%, Time=%s%s\n",
		r.Epoch+1, t.config.Epochs,
		r.Train.Loss, r.Train.Accuracy*100,
		r.Validation.Loss, r.Validation.Accuracy*100,
		r.Duration.Round(time.Millisecond), marker)

	t.logger.Info("epoch finished",
		zap.Int("epoch", r.Epoch),
		zap.Float64("train_loss", r.Train.Loss),
		zap.Float64("train_accuracy", r.Train.Accuracy),
		zap.Float64("validation_loss", r.Validation.Loss),
		zap.Float64("validation_accuracy", r.Validation.Accuracy),
		zap.Float64("learning_rate", r.LearningRate),
		zap.Bool("best", r.Best),
		zap.String("checkpoint", r.Checkpoint))
}

func (t *Trainer) summary(start time.Time) Summary {
	best, ok := t.best.Best()
	return Summary{
		RunID:         t.config.RunID,
		Model:         t.model.Name(),
		Epochs:        len(t.history),
		Best:          best,
		HasBest:       ok,
		History:       t.History(),
		Duration:      time.Since(start),
		DroppedPoints: t.sink.Dropped(),
	}
}

func epochValues(r EpochResult) map[string]float64 {
	c := r.Validation.Confusion
	return map[string]float64{
		MetricTrainLoss:             r.Train.Loss,
		MetricTrainAccuracy:         r.Train.Accuracy,
		MetricValidationLoss:        r.Validation.Loss,
		MetricValidationAccuracy:    r.Validation.Accuracy,
		MetricValidationPrecision:   c.Precision(),
		MetricValidationRecall:      c.Recall(),
		MetricValidationSpecificity: c.Specificity(),
		MetricValidationF1:          c.F1(),
		MetricValidationAUC:         r.Validation.AUC,
		MetricLearningRate:          r.LearningRate,
	}
}

// epochAccumulator keeps both sample-weighted and per-batch running sums.
type epochAccumulator struct {
	weightedLossSum float64
	lossSum         float64
	accuracySum     float64
	correct         int
	samples         int
	batches         int
}

func (a *epochAccumulator) add(loss float64, correct, n int) {
	a.weightedLossSum += loss * float64(n)
	a.lossSum += loss
	a.accuracySum += float64(correct) / float64(n)
	a.correct += correct
	a.samples += n
	a.batches++
}

func (a *epochAccumulator) weightedLoss() float64 {
	if a.samples == 0 {
		return 0
	}
	return a.weightedLossSum / float64(a.samples)
}

func (a *epochAccumulator) weightedAccuracy() float64 {
	if a.samples == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.samples)
}

// result fails with EmptyDataset when no batch was seen.
func (a *epochAccumulator) result(op string) (PhaseResult, error) {
	if a.batches == 0 || a.samples == 0 {
		return PhaseResult{}, failure.EmptyDataset(op)
	}
	return PhaseResult{
		Loss:               a.weightedLoss(),
		Accuracy:           a.weightedAccuracy(),
		UnweightedLoss:     a.lossSum / float64(a.batches),
		UnweightedAccuracy: a.accuracySum / float64(a.batches),
		Samples:            a.samples,
		Batches:            a.batches,
	}, nil
}

// finite maps NaN and ±Inf to 0 so the value survives JSON encoding.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
