package training

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/braintriage/checkpoints"
	"github.com/tsawler/braintriage/device"
	"github.com/tsawler/braintriage/failure"
)

func newTestTrainer(t *testing.T, epochs int, model *fakeModel, loss *fakeLoss, opt Optimizer, mutate func(*Config)) (*Trainer, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	cfg := Config{
		Epochs:     epochs,
		ModelDir:   "models",
		PointerDir: "tmp",
		Fs:         fs,
		Output:     io.Discard,
		RunID:      "run-1",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if opt == nil {
		opt = &fakeOptimizer{model: model}
	}
	tr, err := NewTrainer(model, loss, opt, cfg)
	require.NoError(t, err)
	return tr, fs
}

func trainLoader() Loader {
	return NewSliceLoader(makeBatch(4, 1, 1), makeBatch(4, 2, 1))
}

func scriptedRun(t *testing.T, accs, losses []float64) (Summary, afero.Fs) {
	model := &fakeModel{name: "m", evalLogits: accuracyScript(accs)}
	loss := &fakeLoss{model: model, evalLosses: losses}
	tr, fs := newTestTrainer(t, len(accs), model, loss, nil, nil)

	summary, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(20, 0, 1)))
	require.NoError(t, err)
	return summary, fs
}

func TestRunSelectsBestEpochWithLossTieBreak(t *testing.T) {
	summary, fs := scriptedRun(t,
		[]float64{0.5, 0.7, 0.7, 0.6},
		[]float64{1.0, 0.5, 0.4, 0.9})

	require.True(t, summary.HasBest)
	assert.Equal(t, 2, summary.Best.Epoch)
	assert.Equal(t, 0.7, summary.Best.Accuracy)
	assert.Equal(t, 0.4, summary.Best.Loss)
	assert.Equal(t, "models/m_002.ckpt.json", summary.Best.Path)
	assert.Equal(t, 4, summary.Epochs)

	p, err := checkpoints.ReadPointer(fs, "tmp", "m")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Epoch)
	assert.Equal(t, "models/m_002.ckpt.json", p.Path)

	for epoch := 0; epoch < 4; epoch++ {
		exists, _ := afero.Exists(fs, "models/"+checkpoints.FileName("m", epoch))
		assert.True(t, exists, "checkpoint for epoch %d", epoch)
	}
	exists, _ := afero.Exists(fs, "models/m_004.ckpt.json")
	assert.False(t, exists)
}

func TestRunLaterHigherAccuracyWins(t *testing.T) {
	summary, fs := scriptedRun(t,
		[]float64{0.9, 0.8, 0.95},
		[]float64{0.3, 0.2, 0.5})

	assert.Equal(t, 2, summary.Best.Epoch)

	p, err := checkpoints.ReadPointer(fs, "tmp", "m")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Epoch)
	assert.Equal(t, 0.95, p.ValidationAccuracy)

	var bests []int
	for _, r := range summary.History {
		if r.Best {
			bests = append(bests, r.Epoch)
		}
	}
	assert.Equal(t, []int{0, 2}, bests)
}

func TestCheckpointContents(t *testing.T) {
	summary, fs := scriptedRun(t, []float64{0.5, 0.75}, []float64{0.6, 0.5})

	ckpt, err := checkpoints.Read(fs, summary.History[1].Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, "m", ckpt.Model)
	assert.Equal(t, 1, ckpt.TrainingState.Epoch)
	assert.Equal(t, 0.75, ckpt.TrainingState.ValidationAccuracy)
	assert.Equal(t, 0.5, ckpt.TrainingState.ValidationLoss)
	assert.Equal(t, 0.75, ckpt.TrainingState.BestAccuracy)
	assert.Equal(t, 4, ckpt.TrainingState.Step, "two train batches per epoch")
	assert.Equal(t, "run-1", ckpt.Metadata.RunID)
	assert.Len(t, ckpt.Weights, 1)
}

func TestTrainEpochWeightsBySampleCount(t *testing.T) {
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, nil)
	ctx := context.Background()

	// Equal batches: weighted and plain means agree.
	r, err := tr.TrainEpoch(ctx, 0, NewSliceLoader(makeBatch(3, 1, 1), makeBatch(3, 3, 1)))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r.Loss, 1e-9)
	assert.InDelta(t, r.UnweightedLoss, r.Loss, 1e-9)
	assert.Equal(t, 6, r.Samples)
	assert.Equal(t, 2, r.Batches)

	// Short last batch counts by its sample count.
	r, err = tr.TrainEpoch(ctx, 0, NewSliceLoader(makeBatch(4, 1, 1), makeBatch(2, 4, 1)))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r.Loss, 1e-9)
	assert.InDelta(t, 2.5, r.UnweightedLoss, 1e-9)

	r, err = tr.TrainEpoch(ctx, 0, NewSliceLoader(makeBatch(4, -1, 1), makeBatch(2, 2, 1)))
	require.NoError(t, err)
	assert.InDelta(t, 2.0/6.0, r.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, r.UnweightedAccuracy, 1e-9)
}

func TestEmptyLoaderFails(t *testing.T) {
	model := &fakeModel{name: "m"}
	tr, fs := newTestTrainer(t, 2, model, &fakeLoss{model: model}, nil, nil)

	_, err := tr.TrainEpoch(context.Background(), 0, NewSliceLoader())
	assert.True(t, errors.Is(err, failure.ErrEmptyDataset))

	_, err = tr.Run(context.Background(), trainLoader(), NewSliceLoader())
	assert.True(t, errors.Is(err, failure.ErrEmptyDataset))

	exists, _ := afero.Exists(fs, "models/m_000.ckpt.json")
	assert.False(t, exists, "a failed epoch is not checkpointed")
}

func TestStepOrder(t *testing.T) {
	var calls []string
	model := &fakeModel{name: "m", calls: &calls}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, nil)

	_, err := tr.Run(context.Background(), NewSliceLoader(makeBatch(2, 1, 1)), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"zero_grad", "forward", "loss", "backward", "step",
		"forward", "loss",
	}, calls)
}

func TestSinkFailuresDoNotAbortTraining(t *testing.T) {
	for name, sink := range map[string]MetricSink{
		"error": &failingSink{},
		"panic": panickingSink{},
	} {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{name: "m"}
			tr, _ := newTestTrainer(t, 2, model, &fakeLoss{model: model}, nil, func(c *Config) { c.Sink = sink })

			summary, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Epochs)
			// 2 epochs x (2 train + 1 validation batch + 1 epoch point)
			assert.Equal(t, 8, summary.DroppedPoints)
		})
	}
}

func TestMetricPoints(t *testing.T) {
	sink := &MemorySink{}
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 2, model, &fakeLoss{model: model}, nil, func(c *Config) { c.Sink = sink })

	_, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)

	batches := sink.Scope(ScopeBatch)
	require.Len(t, batches, 6)
	assert.Contains(t, batches[0].Values, MetricTrainBatchLoss)
	assert.Contains(t, batches[2].Values, MetricValidationBatchAccuracy)
	assert.Equal(t, "run-1", batches[0].RunID)

	epochs := sink.Scope(ScopeEpoch)
	require.Len(t, epochs, 2)
	for _, key := range []string{MetricTrainLoss, MetricTrainAccuracy, MetricValidationLoss, MetricValidationAccuracy} {
		assert.Contains(t, epochs[1].Values, key)
	}
	assert.Equal(t, 1, epochs[1].Epoch)
}

func TestDeviceScopedPerEpoch(t *testing.T) {
	dev, err := device.Detect("cpu", nil)
	require.NoError(t, err)
	released := 0
	dev.OnRelease(func() { released++ })

	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 3, model, &fakeLoss{model: model}, nil, func(c *Config) { c.Device = dev })

	_, err = tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 3, dev.Acquires())
	assert.Equal(t, 3, released)
	assert.False(t, dev.Active())
}

func TestRetentionKeepsBest(t *testing.T) {
	model := &fakeModel{name: "m", evalLogits: accuracyScript([]float64{0.5, 0.9, 0.6, 0.7})}
	loss := &fakeLoss{model: model, evalLosses: []float64{1, 1, 1, 1}}
	tr, fs := newTestTrainer(t, 4, model, loss, nil, func(c *Config) {
		c.Retention = checkpoints.Retention{KeepBest: 1}
	})

	_, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(10, 0, 1)))
	require.NoError(t, err)

	files, err := afero.ReadDir(fs, "models")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "m_001.ckpt.json", files[0].Name())
}

func TestSchedulerDrivesLearningRate(t *testing.T) {
	model := &fakeModel{name: "m"}
	opt := &fakeOptimizer{model: model, lr: 0.1}
	tr, _ := newTestTrainer(t, 3, model, &fakeLoss{model: model}, opt, func(c *Config) {
		c.Scheduler = NewStepLR(1, 0.5)
	})

	summary, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.05, 0.025}, opt.lrs, 1e-12)
	assert.InDelta(t, 0.025, summary.History[2].LearningRate, 1e-12)
}

func TestLoaderAndModelErrorsAbort(t *testing.T) {
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, nil)

	boom := errors.New("disk gone")
	_, err := tr.Run(context.Background(), errLoader{err: boom}, NewSliceLoader(makeBatch(2, 1, 1)))
	assert.True(t, errors.Is(err, boom))

	model.stateErr = errors.New("no weights")
	_, err = tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	assert.Error(t, err)
}

func TestMalformedBatchIsDimensionMismatch(t *testing.T) {
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, nil)

	bad := makeBatch(2, 1, 1)
	bad.Targets = bad.Targets[:1]
	_, err := tr.TrainEpoch(context.Background(), 0, NewSliceLoader(bad))
	assert.True(t, errors.Is(err, failure.ErrDimensionMismatch))
}

func TestRunHonorsCancellation(t *testing.T) {
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 3, model, &fakeLoss{model: model}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := tr.Run(ctx, trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, summary.Epochs)
}

func TestEpochSummaryOutput(t *testing.T) {
	var out bytes.Buffer
	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, func(c *Config) {
		c.Output = &out
		c.Verbose = true
		c.Progress = true
	})

	_, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Running m")
	assert.Contains(t, out.String(), "Epoch 1/1: Train Loss=1.5000, Train Acc=100.00%")
	assert.Contains(t, out.String(), "forward took on average")
	assert.Contains(t, out.String(), "Epoch 1/1 (train)")
}

func TestNewTrainerValidation(t *testing.T) {
	model := &fakeModel{name: "m"}
	loss := &fakeLoss{model: model}
	opt := &fakeOptimizer{model: model}

	_, err := NewTrainer(model, loss, opt, Config{Epochs: 0, ModelDir: "m", Fs: afero.NewMemMapFs()})
	assert.Error(t, err)
	_, err = NewTrainer(model, loss, opt, Config{Epochs: 1, Fs: afero.NewMemMapFs()})
	assert.Error(t, err, "model dir is required")
	_, err = NewTrainer(&fakeModel{}, loss, opt, Config{Epochs: 1, ModelDir: "m", Fs: afero.NewMemMapFs()})
	assert.Error(t, err)

	tr, err := NewTrainer(model, loss, opt, Config{Epochs: 1, ModelDir: "m", Fs: afero.NewMemMapFs(), Output: io.Discard})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.RunID())
}
