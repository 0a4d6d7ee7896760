package training

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/logging"
)

// Point scopes.
const (
	ScopeBatch = "batch"
	ScopeEpoch = "epoch"
)

// Metric names pushed by the trainer.
const (
	MetricTrainBatchLoss          = "train/batch_loss"
	MetricTrainBatchAccuracy      = "train/batch_accuracy"
	MetricValidationBatchLoss     = "validation/batch_loss"
	MetricValidationBatchAccuracy = "validation/batch_accuracy"

	MetricTrainLoss             = "train/loss"
	MetricTrainAccuracy         = "train/accuracy"
	MetricValidationLoss        = "validation/loss"
	MetricValidationAccuracy    = "validation/accuracy"
	MetricValidationPrecision   = "validation/precision"
	MetricValidationRecall      = "validation/recall"
	MetricValidationSpecificity = "validation/specificity"
	MetricValidationF1          = "validation/f1"
	MetricValidationAUC         = "validation/auc"
	MetricLearningRate          = "learning_rate"
)

// Point is one timestamped set of named scalars.
type Point struct {
	RunID  string             `json:"run_id"`
	Model  string             `json:"model"`
	Scope  string             `json:"scope"`
	Epoch  int                `json:"epoch"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
	Time   time.Time          `json:"time"`
}

// MetricSink receives metric points. It is push only.
type MetricSink interface {
	Log(ctx context.Context, p Point) error
}

// NopSink discards every point.
type NopSink struct{}

func (NopSink) Log(context.Context, Point) error { return nil }

// MemorySink keeps every point in memory.
type MemorySink struct {
	mu     sync.Mutex
	points []Point
}

func (s *MemorySink) Log(_ context.Context, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
	return nil
}

// Points returns a copy of the recorded points.
func (s *MemorySink) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points...)
}

// Scope returns the recorded points of one scope.
func (s *MemorySink) Scope(scope string) []Point {
	var out []Point
	for _, p := range s.Points() {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	return out
}

// LogSink writes points to a zap logger. Batch points go to debug.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Log(_ context.Context, p Point) error {
	logger := logging.OrNop(s.Logger)

	fields := []zap.Field{
		zap.String("run_id", p.RunID),
		zap.String("model", p.Model),
		zap.Int("epoch", p.Epoch),
		zap.Int("step", p.Step),
	}
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Float64(k, p.Values[k]))
	}

	if p.Scope == ScopeBatch {
		logger.Debug("metrics", fields...)
	} else {
		logger.Info("metrics", fields...)
	}
	return nil
}

// MultiSink fans a point out to several sinks and returns the first error.
type MultiSink []MetricSink

func (m MultiSink) Log(ctx context.Context, p Point) error {
	var first error
	for _, s := range m {
		if err := s.Log(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SafeSink never returns an error. Failed pushes are logged at warn and
// counted; losing a metric point must not stop training.
//
// Between StartQueue and StopQueue, Log only enqueues and a background
// goroutine delivers, so a slow sink cannot hold up the caller. Points that
// find the queue full are dropped.
type SafeSink struct {
	sink    MetricSink
	logger  *zap.Logger
	dropped int64

	mu     sync.Mutex
	queue  chan Point
	done   chan struct{}
	cancel context.CancelFunc
}

// NewSafeSink wraps sink. A nil sink discards everything.
func NewSafeSink(sink MetricSink, logger *zap.Logger) *SafeSink {
	if sink == nil {
		sink = NopSink{}
	}
	return &SafeSink{sink: sink, logger: logging.OrNop(logger)}
}

func (s *SafeSink) Log(ctx context.Context, p Point) error {
	s.mu.Lock()
	if s.queue != nil {
		select {
		case s.queue <- p:
		default:
			s.drop(p, errors.New("metric queue full"))
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.deliver(ctx, p)
	return nil
}

// StartQueue switches to asynchronous delivery through a queue of size
// points. It is a no-op when a queue is already running.
func (s *SafeSink) StartQueue(size int) {
	if size <= 0 {
		size = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan Point, size)
	done := make(chan struct{})
	s.queue, s.done, s.cancel = queue, done, cancel

	go func() {
		defer close(done)
		for p := range queue {
			if err := ctx.Err(); err != nil {
				s.drop(p, err)
				continue
			}
			s.deliver(ctx, p)
		}
	}()
}

// StopQueue waits up to timeout for queued points to be delivered, then
// abandons the rest and returns to synchronous delivery.
func (s *SafeSink) StopQueue(timeout time.Duration) {
	s.mu.Lock()
	queue, done, cancel := s.queue, s.done, s.cancel
	s.queue, s.done, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if queue == nil {
		return
	}
	close(queue)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		cancel()
		<-done
	}
	cancel()
}

func (s *SafeSink) deliver(ctx context.Context, p Point) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("metric sink panicked: %v", r)
		}
		if err != nil {
			s.drop(p, err)
		}
	}()
	err = s.sink.Log(ctx, p)
}

func (s *SafeSink) drop(p Point, err error) {
	atomic.AddInt64(&s.dropped, 1)
	s.logger.Warn("metric point dropped",
		zap.String("scope", p.Scope),
		zap.Int("epoch", p.Epoch),
		zap.Int("step", p.Step),
		zap.Error(err))
}

// Dropped returns how many points failed to reach the wrapped sink.
func (s *SafeSink) Dropped() int {
	return int(atomic.LoadInt64(&s.dropped))
}
