package training

import (
	"context"
	"errors"

	"github.com/tsawler/braintriage/checkpoints"
)

// makeBatch builds n single-value samples whose logits (via fakeModel) equal
// value.
func makeBatch(n int, value, target float32) *Batch {
	b := &Batch{
		Images:  make([]float32, n),
		Shape:   []int{n, 1, 1, 1},
		Targets: make([]float32, n),
		Size:    n,
	}
	for i := 0; i < n; i++ {
		b.Images[i] = value
		b.Targets[i] = target
	}
	return b
}

// fakeModel returns each sample's single image value as its logit unless
// evalLogits scripts the validation output per epoch.
type fakeModel struct {
	name       string
	training   bool
	evalEpochs int
	calls      *[]string
	evalLogits func(epoch int, b *Batch) []float32
	stateErr   error
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Forward(b *Batch) ([]float32, error) {
	m.record("forward")
	if !m.training && m.evalLogits != nil {
		return m.evalLogits(m.evalEpochs-1, b), nil
	}
	return append([]float32(nil), b.Images...), nil
}

func (m *fakeModel) Train() { m.training = true }

func (m *fakeModel) Eval() {
	m.training = false
	m.evalEpochs++
}

func (m *fakeModel) StateDict() ([]checkpoints.WeightTensor, error) {
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	return []checkpoints.WeightTensor{{Name: "w", Shape: []int{1}, Data: []float32{1}}}, nil
}

func (m *fakeModel) record(call string) {
	if m.calls != nil {
		*m.calls = append(*m.calls, call)
	}
}

// fakeLoss reports the first logit as the batch loss unless evalLosses
// scripts the validation loss per epoch.
type fakeLoss struct {
	model      *fakeModel
	evalLosses []float64
}

func (l *fakeLoss) Forward(logits, targets []float32) (LossValue, error) {
	l.model.record("loss")
	v := float64(logits[0])
	if !l.model.training && l.evalLosses != nil {
		v = l.evalLosses[l.model.evalEpochs-1]
	}
	return fakeLossValue{v: v, model: l.model}, nil
}

type fakeLossValue struct {
	v     float64
	model *fakeModel
}

func (v fakeLossValue) Item() float64 { return v.v }

func (v fakeLossValue) Backward() error {
	v.model.record("backward")
	return nil
}

type fakeOptimizer struct {
	model *fakeModel
	lr    float64
	lrs   []float64
}

func (o *fakeOptimizer) ZeroGrad() { o.model.record("zero_grad") }

func (o *fakeOptimizer) Step() error {
	o.model.record("step")
	return nil
}

func (o *fakeOptimizer) LearningRate() float64 { return o.lr }

func (o *fakeOptimizer) SetLearningRate(lr float64) {
	o.lr = lr
	o.lrs = append(o.lrs, lr)
}

// accuracyScript returns eval logits that make the share of correct
// predictions on all-positive targets equal accs[epoch].
func accuracyScript(accs []float64) func(int, *Batch) []float32 {
	return func(epoch int, b *Batch) []float32 {
		n := b.Len()
		correct := int(accs[epoch]*float64(n) + 0.5)
		logits := make([]float32, n)
		for i := range logits {
			if i < correct {
				logits[i] = 5
			} else {
				logits[i] = -5
			}
		}
		return logits
	}
}

type failingSink struct{ calls int }

func (s *failingSink) Log(context.Context, Point) error {
	s.calls++
	return errors.New("collector unreachable")
}

type panickingSink struct{}

func (panickingSink) Log(context.Context, Point) error { panic("boom") }

type errLoader struct{ err error }

func (l errLoader) Reset()                {}
func (l errLoader) Next() (*Batch, error) { return nil, l.err }
func (l errLoader) Len() int              { return 1 }

// blockingSink holds every point until released or cancelled.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *blockingSink) Log(ctx context.Context, _ Point) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
