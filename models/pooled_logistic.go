package models

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/braintriage/checkpoints"
	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/training"
)

// PooledLogistic pools every channel of a slice to its mean and standard
// deviation and feeds the pooled features to a single logistic unit.
type PooledLogistic struct {
	name     string
	channels int

	weight *Parameter // [1, 2*channels]
	bias   *Parameter // [1]

	training bool

	// features of the last forward pass, kept for Backward
	features [][]float64
}

// NewPooledLogistic creates the model with small random weights drawn from
// seed.
func NewPooledLogistic(name string, channels int, seed int64) (*PooledLogistic, error) {
	if name == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	m := &PooledLogistic{
		name:     name,
		channels: channels,
		weight:   newParameter("fc", "weight", 1, 2*channels),
		bias:     newParameter("fc", "bias", 1),
		training: true,
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.weight.Value {
		m.weight.Value[i] = rng.NormFloat64() * 0.01
	}
	return m, nil
}

// Name implements training.Model.
func (m *PooledLogistic) Name() string { return m.name }

// Train implements training.Model.
func (m *PooledLogistic) Train() { m.training = true }

// Eval implements training.Model.
func (m *PooledLogistic) Eval() { m.training = false }

// Training reports whether the model is in training mode.
func (m *PooledLogistic) Training() bool { return m.training }

// Parameters returns the learnable parameters in a stable order.
func (m *PooledLogistic) Parameters() []*Parameter {
	return []*Parameter{m.weight, m.bias}
}

// Forward implements training.Model.
func (m *PooledLogistic) Forward(batch *training.Batch) ([]float32, error) {
	if err := batch.Validate(); err != nil {
		return nil, failure.DimensionMismatch("forward "+m.name, "%v", err)
	}
	if batch.Shape[1] != m.channels {
		return nil, failure.DimensionMismatch("forward "+m.name,
			"batch has %d channels, model expects %d", batch.Shape[1], m.channels)
	}

	n := batch.Len()
	plane := batch.SampleSize() / m.channels
	buf := make([]float64, plane)
	m.features = make([][]float64, n)
	logits := make([]float32, n)

	for i := 0; i < n; i++ {
		sample := batch.Sample(i)
		f := make([]float64, 2*m.channels)
		for c := 0; c < m.channels; c++ {
			for j, v := range sample[c*plane : (c+1)*plane] {
				buf[j] = float64(v)
			}
			f[2*c], f[2*c+1] = stat.MeanStdDev(buf, nil)
			if plane < 2 {
				f[2*c+1] = 0
			}
		}
		m.features[i] = f
		logits[i] = float32(floats.Dot(m.weight.Value, f) + m.bias.Value[0])
	}
	return logits, nil
}

// Backward accumulates parameter gradients from the loss gradient with
// respect to each logit of the last forward pass.
func (m *PooledLogistic) Backward(dlogits []float64) error {
	if len(dlogits) != len(m.features) {
		return failure.DimensionMismatch("backward "+m.name,
			"%d logit gradients for %d cached samples", len(dlogits), len(m.features))
	}
	for i, g := range dlogits {
		floats.AddScaled(m.weight.Grad, g, m.features[i])
		m.bias.Grad[0] += g
	}
	return nil
}

// StateDict implements training.Model.
func (m *PooledLogistic) StateDict() ([]checkpoints.WeightTensor, error) {
	params := m.Parameters()
	out := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		out[i] = p.Tensor()
	}
	return out, nil
}

// LoadStateDict restores parameters saved by StateDict.
func (m *PooledLogistic) LoadStateDict(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range m.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %s", p.Name)
		}
		if err := p.Load(w); err != nil {
			return err
		}
	}
	return nil
}
