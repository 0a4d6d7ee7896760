package training

import (
	"fmt"

	"github.com/tsawler/braintriage/checkpoints"
)

// Batch is one fully materialized mini-batch of slice images.
type Batch struct {
	// Images holds Size samples laid out as [Size, Channels, Rows, Cols].
	Images []float32
	// Shape is [Size, Channels, Rows, Cols].
	Shape []int
	// Targets holds one 0/1 label per sample.
	Targets []float32
	Size    int
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	if b.Size > 0 {
		return b.Size
	}
	return len(b.Targets)
}

// SampleSize returns the number of values per sample.
func (b *Batch) SampleSize() int {
	n := 1
	for _, d := range b.Shape[1:] {
		n *= d
	}
	return n
}

// Sample returns the values of sample i.
func (b *Batch) Sample(i int) []float32 {
	size := b.SampleSize()
	return b.Images[i*size : (i+1)*size]
}

// Validate checks that images, shape and targets agree.
func (b *Batch) Validate() error {
	n := b.Len()
	if n == 0 {
		return fmt.Errorf("batch has no samples")
	}
	if len(b.Targets) != n {
		return fmt.Errorf("batch of %d samples has %d targets", n, len(b.Targets))
	}
	if len(b.Shape) < 2 || b.Shape[0] != n {
		return fmt.Errorf("batch shape %v does not start with %d", b.Shape, n)
	}
	if want := n * b.SampleSize(); len(b.Images) != want {
		return fmt.Errorf("batch shape %v needs %d values, got %d", b.Shape, want, len(b.Images))
	}
	return nil
}

// Model is the network being trained. It owns its parameters.
type Model interface {
	// Name identifies the model in checkpoint file names and the best pointer.
	Name() string
	// Forward returns one raw logit per sample.
	Forward(batch *Batch) ([]float32, error)
	// Train switches the model to training mode.
	Train()
	// Eval switches the model to inference mode.
	Eval()
	// StateDict exports the learnable parameters.
	StateDict() ([]checkpoints.WeightTensor, error)
}
