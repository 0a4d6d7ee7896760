// Package models holds the CPU classifiers, losses and optimizers the trainer
// drives when no accelerator backend is linked in.
package models

import (
	"fmt"

	"github.com/tsawler/braintriage/checkpoints"
)

// Parameter is a learnable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Layer string
	Type  string // "weight" or "bias"
	Shape []int
	Value []float64
	Grad  []float64
}

func newParameter(layer, kind string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{
		Name:  layer + "." + kind,
		Layer: layer,
		Type:  kind,
		Shape: shape,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Tensor exports the parameter for a checkpoint.
func (p *Parameter) Tensor() checkpoints.WeightTensor {
	data := make([]float32, len(p.Value))
	for i, v := range p.Value {
		data[i] = float32(v)
	}
	return checkpoints.WeightTensor{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Data:  data,
		Layer: p.Layer,
		Type:  p.Type,
	}
}

// Load copies checkpointed values into the parameter.
func (p *Parameter) Load(t checkpoints.WeightTensor) error {
	if len(t.Data) != len(p.Value) {
		return fmt.Errorf("parameter %s: checkpoint has %d values, want %d", p.Name, len(t.Data), len(p.Value))
	}
	for i, v := range t.Data {
		p.Value[i] = float64(v)
	}
	return nil
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}
