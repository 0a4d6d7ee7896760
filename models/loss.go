package models

import (
	"fmt"
	"math"

	"github.com/tsawler/braintriage/training"
)

// Backpropagator receives the gradient of the loss with respect to each logit.
type Backpropagator interface {
	Backward(dlogits []float64) error
}

// BCEWithLogits is the mean binary cross-entropy of sigmoid(logit) against
// 0/1 targets, computed in a numerically stable form.
type BCEWithLogits struct {
	model Backpropagator
}

// NewBCEWithLogits creates the loss. Backward sends gradients to model.
func NewBCEWithLogits(model Backpropagator) *BCEWithLogits {
	return &BCEWithLogits{model: model}
}

type bceValue struct {
	loss  float64
	grads []float64
	model Backpropagator
}

// Forward implements training.Loss.
func (l *BCEWithLogits) Forward(logits, targets []float32) (training.LossValue, error) {
	if len(logits) != len(targets) {
		return nil, fmt.Errorf("%d logits for %d targets", len(logits), len(targets))
	}
	if len(logits) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	n := float64(len(logits))
	v := &bceValue{grads: make([]float64, len(logits)), model: l.model}
	for i, logit := range logits {
		x, y := float64(logit), float64(targets[i])
		// max(x, 0) - x*y + log(1 + exp(-|x|))
		v.loss += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		v.grads[i] = (training.Sigmoid(logit) - y) / n
	}
	v.loss /= n
	return v, nil
}

func (v *bceValue) Item() float64 { return v.loss }

func (v *bceValue) Backward() error {
	if v.model == nil {
		return fmt.Errorf("loss has no model to backpropagate into")
	}
	return v.model.Backward(v.grads)
}
