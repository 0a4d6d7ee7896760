package training

import (
	"fmt"
	"math"
)

// Loss compares logits with 0/1 targets.
type Loss interface {
	Forward(logits, targets []float32) (LossValue, error)
}

// LossValue is the result of one loss evaluation.
type LossValue interface {
	// Item returns the batch loss as a scalar.
	Item() float64
	// Backward accumulates parameter gradients for this loss.
	Backward() error
}

// Sigmoid maps a logit to a probability.
func Sigmoid(logit float32) float64 {
	return 1 / (1 + math.Exp(-float64(logit)))
}

// Predict thresholds the sigmoid of a logit at 0.5.
func Predict(logit float32) float32 {
	if Sigmoid(logit) > 0.5 {
		return 1
	}
	return 0
}

// CountCorrect returns how many thresholded predictions exactly match their
// targets.
func CountCorrect(logits, targets []float32) (int, error) {
	if len(logits) != len(targets) {
		return 0, fmt.Errorf("%d logits for %d targets", len(logits), len(targets))
	}
	correct := 0
	for i, logit := range logits {
		if Predict(logit) == targets[i] {
			correct++
		}
	}
	return correct, nil
}
