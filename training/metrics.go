package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// BinaryConfusion counts thresholded predictions against 0/1 targets.
type BinaryConfusion struct {
	TP, FP, TN, FN int
}

// Update adds one batch of logits.
func (c *BinaryConfusion) Update(logits, targets []float32) error {
	if len(logits) != len(targets) {
		return fmt.Errorf("%d logits for %d targets", len(logits), len(targets))
	}
	for i, logit := range logits {
		pred := Predict(logit) == 1
		actual := targets[i] == 1
		switch {
		case pred && actual:
			c.TP++
		case pred && !actual:
			c.FP++
		case !pred && !actual:
			c.TN++
		default:
			c.FN++
		}
	}
	return nil
}

// Total returns the number of counted samples.
func (c BinaryConfusion) Total() int { return c.TP + c.FP + c.TN + c.FN }

// Accuracy is the share of correct predictions.
func (c BinaryConfusion) Accuracy() float64 {
	return ratio(c.TP+c.TN, c.Total())
}

// Precision is TP / (TP + FP).
func (c BinaryConfusion) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

// Recall (sensitivity) is TP / (TP + FN).
func (c BinaryConfusion) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

// Specificity is TN / (TN + FP).
func (c BinaryConfusion) Specificity() float64 {
	return ratio(c.TN, c.TN+c.FP)
}

// F1 is the harmonic mean of precision and recall.
func (c BinaryConfusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// AUCROC returns the area under the ROC curve of raw scores against 0/1
// labels. It is 0 when only one class is present.
func AUCROC(scores, labels []float32) float64 {
	if len(scores) != len(labels) || len(scores) == 0 {
		return 0
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	y := make([]float64, len(idx))
	classes := make([]bool, len(idx))
	pos := 0
	for i, j := range idx {
		y[i] = float64(scores[j])
		classes[i] = labels[j] == 1
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(y) {
		return 0
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
