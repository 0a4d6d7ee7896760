package training

import "math"

// BestEpoch identifies the best epoch seen so far.
type BestEpoch struct {
	Epoch    int     `json:"epoch"`
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
	Path     string  `json:"path,omitempty"`
}

// BestTracker applies the best-epoch policy: higher validation accuracy wins,
// and equal accuracy is broken by strictly lower validation loss.
type BestTracker struct {
	best  BestEpoch
	found bool
}

// NewBestTracker starts from accuracy 0 and infinite loss.
func NewBestTracker() *BestTracker {
	return &BestTracker{best: BestEpoch{Epoch: -1, Loss: math.Inf(1)}}
}

// Observe reports whether the epoch becomes the new best.
func (b *BestTracker) Observe(epoch int, acc, loss float64) bool {
	if acc > b.best.Accuracy || (acc == b.best.Accuracy && loss < b.best.Loss) {
		b.best = BestEpoch{Epoch: epoch, Accuracy: acc, Loss: loss}
		b.found = true
		return true
	}
	return false
}

// SetPath records where the current best epoch was saved.
func (b *BestTracker) SetPath(path string) { b.best.Path = path }

// Best returns the best epoch and whether any epoch qualified.
func (b *BestTracker) Best() (BestEpoch, bool) {
	return b.best, b.found
}
