// Package preprocessing normalizes slice intensities before they reach a model.
//
// MRI intensities have no absolute scale, so each channel of each slice is
// rescaled on its own.
package preprocessing

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mode selects a per-channel normalization.
type Mode int

const (
	// None leaves values untouched.
	None Mode = iota
	// ZScore subtracts the channel mean and divides by its standard deviation.
	ZScore
	// MinMax maps the channel range onto [0, 1].
	MinMax
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case ZScore:
		return "zscore"
	case MinMax:
		return "minmax"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name. The empty string selects None.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zscore", "z-score":
		return ZScore, nil
	case "minmax", "min-max":
		return MinMax, nil
	default:
		return None, fmt.Errorf("unknown normalization %q", name)
	}
}

// Normalizer rescales channel-major planes in place, reusing a scratch buffer.
type Normalizer struct {
	mode Mode

	mu      sync.Mutex
	scratch []float64
}

// NewNormalizer creates a normalizer for mode.
func NewNormalizer(mode Mode) *Normalizer {
	return &Normalizer{mode: mode}
}

// Mode returns the configured mode.
func (n *Normalizer) Mode() Mode { return n.mode }

// Apply normalizes data, which holds channels planes of plane values each.
// Non-finite voxels become 0 first.
func (n *Normalizer) Apply(data []float32, channels, plane int) error {
	if channels*plane != len(data) {
		return fmt.Errorf("%d values do not form %d planes of %d", len(data), channels, plane)
	}
	if n.mode == None || plane == 0 {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if cap(n.scratch) < plane {
		n.scratch = make([]float64, plane)
	}
	buf := n.scratch[:plane]

	for c := 0; c < channels; c++ {
		ch := data[c*plane : (c+1)*plane]
		for i, v := range ch {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				f = 0
			}
			buf[i] = f
		}

		switch n.mode {
		case ZScore:
			mean, std := stat.MeanStdDev(buf, nil)
			if std == 0 || math.IsNaN(std) {
				std = 1
			}
			floats.AddConst(-mean, buf)
			floats.Scale(1/std, buf)
		case MinMax:
			lo, hi := floats.Min(buf), floats.Max(buf)
			span := hi - lo
			floats.AddConst(-lo, buf)
			if span > 0 {
				floats.Scale(1/span, buf)
			}
		}

		for i, f := range buf {
			ch[i] = float32(f)
		}
	}
	return nil
}
