package training

import (
	"sort"
	"time"

	"github.com/montanaflynn/stats"
)

// Timed components of a training batch.
const (
	ComponentLoadBatch = "load-batch"
	ComponentForward   = "forward"
	ComponentBackward  = "backward"
	ComponentMetrics   = "metrics"
)

// componentTimer collects per-batch durations when enabled.
type componentTimer struct {
	enabled bool
	samples map[string]stats.Float64Data
}

func newComponentTimer(enabled bool) *componentTimer {
	return &componentTimer{enabled: enabled, samples: make(map[string]stats.Float64Data)}
}

// since records the time elapsed from start under component.
func (c *componentTimer) since(component string, start time.Time) {
	if !c.enabled {
		return
	}
	c.samples[component] = append(c.samples[component], time.Since(start).Seconds())
}

// Means returns the mean duration of every recorded component.
func (c *componentTimer) Means() map[string]time.Duration {
	if !c.enabled {
		return nil
	}
	means := make(map[string]time.Duration, len(c.samples))
	for component, data := range c.samples {
		mean, err := stats.Mean(data)
		if err != nil {
			continue
		}
		means[component] = time.Duration(mean * float64(time.Second))
	}
	return means
}

// Percentile returns the pth percentile duration of a component.
func (c *componentTimer) Percentile(component string, p float64) time.Duration {
	v, err := stats.Percentile(c.samples[component], p)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// sortedComponents returns the keys of m in a stable order.
func sortedComponents(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
