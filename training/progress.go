package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const barWidth = 40

// ProgressBar redraws one terminal line per batch:
//
//	Epoch 1/10 (train):  50%|████      | 2/4 [00:01<00:01, 2.00batch/s, acc=75.00%, loss=0.500]
type ProgressBar struct {
	out     io.Writer
	label   string
	total   int
	done    int
	started time.Time
	postfix map[string]float64
}

// NewProgressBar starts a bar over total batches.
func NewProgressBar(out io.Writer, label string, total int) *ProgressBar {
	return &ProgressBar{out: out, label: label, total: total, started: time.Now()}
}

// Update moves the bar to step and replaces the metrics postfix.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.done = step
	pb.postfix = metrics
	fmt.Fprint(pb.out, "\r"+pb.line(time.Since(pb.started)))
}

// Finish draws the bar at 100% and ends the line.
func (pb *ProgressBar) Finish() {
	pb.done = pb.total
	fmt.Fprint(pb.out, "\r"+pb.line(time.Since(pb.started))+"\n")
}

func (pb *ProgressBar) fraction() float64 {
	if pb.total <= 0 || pb.done >= pb.total {
		return 1
	}
	return float64(pb.done) / float64(pb.total)
}

func (pb *ProgressBar) line(elapsed time.Duration) string {
	frac := pb.fraction()
	filled := int(frac * barWidth)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s%s| %d/%d [%s<%s",
		pb.label, frac*100,
		strings.Repeat("█", filled), strings.Repeat(" ", barWidth-filled),
		pb.done, pb.total, clock(elapsed), clock(remaining(elapsed, frac, pb.done)))
	if pb.done > 0 && elapsed > 0 {
		fmt.Fprintf(&b, ", %.2fbatch/s", float64(pb.done)/elapsed.Seconds())
	}

	names := make([]string, 0, len(pb.postfix))
	for name := range pb.postfix {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(", " + metric(name, pb.postfix[name]))
	}
	b.WriteString("]")
	return b.String()
}

// metric prints accuracies as percentages.
func metric(name string, v float64) string {
	if strings.Contains(name, "acc") {
		return fmt.Sprintf("%s=%.2f%%", name, v*100)
	}
	return fmt.Sprintf("%s=%.3f", name, v)
}

func remaining(elapsed time.Duration, frac float64, done int) time.Duration {
	if done == 0 || frac <= 0 {
		return 0
	}
	return time.Duration(float64(elapsed)/frac) - elapsed
}

// clock formats d as MM:SS, or H:MM:SS past an hour.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Seconds())
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
