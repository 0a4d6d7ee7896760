package training

// Loader produces the batches of one pass over a dataset.
type Loader interface {
	// Reset starts a new pass.
	Reset()
	// Next returns the next batch, or nil once the pass is done.
	Next() (*Batch, error)
	// Len returns the number of batches in one pass.
	Len() int
}

// SliceLoader replays a fixed list of batches every pass.
type SliceLoader struct {
	batches []*Batch
	pos     int
}

// NewSliceLoader creates a loader over batches.
func NewSliceLoader(batches ...*Batch) *SliceLoader {
	return &SliceLoader{batches: batches}
}

func (l *SliceLoader) Reset() { l.pos = 0 }

func (l *SliceLoader) Next() (*Batch, error) {
	if l.pos >= len(l.batches) {
		return nil, nil
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

func (l *SliceLoader) Len() int { return len(l.batches) }
