// Package dataloader batches slice datasets for the trainer.
//
// A DataLoader walks its dataset in a fresh order every pass, decodes each
// artifact once into an LRU cache, and can build batches ahead of the trainer
// in a background goroutine.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/training"
	"github.com/tsawler/braintriage/vision/preprocessing"
	"github.com/tsawler/braintriage/vision/slices"
)

// Dataset is what a DataLoader reads from.
type Dataset interface {
	Len() int
	Key(index int) string
	Label(index int) float32
	Load(index int) (*slices.Slice, error)
}

// Config holds configuration for DataLoader.
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// DropLast skips a final batch smaller than BatchSize.
	DropLast bool

	MaxCacheSize int           // slices kept decoded; default 1000
	CacheManager *CacheManager // optional, shared between loaders

	Normalization preprocessing.Mode

	// Prefetch is the number of batches built ahead in a background
	// goroutine. Zero loads synchronously inside Next.
	Prefetch int
}

type result struct {
	batch *training.Batch
	err   error
}

// DataLoader implements training.Loader over a Dataset.
type DataLoader struct {
	dataset Dataset
	config  Config
	rng     *rand.Rand
	cache   *CacheManager
	norm    *preprocessing.Normalizer

	mu       sync.Mutex
	indices  []int
	position int

	// prefetch state
	ready  chan result
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDataLoader creates a loader. Call Reset before the first pass.
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, failure.EmptyDataset("create data loader")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch < 0 {
		return nil, fmt.Errorf("prefetch depth must not be negative, got %d", config.Prefetch)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	cache := config.CacheManager
	if cache == nil {
		var err error
		if cache, err = NewCacheManager(config.MaxCacheSize); err != nil {
			return nil, err
		}
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		cache:   cache,
		norm:    preprocessing.NewNormalizer(config.Normalization),
		indices: indices,
	}, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset starts a new pass, reshuffling when configured.
func (dl *DataLoader) Reset() {
	dl.stopPrefetch()

	dl.mu.Lock()
	dl.position = 0
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	order := append([]int(nil), dl.indices...)
	dl.mu.Unlock()

	if dl.config.Prefetch > 0 {
		dl.startPrefetch(order)
	}
}

// Next returns the next batch of the pass, or nil when the pass is over.
func (dl *DataLoader) Next() (*training.Batch, error) {
	if dl.ready != nil {
		r, ok := <-dl.ready
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	batch, next, err := dl.build(dl.indices, dl.position)
	if err != nil {
		return nil, err
	}
	dl.position = next
	return batch, nil
}

// Close stops any background loading.
func (dl *DataLoader) Close() {
	dl.stopPrefetch()
}

// Stats returns cache statistics.
func (dl *DataLoader) Stats() CacheStats {
	return dl.cache.Stats()
}

// CacheManager returns the cache for sharing with other loaders.
func (dl *DataLoader) CacheManager() *CacheManager {
	return dl.cache
}

// build assembles the batch starting at position pos of order and returns the
// position after it. A nil batch means the pass is over.
func (dl *DataLoader) build(order []int, pos int) (*training.Batch, int, error) {
	remaining := len(order) - pos
	if remaining <= 0 {
		return nil, pos, nil
	}
	size := dl.config.BatchSize
	if remaining < size {
		if dl.config.DropLast {
			return nil, len(order), nil
		}
		size = remaining
	}

	batch := &training.Batch{Targets: make([]float32, size), Size: size}
	var rows, cols, sample int
	for i := 0; i < size; i++ {
		idx := order[pos+i]
		item, err := dl.load(idx)
		if err != nil {
			return nil, pos, err
		}
		if i == 0 {
			rows, cols = item.Rows, item.Cols
			sample = slices.Channels * rows * cols
			batch.Shape = []int{size, slices.Channels, rows, cols}
			batch.Images = make([]float32, size*sample)
		} else if item.Rows != rows || item.Cols != cols {
			return nil, pos, failure.DimensionMismatch("build batch",
				"slice %s is %dx%d, batch is %dx%d", dl.dataset.Key(idx), item.Rows, item.Cols, rows, cols)
		}
		copy(batch.Images[i*sample:(i+1)*sample], item.Data)
		batch.Targets[i] = dl.dataset.Label(idx)
	}
	return batch, pos + size, nil
}

// load returns the decoded slice at idx through the cache.
func (dl *DataLoader) load(idx int) (*CachedSlice, error) {
	key := dl.dataset.Key(idx)
	if item, ok := dl.cache.Get(key); ok {
		return item, nil
	}

	s, err := dl.dataset.Load(idx)
	if err != nil {
		return nil, err
	}
	if err := dl.norm.Apply(s.Data, slices.Channels, s.Rows*s.Cols); err != nil {
		return nil, failure.DimensionMismatch("normalize slice", "%s: %v", key, err)
	}
	item := &CachedSlice{Data: s.Data, Rows: s.Rows, Cols: s.Cols}
	dl.cache.Put(key, item)
	return item, nil
}

func (dl *DataLoader) startPrefetch(order []int) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan result, dl.config.Prefetch)
	dl.ready = ready
	dl.cancel = cancel

	dl.wg.Add(1)
	go func() {
		defer dl.wg.Done()
		defer close(ready)

		for pos := 0; ; {
			batch, next, err := dl.build(order, pos)
			if batch == nil && err == nil {
				return
			}
			select {
			case ready <- result{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
			pos = next
		}
	}()
}

func (dl *DataLoader) stopPrefetch() {
	if dl.cancel == nil {
		return
	}
	dl.cancel()
	for range dl.ready {
	}
	dl.wg.Wait()
	dl.ready = nil
	dl.cancel = nil
}
