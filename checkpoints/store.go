package checkpoints

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
	"github.com/tsawler/braintriage/logging"
)

// Ext is the file extension of checkpoint files.
const Ext = ".ckpt.json"

// FileName returns the checkpoint file name for a model at an epoch, with the
// epoch zero-padded to three digits.
func FileName(model string, epoch int) string {
	return fmt.Sprintf("%s_%03d%s", model, epoch, Ext)
}

// Retention controls how many checkpoint files a Store keeps.
type Retention struct {
	// KeepBest keeps only the N best checkpoints by validation accuracy, then
	// lower validation loss. Zero keeps every checkpoint.
	KeepBest int `yaml:"keep_best" json:"keep_best"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir        string // checkpoint directory
	PointerDir string // best-checkpoint pointer directory
	Retention  Retention
	Logger     *zap.Logger
}

// saved is one checkpoint written by this store.
type saved struct {
	epoch int
	acc   float64
	loss  float64
	path  string
}

// Store writes one checkpoint per epoch and maintains the best pointer.
type Store struct {
	fs     afero.Fs
	config StoreConfig
	logger *zap.Logger

	mu    sync.Mutex
	saved []saved
	best  *saved
}

// NewStore creates the checkpoint directory if needed.
func NewStore(fs afero.Fs, config StoreConfig) (*Store, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if config.PointerDir == "" {
		config.PointerDir = "tmp"
	}
	if config.Retention.KeepBest < 0 {
		return nil, fmt.Errorf("keep_best must not be negative, got %d", config.Retention.KeepBest)
	}
	if err := fileutil.EnsureDir(fs, config.Dir); err != nil {
		return nil, failure.IO("create checkpoint directory", config.Dir, err)
	}

	return &Store{
		fs:     fs,
		config: config,
		logger: logging.OrNop(config.Logger),
	}, nil
}

// Path returns where the checkpoint of model at epoch is written.
func (s *Store) Path(model string, epoch int) string {
	return filepath.Join(s.config.Dir, FileName(model, epoch))
}

// Save writes the checkpoint for its epoch and returns the file path.
func (s *Store) Save(ckpt *Checkpoint) (string, error) {
	path := s.Path(ckpt.Model, ckpt.TrainingState.Epoch)
	if err := Write(s.fs, path, ckpt); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.saved = append(s.saved, saved{
		epoch: ckpt.TrainingState.Epoch,
		acc:   ckpt.TrainingState.ValidationAccuracy,
		loss:  ckpt.TrainingState.ValidationLoss,
		path:  path,
	})
	s.mu.Unlock()
	return path, nil
}

// MarkBest records the checkpoint at path as the best one of model and
// rewrites the pointer file.
func (s *Store) MarkBest(model string, epoch int, acc, loss float64, path string) error {
	err := WritePointer(s.fs, s.config.PointerDir, Pointer{
		Model:              model,
		Epoch:              epoch,
		ValidationAccuracy: acc,
		ValidationLoss:     loss,
		Path:               path,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.best = &saved{epoch: epoch, acc: acc, loss: loss, path: path}
	s.mu.Unlock()
	return nil
}

// Prune applies the retention policy. The current best checkpoint is never
// removed.
func (s *Store) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := s.config.Retention.KeepBest
	if keep == 0 || len(s.saved) <= keep {
		return nil
	}

	ranked := append([]saved(nil), s.saved...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranksAbove(ranked[i], ranked[j])
	})

	kept := make(map[string]bool, keep+1)
	for _, c := range ranked[:keep] {
		kept[c.path] = true
	}
	if s.best != nil {
		kept[s.best.path] = true
	}

	remaining := s.saved[:0]
	for _, c := range s.saved {
		if kept[c.path] {
			remaining = append(remaining, c)
			continue
		}
		if err := s.fs.Remove(c.path); err != nil {
			return failure.IO("remove checkpoint", c.path, err)
		}
		s.logger.Debug("checkpoint pruned", zap.String("path", c.path), zap.Int("epoch", c.epoch))
	}
	s.saved = remaining
	return nil
}

// Paths returns the checkpoint files currently kept, in save order.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, len(s.saved))
	for i, c := range s.saved {
		paths[i] = c.path
	}
	return paths
}

// Load reads a checkpoint file.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return Read(s.fs, path)
}

// LoadBest follows the pointer of model to its checkpoint.
func (s *Store) LoadBest(model string) (*Checkpoint, *Pointer, error) {
	p, err := ReadPointer(s.fs, s.config.PointerDir, model)
	if err != nil {
		return nil, nil, err
	}
	ckpt, err := Read(s.fs, p.Path)
	if err != nil {
		return nil, p, err
	}
	return ckpt, p, nil
}

// ranksAbove orders checkpoints best first: higher accuracy, then lower loss,
// then earlier epoch.
func ranksAbove(a, b saved) bool {
	if a.acc != b.acc {
		return a.acc > b.acc
	}
	if a.loss != b.loss {
		return a.loss < b.loss
	}
	return a.epoch < b.epoch
}
