package checkpoints

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
)

// Pointer is the durable record naming a model's best checkpoint. Inference
// tooling reads it instead of scanning every checkpoint.
type Pointer struct {
	Model              string    `json:"model"`
	Epoch              int       `json:"epoch"`
	ValidationAccuracy float64   `json:"validation_accuracy"`
	ValidationLoss     float64   `json:"validation_loss"`
	Path               string    `json:"path"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PointerPath returns the pointer file of model inside dir.
func PointerPath(dir, model string) string {
	return filepath.Join(dir, model+".json")
}

// WritePointer replaces the pointer of p.Model in dir. Readers never observe a
// partially written record.
func WritePointer(fs afero.Fs, dir string, p Pointer) error {
	if p.Model == "" {
		return errors.New("pointer needs a model name")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if err := fileutil.EnsureDir(fs, dir); err != nil {
		return failure.IO("create pointer directory", dir, err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode pointer")
	}
	path := PointerPath(dir, p.Model)
	return failure.IO("write pointer", path, fileutil.WriteAtomic(fs, path, data, 0644))
}

// ReadPointer loads the pointer of model from dir.
func ReadPointer(fs afero.Fs, dir, model string) (*Pointer, error) {
	path := PointerPath(dir, model)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if exists, _ := afero.Exists(fs, path); !exists {
			return nil, failure.MissingFile("read pointer", path)
		}
		return nil, failure.IO("read pointer", path, err)
	}

	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode pointer %s", path)
	}
	return &p, nil
}
