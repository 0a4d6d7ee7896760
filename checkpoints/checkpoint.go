// Package checkpoints persists per-epoch model snapshots and the pointer to
// the best one.
package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
)

// FormatVersion is written into every checkpoint.
const FormatVersion = "1"

// Checkpoint is the full snapshot of one epoch: parameters, optimizer state
// and the metrics that ranked it.
type Checkpoint struct {
	Model          string          `json:"model"`
	Weights        []WeightTensor  `json:"weights"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// WeightTensor is one named parameter, row-major.
type WeightTensor struct {
	Name  string    `json:"name"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // weight or bias
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Size is the element count implied by Shape.
func (w WeightTensor) Size() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// TrainingState records where the run stood when the epoch finished.
type TrainingState struct {
	Epoch              int     `json:"epoch"`
	Step               int     `json:"step"`
	LearningRate       float64 `json:"learning_rate"`
	TrainLoss          float64 `json:"train_loss"`
	TrainAccuracy      float64 `json:"train_accuracy"`
	ValidationLoss     float64 `json:"validation_loss"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
	BestLoss           float64 `json:"best_loss"`
	BestAccuracy       float64 `json:"best_accuracy"`
}

// OptimizerState is whatever an optimizer needs to resume, such as its
// hyperparameters and momentum buffers.
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one optimizer buffer. StateType names the buffer kind,
// e.g. momentum.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	StateType string    `json:"state_type"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
}

type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Validate checks that every weight tensor holds as many values as its shape
// declares.
func (c *Checkpoint) Validate() error {
	for _, w := range c.Weights {
		if w.Size() != len(w.Data) {
			return failure.DimensionMismatch("validate checkpoint",
				"%s: shape %v holds %d values, got %d", w.Name, w.Shape, w.Size(), len(w.Data))
		}
	}
	return nil
}

// ParameterCount returns the number of scalar values across all weights.
func (c *Checkpoint) ParameterCount() int {
	n := 0
	for _, w := range c.Weights {
		n += len(w.Data)
	}
	return n
}

// Write stamps missing metadata and atomically replaces the JSON file at path.
func Write(fs afero.Fs, path string, ckpt *Checkpoint) error {
	if err := ckpt.Validate(); err != nil {
		return err
	}
	if ckpt.Metadata.Framework == "" {
		ckpt.Metadata.Framework = "braintriage"
	}
	if ckpt.Metadata.Version == "" {
		ckpt.Metadata.Version = FormatVersion
	}
	if ckpt.Metadata.CreatedAt.IsZero() {
		ckpt.Metadata.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	return failure.IO("write checkpoint", path, fileutil.WriteAtomic(fs, path, data, 0644))
}

// Read loads and validates the checkpoint at path.
func Read(fs afero.Fs, path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return nil, failure.MissingFile("load checkpoint", path)
	}
	if err != nil {
		return nil, failure.IO("load checkpoint", path, err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	return &ckpt, nil
}
