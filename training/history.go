package training

import (
	"bytes"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
)

// HistoryRow is one epoch of the training curves file.
type HistoryRow struct {
	Epoch         int     `csv:"epoch"`
	LearningRate  float64 `csv:"learning_rate"`
	TrainLoss     float64 `csv:"train_loss"`
	TrainAccuracy float64 `csv:"train_accuracy"`
	ValLoss       float64 `csv:"val_loss"`
	ValAccuracy   float64 `csv:"val_accuracy"`
	ValPrecision  float64 `csv:"val_precision"`
	ValRecall     float64 `csv:"val_recall"`
	ValAUC        float64 `csv:"val_auc"`
	Seconds       float64 `csv:"seconds"`
	Best          bool    `csv:"best"`
	Checkpoint    string  `csv:"checkpoint"`
}

// HistoryRows flattens epoch results into plottable rows.
func HistoryRows(history []EpochResult) []HistoryRow {
	rows := make([]HistoryRow, len(history))
	for i, r := range history {
		rows[i] = HistoryRow{
			Epoch:         r.Epoch,
			LearningRate:  r.LearningRate,
			TrainLoss:     r.Train.Loss,
			TrainAccuracy: r.Train.Accuracy,
			ValLoss:       r.Validation.Loss,
			ValAccuracy:   r.Validation.Accuracy,
			ValPrecision:  r.Validation.Confusion.Precision(),
			ValRecall:     r.Validation.Confusion.Recall(),
			ValAUC:        finite(r.Validation.AUC),
			Seconds:       r.Duration.Seconds(),
			Best:          r.Best,
			Checkpoint:    r.Checkpoint,
		}
	}
	return rows
}

// WriteHistory replaces the training curves CSV at path.
func WriteHistory(fs afero.Fs, path string, history []EpochResult) error {
	if err := fileutil.EnsureDir(fs, filepath.Dir(path)); err != nil {
		return failure.IO("write history", path, err)
	}
	rows := HistoryRows(history)
	var buf bytes.Buffer
	if err := gocsv.Marshal(&rows, &buf); err != nil {
		return failure.IO("encode history", path, err)
	}
	return failure.IO("write history", path, fileutil.WriteAtomic(fs, path, buf.Bytes(), 0644))
}
