package slices

import (
	"bytes"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
)

// LabelFile is the label store name inside an extraction output directory.
const LabelFile = "labels_slices.csv"

// LabelRow is one line of the label store.
type LabelRow struct {
	PatientID string `csv:"patient"`
	Slice     int    `csv:"slice"`
	Abnormal  bool   `csv:"label"`
}

// LabelStore appends rows to a delimited label file. There is no update or
// deduplication path: the file only grows.
type LabelStore struct {
	fs   afero.Fs
	path string
}

// OpenLabelStore returns a store writing to path. The file is created on the
// first Append.
func OpenLabelStore(fs afero.Fs, path string) *LabelStore {
	return &LabelStore{fs: fs, path: path}
}

// Path returns the label file location.
func (ls *LabelStore) Path() string {
	return ls.path
}

// Append writes rows in a single write call. A header line is written when the
// file is empty.
func (ls *LabelStore) Append(rows []LabelRow) error {
	if len(rows) == 0 {
		return nil
	}

	empty := true
	if info, err := ls.fs.Stat(ls.path); err == nil {
		empty = info.Size() == 0
	}

	var buf bytes.Buffer
	var err error
	if empty {
		err = gocsv.Marshal(&rows, &buf)
	} else {
		err = gocsv.MarshalWithoutHeaders(&rows, &buf)
	}
	if err != nil {
		return errors.Wrap(err, "encode label rows")
	}

	f, err := ls.fs.OpenFile(ls.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return failure.IO("open label store", ls.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return failure.IO("append label rows", ls.path, err)
	}
	return failure.IO("close label store", ls.path, f.Close())
}

// ReadLabels loads every row of a label file in file order.
func ReadLabels(fs afero.Fs, path string) ([]LabelRow, error) {
	f, err := fs.Open(path)
	if err != nil {
		if exists, _ := afero.Exists(fs, path); !exists {
			return nil, failure.MissingFile("read labels", path)
		}
		return nil, failure.IO("read labels", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, failure.IO("stat labels", path, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	var rows []LabelRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "decode labels %s", path)
	}
	return rows, nil
}
