// Package failure defines the error kinds shared by the extraction and
// training pipelines.
//
// Every kind aborts the run that produced it. The one exception is metric
// delivery, which is never reported through this package: sinks log and drop
// their own failures.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kinds. Match them with errors.Is.
var (
	ErrMissingFile       = errors.New("missing file")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrEmptyDataset      = errors.New("empty dataset")
	ErrIOFailure         = errors.New("io failure")
)

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// MissingFile reports a volume, artifact or label store that does not exist.
func MissingFile(op, path string) error {
	return &Error{Kind: ErrMissingFile, Op: op, Path: path}
}

// DimensionMismatch reports volumes of one patient whose shapes disagree.
func DimensionMismatch(op string, format string, args ...interface{}) error {
	return &Error{Kind: ErrDimensionMismatch, Op: op, Err: errors.Errorf(format, args...)}
}

// EmptyDataset reports a loader that produced no batches.
func EmptyDataset(op string) error {
	return &Error{Kind: ErrEmptyDataset, Op: op}
}

// IO wraps a failed read or write. A nil err returns nil.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrIOFailure, Op: op, Path: path, Err: err}
}

// KindOf returns the kind carried by err, or nil when err has none.
func KindOf(err error) error {
	for _, kind := range []error{ErrMissingFile, ErrDimensionMismatch, ErrEmptyDataset, ErrIOFailure} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
