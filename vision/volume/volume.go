// Package volume decodes 3D scans into float32 arrays indexed [slice, row, col].
//
// MetaImage (.mha, .mhd) is the supported on-disk format, matching the scans
// produced by the scanner export tooling. Voxels are converted to float32
// regardless of the stored element type.
package volume

import (
	"fmt"

	"github.com/tsawler/braintriage/failure"
)

// Volume is a dense 3D scan. Data is laid out slice-major, then row, then col.
type Volume struct {
	Slices  int
	Rows    int
	Cols    int
	Spacing []float64 // x, y, z voxel spacing when known
	Data    []float32
}

// New allocates a zeroed volume.
func New(slices, rows, cols int) *Volume {
	return &Volume{
		Slices: slices,
		Rows:   rows,
		Cols:   cols,
		Data:   make([]float32, slices*rows*cols),
	}
}

// Validate checks that Data matches the declared shape.
func (v *Volume) Validate() error {
	if v.Slices <= 0 || v.Rows <= 0 || v.Cols <= 0 {
		return fmt.Errorf("invalid volume shape %v", v.Shape())
	}
	if len(v.Data) != v.Slices*v.Rows*v.Cols {
		return fmt.Errorf("volume data has %d voxels, shape %v needs %d",
			len(v.Data), v.Shape(), v.Slices*v.Rows*v.Cols)
	}
	return nil
}

// Shape returns [slices, rows, cols].
func (v *Volume) Shape() []int {
	return []int{v.Slices, v.Rows, v.Cols}
}

// SliceAt returns the 2D plane at index i without copying.
func (v *Volume) SliceAt(i int) []float32 {
	plane := v.Rows * v.Cols
	return v.Data[i*plane : (i+1)*plane]
}

// Set writes one voxel.
func (v *Volume) Set(slice, row, col int, value float32) {
	v.Data[(slice*v.Rows+row)*v.Cols+col] = value
}

// At reads one voxel.
func (v *Volume) At(slice, row, col int) float32 {
	return v.Data[(slice*v.Rows+row)*v.Cols+col]
}

// CheckSameShape returns a DimensionMismatch error naming the first volume
// whose shape differs from the first one. Names label the volumes in the error.
func CheckSameShape(op string, names []string, vols ...*Volume) error {
	if len(vols) == 0 {
		return nil
	}
	ref := vols[0]
	for i, v := range vols[1:] {
		if v.Slices != ref.Slices {
			return failure.DimensionMismatch(op, "%s has %d slices, %s has %d",
				names[i+1], v.Slices, names[0], ref.Slices)
		}
		if v.Rows != ref.Rows || v.Cols != ref.Cols {
			return failure.DimensionMismatch(op, "%s slices are %dx%d, %s slices are %dx%d",
				names[i+1], v.Rows, v.Cols, names[0], ref.Rows, ref.Cols)
		}
	}
	return nil
}
