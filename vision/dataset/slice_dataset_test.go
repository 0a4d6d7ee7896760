package dataset

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/vision/slices"
)

// writeFixture writes nSlices artifacts and label rows for each patient.
func writeFixture(t *testing.T, fs afero.Fs, dir string, patients map[string]bool, nSlices int) {
	t.Helper()
	store := slices.OpenLabelStore(fs, filepath.Join(dir, slices.LabelFile))
	for id, abnormal := range patients {
		var rows []slices.LabelRow
		for i := 0; i < nSlices; i++ {
			s := &slices.Slice{PatientID: id, Index: i, Rows: 2, Cols: 2, Data: make([]float32, slices.Channels*4)}
			for j := range s.Data {
				s.Data[j] = float32(i)
			}
			_, err := slices.WriteSlice(fs, dir, s)
			require.NoError(t, err)
			rows = append(rows, slices.LabelRow{PatientID: id, Slice: i, Abnormal: abnormal})
		}
		require.NoError(t, store.Append(rows))
	}
}

func TestNewSliceDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "out/train", map[string]bool{"p1": true, "p2": false}, 3)

	ds, err := NewSliceDataset(fs, "out/train")
	require.NoError(t, err)
	assert.Equal(t, 6, ds.Len())
	assert.Equal(t, []string{"p1", "p2"}, ds.Patients())
	assert.Equal(t, map[string]int{"normal": 3, "abnormal": 3}, ds.ClassDistribution())
	assert.Contains(t, ds.String(), "6 slices, 2 patients")

	for i := 0; i < ds.Len(); i++ {
		it, err := ds.Item(i)
		require.NoError(t, err)
		if it.Abnormal {
			assert.Equal(t, float32(1), ds.Label(i))
		} else {
			assert.Equal(t, float32(0), ds.Label(i))
		}
		s, err := ds.Load(i)
		require.NoError(t, err)
		assert.Equal(t, it.PatientID, s.PatientID)
		assert.Equal(t, float32(it.Slice), s.Data[0])
	}

	_, err = ds.Item(6)
	assert.Error(t, err)
}

func TestNewSliceDatasetDedupesRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "out", map[string]bool{"p1": true}, 2)
	// A second extraction without a manifest appends the same rows again.
	require.NoError(t, slices.OpenLabelStore(fs, "out/"+slices.LabelFile).Append([]slices.LabelRow{
		{PatientID: "p1", Slice: 0, Abnormal: true},
		{PatientID: "p1", Slice: 1, Abnormal: true},
	}))

	ds, err := NewSliceDataset(fs, "out")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestNewSliceDatasetMissing(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := NewSliceDataset(fs, "nowhere")
	assert.True(t, errors.Is(err, failure.ErrMissingFile))

	writeFixture(t, fs, "out", map[string]bool{"p1": false}, 2)
	require.NoError(t, fs.Remove(slices.ArtifactPath("out", "p1", 1)))
	_, err = NewSliceDataset(fs, "out")
	assert.True(t, errors.Is(err, failure.ErrMissingFile))

	require.NoError(t, afero.WriteFile(fs, "empty/"+slices.LabelFile, nil, 0644))
	_, err = NewSliceDataset(fs, "empty")
	assert.True(t, errors.Is(err, failure.ErrEmptyDataset))
}

func TestSplitByPatient(t *testing.T) {
	fs := afero.NewMemMapFs()
	patients := make(map[string]bool)
	for i := 0; i < 10; i++ {
		patients[fmt.Sprintf("p%02d", i)] = i%2 == 0
	}
	writeFixture(t, fs, "out", patients, 4)

	ds, err := NewSliceDataset(fs, "out")
	require.NoError(t, err)

	train, val, err := ds.SplitByPatient(0.2, 7)
	require.NoError(t, err)
	assert.Len(t, val.Patients(), 2)
	assert.Len(t, train.Patients(), 8)
	assert.Equal(t, 40, train.Len()+val.Len())

	held := make(map[string]bool)
	for _, id := range val.Patients() {
		held[id] = true
	}
	for _, id := range train.Patients() {
		assert.False(t, held[id], "patient %s on both sides", id)
	}

	again, _, err := ds.SplitByPatient(0.2, 7)
	require.NoError(t, err)
	assert.Equal(t, train.Patients(), again.Patients(), "same seed, same split")

	_, _, err = ds.SplitByPatient(1, 7)
	assert.Error(t, err)
	_, _, err = ds.Subset([]int{0}).SplitByPatient(0.5, 1)
	assert.Error(t, err)
}
