package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/vision/slices"
)

// Item is one labelled slice artifact.
type Item struct {
	PatientID string
	Slice     int
	Abnormal  bool
	Path      string
}

// Key identifies the item across datasets.
func (it Item) Key() string {
	return fmt.Sprintf("%s/%d", it.PatientID, it.Slice)
}

// SliceDataset indexes the artifacts of one extractor output directory.
type SliceDataset struct {
	fs    afero.Fs
	dir   string
	items []Item
}

// NewSliceDataset reads the label store in dir and resolves every row to its
// artifact. Repeated rows for the same slice keep the first occurrence. A row
// whose artifact is absent fails with MissingFile.
func NewSliceDataset(fs afero.Fs, dir string) (*SliceDataset, error) {
	rows, err := slices.ReadLabels(fs, filepath.Join(dir, slices.LabelFile))
	if err != nil {
		return nil, err
	}

	ds := &SliceDataset{fs: fs, dir: dir}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		it := Item{
			PatientID: row.PatientID,
			Slice:     row.Slice,
			Abnormal:  row.Abnormal,
			Path:      slices.ArtifactPath(dir, row.PatientID, row.Slice),
		}
		if seen[it.Key()] {
			continue
		}
		seen[it.Key()] = true

		exists, err := afero.Exists(fs, it.Path)
		if err != nil {
			return nil, failure.IO("stat artifact", it.Path, err)
		}
		if !exists {
			return nil, failure.MissingFile("resolve artifact", it.Path)
		}
		ds.items = append(ds.items, it)
	}

	if len(ds.items) == 0 {
		return nil, failure.EmptyDataset("load slice dataset " + dir)
	}
	return ds, nil
}

// Len returns the number of items in the dataset.
func (d *SliceDataset) Len() int {
	return len(d.items)
}

// Item returns the item at index.
func (d *SliceDataset) Item(index int) (Item, error) {
	if index < 0 || index >= len(d.items) {
		return Item{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.items))
	}
	return d.items[index], nil
}

// Key returns the cache key of the item at index.
func (d *SliceDataset) Key(index int) string {
	return d.items[index].Key()
}

// Label returns 1 for abnormal and 0 for normal.
func (d *SliceDataset) Label(index int) float32 {
	if d.items[index].Abnormal {
		return 1
	}
	return 0
}

// Load decodes the artifact of the item at index.
func (d *SliceDataset) Load(index int) (*slices.Slice, error) {
	it, err := d.Item(index)
	if err != nil {
		return nil, err
	}
	return slices.ReadSlice(d.fs, it.Path)
}

// Patients returns the distinct patient ids, sorted.
func (d *SliceDataset) Patients() []string {
	set := make(map[string]bool)
	for _, it := range d.items {
		set[it.PatientID] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClassDistribution returns the number of normal and abnormal slices.
func (d *SliceDataset) ClassDistribution() map[string]int {
	dist := map[string]int{"normal": 0, "abnormal": 0}
	for _, it := range d.items {
		if it.Abnormal {
			dist["abnormal"]++
		} else {
			dist["normal"]++
		}
	}
	return dist
}

// SplitByPatient holds out whole patients for validation so no patient
// contributes slices to both sides. valRatio is the share of patients held
// out; at least one patient lands on each side when there are two or more.
func (d *SliceDataset) SplitByPatient(valRatio float64, seed int64) (*SliceDataset, *SliceDataset, error) {
	if valRatio <= 0 || valRatio >= 1 {
		return nil, nil, fmt.Errorf("validation ratio must be in (0, 1), got %v", valRatio)
	}
	patients := d.Patients()
	if len(patients) < 2 {
		return nil, nil, fmt.Errorf("need at least two patients to split, have %d", len(patients))
	}

	rand.New(rand.NewSource(seed)).Shuffle(len(patients), func(i, j int) {
		patients[i], patients[j] = patients[j], patients[i]
	})
	nVal := int(float64(len(patients))*valRatio + 0.5)
	if nVal < 1 {
		nVal = 1
	}
	if nVal > len(patients)-1 {
		nVal = len(patients) - 1
	}

	held := make(map[string]bool, nVal)
	for _, id := range patients[:nVal] {
		held[id] = true
	}

	var trainIdx, valIdx []int
	for i, it := range d.items {
		if held[it.PatientID] {
			valIdx = append(valIdx, i)
		} else {
			trainIdx = append(trainIdx, i)
		}
	}
	return d.Subset(trainIdx), d.Subset(valIdx), nil
}

// Subset creates a dataset of the items at indices.
func (d *SliceDataset) Subset(indices []int) *SliceDataset {
	subset := &SliceDataset{fs: d.fs, dir: d.dir, items: make([]Item, len(indices))}
	for i, idx := range indices {
		subset.items[i] = d.items[idx]
	}
	return subset
}

// String returns a short description of the dataset.
func (d *SliceDataset) String() string {
	var sb strings.Builder
	dist := d.ClassDistribution()
	sb.WriteString(fmt.Sprintf("SliceDataset %s: %d slices, %d patients\n", d.dir, len(d.items), len(d.Patients())))
	sb.WriteString(fmt.Sprintf("  normal: %d slices\n", dist["normal"]))
	sb.WriteString(fmt.Sprintf("  abnormal: %d slices\n", dist["abnormal"]))
	return sb.String()
}
