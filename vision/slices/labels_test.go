package slices

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/braintriage/failure"
)

func TestLabelStoreAppend(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := OpenLabelStore(fs, "out/"+LabelFile)

	require.NoError(t, store.Append(nil))
	exists, err := afero.Exists(fs, store.Path())
	require.NoError(t, err)
	assert.False(t, exists, "appending nothing must not create the file")

	require.NoError(t, store.Append([]LabelRow{{"p1", 0, true}, {"p1", 1, true}}))
	require.NoError(t, store.Append([]LabelRow{{"p2", 0, false}}))

	raw, err := afero.ReadFile(fs, store.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, []string{"patient,slice,label", "p1,0,true", "p1,1,true", "p2,0,false"}, lines)

	rows, err := ReadLabels(fs, store.Path())
	require.NoError(t, err)
	assert.Equal(t, []LabelRow{{"p1", 0, true}, {"p1", 1, true}, {"p2", 0, false}}, rows)
}

func TestReadLabelsMissingAndEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := ReadLabels(fs, "nope.csv")
	assert.True(t, errors.Is(err, failure.ErrMissingFile))

	require.NoError(t, afero.WriteFile(fs, "empty.csv", nil, 0644))
	rows, err := ReadLabels(fs, "empty.csv")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
