package slices

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManifest(t *testing.T) {
	m := NewMemoryManifest()
	defer m.Close()

	ok, err := m.Has("p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Mark(ManifestEntry{PatientID: "p2", Class: "normal", Slices: 3}))
	require.NoError(t, m.Mark(ManifestEntry{PatientID: "p1", Class: "abnormal", Abnormal: true, Slices: 4}))

	ok, err = m.Has("p1")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := m.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "p1", entries[0].PatientID)
	assert.True(t, entries[0].Abnormal)
	assert.Equal(t, "p2", entries[1].PatientID)
}

func TestManifestSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ManifestDir)

	m, err := OpenManifest(dir)
	require.NoError(t, err)
	require.NoError(t, m.Mark(ManifestEntry{PatientID: "p9", Slices: 2, ExtractedAt: time.Now().UTC()}))
	require.NoError(t, m.Close())

	m, err = OpenManifest(dir)
	require.NoError(t, err)
	defer m.Close()

	ok, err := m.Has("p9")
	require.NoError(t, err)
	assert.True(t, ok)
}
