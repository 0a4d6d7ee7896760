package volume

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/braintriage/failure"
)

func ramp(slices, rows, cols int) *Volume {
	v := New(slices, rows, cols)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	for _, compress := range []bool{false, true} {
		vol := ramp(4, 3, 5)
		require.NoError(t, Write(fs, "p1/T1.mha", vol, compress))

		got, err := Read(fs, "p1/T1.mha")
		require.NoError(t, err)
		assert.Equal(t, []int{4, 3, 5}, got.Shape())
		assert.Equal(t, vol.Data, got.Data)
		assert.Equal(t, float32(2*15+1*5+3), got.At(2, 1, 3))
		assert.Equal(t, vol.Data[15:30], got.SliceAt(1))
	}
}

func TestReadShortBigEndianDetached(t *testing.T) {
	fs := afero.NewMemMapFs()

	hdr := "ObjectType = Image\nNDims = 3\nDimSize = 2 1 2\n" +
		"ElementType = MET_SHORT\nBinaryDataByteOrderMSB = True\nElementDataFile = scan.raw\n"
	require.NoError(t, afero.WriteFile(fs, "p/scan.mhd", []byte(hdr), 0644))

	var raw bytes.Buffer
	for _, v := range []int16{-3, 7, 100, -200} {
		require.NoError(t, binary.Write(&raw, binary.BigEndian, v))
	}
	require.NoError(t, afero.WriteFile(fs, "p/scan.raw", raw.Bytes(), 0644))

	vol, err := Read(fs, "p/scan.mhd")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2}, vol.Shape())
	assert.Equal(t, []float32{-3, 7, 100, -200}, vol.Data)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(afero.NewMemMapFs(), "nope/T1.mha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrMissingFile))
}

func TestReadRejectsBadHeaders(t *testing.T) {
	fs := afero.NewMemMapFs()
	cases := map[string]string{
		"2d":        "NDims = 2\nDimSize = 2 2\nElementType = MET_FLOAT\nElementDataFile = LOCAL\n",
		"no data":   "NDims = 3\nDimSize = 1 1 1\nElementType = MET_FLOAT\n",
		"bad type":  "NDims = 3\nDimSize = 1 1 1\nElementType = MET_LONG_LONG\nElementDataFile = LOCAL\n",
		"truncated": "NDims = 3\nDimSize = 2 2 2\nElementType = MET_FLOAT\nElementDataFile = LOCAL\nxx",
		"negative":  "NDims = 3\nDimSize = -2 3 4\nElementType = MET_UCHAR\nElementDataFile = LOCAL\n",
		"zero":      "NDims = 3\nDimSize = 0 3 4\nElementType = MET_UCHAR\nElementDataFile = LOCAL\n",
		"two dims":  "DimSize = 3 4\nElementType = MET_UCHAR\nElementDataFile = LOCAL\nabcdefghijkl",
		"overflow":  "NDims = 3\nDimSize = 4611686018427387904 4611686018427387904 4\nElementType = MET_UCHAR\nElementDataFile = LOCAL\nabcd",
	}
	for name, hdr := range cases {
		require.NoError(t, afero.WriteFile(fs, name+".mha", []byte(hdr), 0644))
		_, err := Read(fs, name+".mha")
		assert.Error(t, err, name)
	}
}

func TestDecodeBoundsVoxelCount(t *testing.T) {
	for _, dims := range [][]int{{-2, 3, 4}, {2, -3, -4}, {1 << 30, 1 << 30, 4}} {
		_, err := decode(&header{dims: dims, elemType: "MET_UCHAR", channels: 1}, []byte("abcd"))
		assert.True(t, errors.Is(err, failure.ErrDimensionMismatch), "%v", dims)
	}

	vol, err := decode(&header{dims: []int{2, 2, 1}, elemType: "MET_UCHAR", channels: 1}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vol.Data)
}

func TestCheckSameShape(t *testing.T) {
	names := []string{"T1", "T2", "T2-FLAIR"}
	require.NoError(t, CheckSameShape("load", names, New(3, 2, 2), New(3, 2, 2), New(3, 2, 2)))

	err := CheckSameShape("load", names, New(3, 2, 2), New(3, 2, 2), New(4, 2, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrDimensionMismatch))
	assert.Contains(t, err.Error(), "T2-FLAIR has 4 slices")

	err = CheckSameShape("load", names, New(3, 2, 2), New(3, 2, 3), New(3, 2, 2))
	assert.True(t, errors.Is(err, failure.ErrDimensionMismatch))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New(1, 1, 1).Validate())
	assert.Error(t, (&Volume{Slices: 1, Rows: 1, Cols: 2, Data: []float32{1}}).Validate())
	assert.Error(t, (&Volume{}).Validate())
}
