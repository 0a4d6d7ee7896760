package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/braintriage/failure"
)

// elementType describes one MetaImage ElementType.
type elementType struct {
	size   int
	decode func(b []byte, order binary.ByteOrder) float32
}

var elementTypes = map[string]elementType{
	"MET_UCHAR": {1, func(b []byte, _ binary.ByteOrder) float32 { return float32(b[0]) }},
	"MET_CHAR":  {1, func(b []byte, _ binary.ByteOrder) float32 { return float32(int8(b[0])) }},
	"MET_USHORT": {2, func(b []byte, o binary.ByteOrder) float32 {
		return float32(o.Uint16(b))
	}},
	"MET_SHORT": {2, func(b []byte, o binary.ByteOrder) float32 {
		return float32(int16(o.Uint16(b)))
	}},
	"MET_UINT": {4, func(b []byte, o binary.ByteOrder) float32 {
		return float32(o.Uint32(b))
	}},
	"MET_INT": {4, func(b []byte, o binary.ByteOrder) float32 {
		return float32(int32(o.Uint32(b)))
	}},
	"MET_FLOAT": {4, func(b []byte, o binary.ByteOrder) float32 {
		return math.Float32frombits(o.Uint32(b))
	}},
	"MET_DOUBLE": {8, func(b []byte, o binary.ByteOrder) float32 {
		return float32(math.Float64frombits(o.Uint64(b)))
	}},
}

// header holds the MetaImage fields the decoder understands.
type header struct {
	dims       []int // x, y, z as written in DimSize
	spacing    []float64
	elemType   string
	dataFile   string
	msb        bool
	compressed bool
	channels   int
}

// Read decodes a 3D MetaImage volume (.mha with LOCAL data, or .mhd with a
// detached data file next to it).
func Read(fs afero.Fs, filename string) (*Volume, error) {
	raw, err := afero.ReadFile(fs, filename)
	if err != nil {
		if exists, _ := afero.Exists(fs, filename); !exists {
			return nil, failure.MissingFile("read volume", filename)
		}
		return nil, failure.IO("read volume", filename, err)
	}

	hdr, offset, err := parseHeader(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse header of %s", filename)
	}

	var payload []byte
	if strings.EqualFold(hdr.dataFile, "LOCAL") {
		payload = raw[offset:]
	} else {
		dataPath := filepath.Join(filepath.Dir(filename), hdr.dataFile)
		payload, err = afero.ReadFile(fs, dataPath)
		if err != nil {
			if exists, _ := afero.Exists(fs, dataPath); !exists {
				return nil, failure.MissingFile("read volume data", dataPath)
			}
			return nil, failure.IO("read volume data", dataPath, err)
		}
	}

	if hdr.compressed {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrapf(err, "open compressed data of %s", filename)
		}
		payload, err = ioutil.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "inflate data of %s", filename)
		}
	}

	vol, err := decode(hdr, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", filename)
	}
	return vol, nil
}

// parseHeader reads "Key = Value" lines up to and including ElementDataFile,
// which by definition is the last header field. It returns the byte offset of
// the first data byte.
func parseHeader(raw []byte) (*header, int, error) {
	hdr := &header{channels: 1}
	r := bufio.NewReader(bytes.NewReader(raw))
	offset := 0

	for {
		line, err := r.ReadString('\n')
		offset += len(line)
		if err != nil && err != io.EOF {
			return nil, 0, err
		}

		key, value, ok := splitField(line)
		if ok {
			if err := hdr.set(key, value); err != nil {
				return nil, 0, err
			}
			if key == "ElementDataFile" {
				break
			}
		}
		if err == io.EOF {
			return nil, 0, errors.New("header has no ElementDataFile field")
		}
	}

	if len(hdr.dims) == 0 {
		return nil, 0, errors.New("header has no DimSize field")
	}
	if hdr.elemType == "" {
		return nil, 0, errors.New("header has no ElementType field")
	}
	return hdr, offset, nil
}

func splitField(line string) (string, string, bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func (h *header) set(key, value string) error {
	switch key {
	case "NDims":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "NDims")
		}
		if n != 3 {
			return fmt.Errorf("expected a 3D volume, NDims = %d", n)
		}
	case "DimSize":
		dims, err := parseInts(value)
		if err != nil {
			return errors.Wrap(err, "DimSize")
		}
		if len(dims) != 3 {
			return fmt.Errorf("expected 3 DimSize values, got %v", dims)
		}
		for _, d := range dims {
			if d <= 0 {
				return fmt.Errorf("DimSize must be positive, got %v", dims)
			}
		}
		h.dims = dims
	case "ElementSpacing":
		for _, f := range strings.Fields(value) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return errors.Wrap(err, "ElementSpacing")
			}
			h.spacing = append(h.spacing, v)
		}
	case "ElementType":
		if _, ok := elementTypes[value]; !ok {
			return fmt.Errorf("unsupported ElementType %s", value)
		}
		h.elemType = value
	case "ElementDataFile":
		h.dataFile = value
	case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
		h.msb = parseBool(value)
	case "CompressedData":
		h.compressed = parseBool(value)
	case "ElementNumberOfChannels":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "ElementNumberOfChannels")
		}
		h.channels = n
	}
	return nil
}

func parseInts(value string) ([]int, error) {
	var out []int
	for _, f := range strings.Fields(value) {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func decode(hdr *header, payload []byte) (*Volume, error) {
	if len(hdr.dims) != 3 {
		return nil, fmt.Errorf("expected 3 dimensions, got %v", hdr.dims)
	}
	if hdr.channels != 1 {
		return nil, fmt.Errorf("expected scalar voxels, got %d channels", hdr.channels)
	}

	cols, rows, slices := hdr.dims[0], hdr.dims[1], hdr.dims[2]
	et := elementTypes[hdr.elemType]

	// Bound the voxel count by what the payload holds so the product
	// cannot overflow.
	avail := len(payload) / et.size
	count := 1
	for _, d := range hdr.dims {
		if d <= 0 {
			return nil, failure.DimensionMismatch("decode volume", "non-positive DimSize %v", hdr.dims)
		}
		if count > avail/d {
			return nil, failure.DimensionMismatch("decode volume",
				"DimSize %v needs more than the %d bytes of data", hdr.dims, len(payload))
		}
		count *= d
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.msb {
		order = binary.BigEndian
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = et.decode(payload[i*et.size:(i+1)*et.size], order)
	}

	return &Volume{
		Slices:  slices,
		Rows:    rows,
		Cols:    cols,
		Spacing: hdr.spacing,
		Data:    data,
	}, nil
}

// Write encodes vol as a single-file MetaImage with MET_FLOAT voxels.
func Write(fs afero.Fs, filename string, vol *Volume, compress bool) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	payload := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return errors.Wrap(err, "compress volume")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "compress volume")
		}
		payload = buf.Bytes()
	}

	spacing := vol.Spacing
	if len(spacing) != 3 {
		spacing = []float64{1, 1, 1}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ObjectType = Image\n")
	fmt.Fprintf(&buf, "NDims = 3\n")
	fmt.Fprintf(&buf, "BinaryData = True\n")
	fmt.Fprintf(&buf, "BinaryDataByteOrderMSB = False\n")
	if compress {
		fmt.Fprintf(&buf, "CompressedData = True\n")
		fmt.Fprintf(&buf, "CompressedDataSize = %d\n", len(payload))
	} else {
		fmt.Fprintf(&buf, "CompressedData = False\n")
	}
	fmt.Fprintf(&buf, "ElementSpacing = %g %g %g\n", spacing[0], spacing[1], spacing[2])
	fmt.Fprintf(&buf, "DimSize = %d %d %d\n", vol.Cols, vol.Rows, vol.Slices)
	fmt.Fprintf(&buf, "ElementType = MET_FLOAT\n")
	fmt.Fprintf(&buf, "ElementDataFile = LOCAL\n")
	buf.Write(payload)

	return failure.IO("write volume", filename, afero.WriteFile(fs, filename, buf.Bytes(), 0644))
}
