package slices

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
)

// Channels is the number of co-registered modalities stacked per slice.
const Channels = 3

// ArtifactExt is the file extension of slice artifacts.
const ArtifactExt = ".tensorpb"

// Modalities lists the channel order of every artifact.
var Modalities = [Channels]string{"T1", "T2", "T2-FLAIR"}

// Slice is one stacked cross-section: three channels of Rows x Cols voxels.
type Slice struct {
	PatientID string
	Index     int
	Rows      int
	Cols      int
	Data      []float32 // channel-major, len = Channels*Rows*Cols
}

// Channel returns the plane of channel c without copying.
func (s *Slice) Channel(c int) []float32 {
	plane := s.Rows * s.Cols
	return s.Data[c*plane : (c+1)*plane]
}

// Shape returns [channels, rows, cols].
func (s *Slice) Shape() []int {
	return []int{Channels, s.Rows, s.Cols}
}

// ArtifactName returns the deterministic file name of a slice artifact, so a
// loader can map (patient, slice) to a file without reading the label store.
func ArtifactName(patientID string, index int) string {
	return fmt.Sprintf("%s_%d%s", patientID, index, ArtifactExt)
}

// ArtifactPath joins ArtifactName onto dir.
func ArtifactPath(dir, patientID string, index int) string {
	return filepath.Join(dir, ArtifactName(patientID, index))
}

// Field numbers and data type of onnx.TensorProto. Artifacts use that layout
// so any ONNX-aware reader can load them.
const (
	fieldDims     protowire.Number = 1
	fieldDataType protowire.Number = 2
	fieldName     protowire.Number = 8
	fieldRawData  protowire.Number = 9
	fieldDocStr   protowire.Number = 12

	dataTypeFloat = 1
)

// EncodeSlice serializes s as a TensorProto with float raw_data in
// little-endian order and the name "<patient>_<index>".
func EncodeSlice(s *Slice) ([]byte, error) {
	if len(s.Data) != Channels*s.Rows*s.Cols {
		return nil, failure.DimensionMismatch("encode slice",
			"slice %s/%d holds %d values, shape %v needs %d",
			s.PatientID, s.Index, len(s.Data), s.Shape(), Channels*s.Rows*s.Cols)
	}

	var dims []byte
	for _, d := range s.Shape() {
		dims = protowire.AppendVarint(dims, uint64(d))
	}

	raw := make([]byte, 4*len(s.Data))
	for i, v := range s.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, fieldDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, fieldDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, fmt.Sprintf("%s_%d", s.PatientID, s.Index))
	b = protowire.AppendTag(b, fieldRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	b = protowire.AppendTag(b, fieldDocStr, protowire.BytesType)
	b = protowire.AppendString(b, s.PatientID)
	return b, nil
}

// DecodeSlice parses an artifact produced by EncodeSlice. Dims may be packed
// or unpacked.
func DecodeSlice(b []byte) (*Slice, error) {
	var (
		dims     []int
		dataType uint64
		raw      []byte
		docStr   string
		name     string
		err      error
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldDims && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				dims = append(dims, int(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dims = append(dims, int(v))
			b = b[n:]
		case num == fieldDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dataType = v
			b = b[n:]
		case num == fieldRawData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			raw = v
			b = b[n:]
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			name = v
			b = b[n:]
		case num == fieldDocStr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			docStr = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if dataType != dataTypeFloat {
		return nil, fmt.Errorf("unsupported tensor data type %d", dataType)
	}
	if len(dims) != 3 || dims[0] != Channels {
		return nil, failure.DimensionMismatch("decode slice", "tensor %q has dims %v, want [%d rows cols]", name, dims, Channels)
	}
	count := dims[0] * dims[1] * dims[2]
	if len(raw) != 4*count {
		return nil, failure.DimensionMismatch("decode slice", "tensor %q has %d data bytes, dims %v need %d", name, len(raw), dims, 4*count)
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	s := &Slice{PatientID: docStr, Rows: dims[1], Cols: dims[2], Data: data}
	if !strings.HasPrefix(name, docStr+"_") {
		return nil, fmt.Errorf("tensor name %q does not start with patient %q", name, docStr)
	}
	s.Index, err = strconv.Atoi(name[len(docStr)+1:])
	if err != nil {
		return nil, errors.Wrapf(err, "parse slice index from tensor name %q", name)
	}
	return s, nil
}

// WriteSlice persists s under dir atomically and returns the artifact path.
func WriteSlice(fs afero.Fs, dir string, s *Slice) (string, error) {
	data, err := EncodeSlice(s)
	if err != nil {
		return "", err
	}
	path := ArtifactPath(dir, s.PatientID, s.Index)
	if err := fileutil.WriteAtomic(fs, path, data, 0644); err != nil {
		return "", failure.IO("write artifact", path, err)
	}
	return path, nil
}

// ReadSlice loads one artifact file.
func ReadSlice(fs afero.Fs, path string) (*Slice, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if exists, _ := afero.Exists(fs, path); !exists {
			return nil, failure.MissingFile("read artifact", path)
		}
		return nil, failure.IO("read artifact", path, err)
	}
	s, err := DecodeSlice(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return s, nil
}
