package mcf

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 2

// TensorDType identifies the element encoding of a payload. Values are
// stable on disk.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = 0
	DTypeF32     TensorDType = 1
	DTypeF16     TensorDType = 2
	DTypeBF16    TensorDType = 3
	DTypeU8      TensorDType = 6
	DTypeI32     TensorDType = 9
)

var dtypeNames = map[TensorDType]string{
	DTypeF32:  "F32",
	DTypeF16:  "F16",
	DTypeBF16: "BF16",
	DTypeU8:   "U8",
	DTypeI32:  "I32",
}

func (d TensorDType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "UNKNOWN"
}

// IndexEntry locates one tensor. DataOff is an absolute file offset.
type IndexEntry struct {
	Name     string
	DType    TensorDType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// EncodeTensorIndex serialises entries sorted by name:
//
//	version u32 | count u32 | count x (dtype u32, rank u32, off u64,
//	size u64, name_len u32, name, rank x dim u64)
func EncodeTensorIndex(entries []IndexEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("mcf: tensor index has no entries")
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b IndexEntry) int { return strings.Compare(a.Name, b.Name) })

	le := binary.LittleEndian
	out := le.AppendUint32(nil, TensorIndexVersion)
	out = le.AppendUint32(out, uint32(len(sorted)))
	for i, e := range sorted {
		if e.Name == "" {
			return nil, fmt.Errorf("mcf: tensor %d has no name", i)
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("mcf: duplicate tensor %s", e.Name)
		}
		out = le.AppendUint32(out, uint32(e.DType))
		out = le.AppendUint32(out, uint32(len(e.Shape)))
		out = le.AppendUint64(out, e.DataOff)
		out = le.AppendUint64(out, e.DataSize)
		out = le.AppendUint32(out, uint32(len(e.Name)))
		out = append(out, e.Name...)
		for _, d := range e.Shape {
			out = le.AppendUint64(out, d)
		}
	}
	return out, nil
}

// indexReader consumes a tensor index payload, latching the first
// out-of-bounds read.
type indexReader struct {
	b   []byte
	bad bool
}

func (r *indexReader) take(n uint64) []byte {
	if r.bad || n > uint64(len(r.b)) {
		r.bad = true
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *indexReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *indexReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// DecodeTensorIndex parses a payload written by EncodeTensorIndex.
func DecodeTensorIndex(sec []byte) ([]IndexEntry, error) {
	r := &indexReader{b: sec}
	if v := r.u32(); r.bad || v != TensorIndexVersion {
		if r.bad {
			return nil, fmt.Errorf("%w: empty tensor index", ErrCorruptFile)
		}
		return nil, fmt.Errorf("%w: tensor index v%d", ErrUnsupportedVersion, v)
	}
	count := r.u32()
	// Each entry is at least 28 bytes; reject counts the payload cannot hold.
	if r.bad || uint64(count)*28 > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: tensor index count %d", ErrCorruptFile, count)
	}
	out := make([]IndexEntry, count)
	for i := range out {
		e := &out[i]
		e.DType = TensorDType(r.u32())
		rank := r.u32()
		e.DataOff = r.u64()
		e.DataSize = r.u64()
		e.Name = string(r.take(uint64(r.u32())))
		if uint64(rank)*8 > uint64(len(r.b)) {
			r.bad = true
		}
		if r.bad {
			return nil, fmt.Errorf("%w: tensor index entry %d truncated", ErrCorruptFile, i)
		}
		e.Shape = make([]uint64, rank)
		for d := range e.Shape {
			e.Shape[d] = r.u64()
		}
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in tensor index", ErrCorruptFile, len(r.b))
	}
	return out, nil
}
