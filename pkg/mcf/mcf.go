// Package mcf implements the Model Container File format.
//
// An MCF file is a fixed 40-byte header, a run of 8-byte aligned sections
// and a trailing section directory. All integers are little-endian.
//
// A quantized model is written in this order:
//
//	header | model info (JSON) | quant info (JSON) | tensor data | tensor index | directory
//
// The tensor index follows the data it describes; each entry holds an
// absolute file offset that lands inside the tensor data section.
package mcf

import "encoding/binary"

const (
	// Magic opens every container.
	Magic = "MCF\x00"

	// Major changes only with breaking format changes.
	Major uint16 = 2
	// Minor may add optional sections or fields.
	Minor uint16 = 0

	// FlagTensorDataAligned64 marks every tensor payload as 64-byte aligned.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 1
	SectionQuantInfo   SectionType = 2
	SectionTensorIndex SectionType = 3
	SectionTensorData  SectionType = 4
)

var sectionNames = map[SectionType]string{
	SectionModelInfo:   "model_info",
	SectionQuantInfo:   "quant_info",
	SectionTensorIndex: "tensor_index",
	SectionTensorData:  "tensor_data",
}

func (t SectionType) String() string {
	if s, ok := sectionNames[t]; ok {
		return s
	}
	return "unknown"
}

const (
	sectionAlign = 8
	headerSize   = 40
	dirEntrySize = 24
)

// Header is the fixed prefix of a container.
type Header struct {
	Magic        [4]byte
	Major        uint16
	Minor        uint16
	HeaderSize   uint32
	SectionCount uint32
	DirOffset    uint64
	FileSize     uint64
	Flags        uint64
}

// Section is one directory entry. Offset is absolute.
type Section struct {
	Type    SectionType
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s Section) End() uint64 { return s.Offset + s.Size }

func (h Header) append(b []byte) []byte {
	le := binary.LittleEndian
	b = append(b, h.Magic[:]...)
	b = le.AppendUint16(b, h.Major)
	b = le.AppendUint16(b, h.Minor)
	b = le.AppendUint32(b, h.HeaderSize)
	b = le.AppendUint32(b, h.SectionCount)
	b = le.AppendUint64(b, h.DirOffset)
	b = le.AppendUint64(b, h.FileSize)
	return le.AppendUint64(b, h.Flags)
}

func parseHeader(b []byte) (Header, bool) {
	if len(b) < headerSize {
		return Header{}, false
	}
	le := binary.LittleEndian
	var h Header
	copy(h.Magic[:], b)
	h.Major = le.Uint16(b[4:])
	h.Minor = le.Uint16(b[6:])
	h.HeaderSize = le.Uint32(b[8:])
	h.SectionCount = le.Uint32(b[12:])
	h.DirOffset = le.Uint64(b[16:])
	h.FileSize = le.Uint64(b[24:])
	h.Flags = le.Uint64(b[32:])
	return h, true
}

func (s Section) append(b []byte) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, uint32(s.Type))
	b = le.AppendUint32(b, s.Version)
	b = le.AppendUint64(b, s.Offset)
	return le.AppendUint64(b, s.Size)
}

func parseSection(b []byte) Section {
	le := binary.LittleEndian
	return Section{
		Type:    SectionType(le.Uint32(b)),
		Version: le.Uint32(b[4:]),
		Offset:  le.Uint64(b[8:]),
		Size:    le.Uint64(b[16:]),
	}
}
