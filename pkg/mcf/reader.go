package mcf

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is an opened container. Section payloads alias the mapping and are
// invalid after Close.
type File struct {
	Header   Header
	Sections []Section

	data   []byte
	mapped bool
}

// Open maps path read-only, falling back to reading it whole when mmap is
// unavailable, and validates the header and directory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerSize || size > math.MaxInt {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorruptFile, path, size)
	}

	if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		mf, err := Parse(data)
		if err != nil {
			_ = unix.Munmap(data)
			return nil, err
		}
		mf.mapped = true
		return mf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates an in-memory container.
func Parse(data []byte) (*File, error) {
	h, ok := parseHeader(data)
	if !ok {
		return nil, fmt.Errorf("%w: short header", ErrCorruptFile)
	}
	if string(h.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if h.Major != Major {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedMajor, h.Major, h.Minor)
	}
	size := uint64(len(data))
	if h.FileSize != size || h.HeaderSize < headerSize || uint64(h.HeaderSize) > size {
		return nil, fmt.Errorf("%w: header sizes", ErrCorruptFile)
	}
	dirEnd := h.DirOffset + uint64(h.SectionCount)*dirEntrySize
	if h.DirOffset < uint64(h.HeaderSize) || dirEnd < h.DirOffset || dirEnd > size {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	}

	f := &File{Header: h, data: data, Sections: make([]Section, h.SectionCount)}
	for i := range f.Sections {
		s := parseSection(data[h.DirOffset+uint64(i)*dirEntrySize:])
		switch {
		case s.End() < s.Offset || s.End() > h.DirOffset:
			return nil, fmt.Errorf("%w: %s section out of bounds", ErrCorruptFile, s.Type)
		case s.Offset < uint64(h.HeaderSize):
			return nil, fmt.Errorf("%w: %s section overlaps header", ErrCorruptFile, s.Type)
		case s.Offset%sectionAlign != 0:
			return nil, fmt.Errorf("%w: %s section unaligned", ErrCorruptFile, s.Type)
		}
		for _, prev := range f.Sections[:i] {
			if prev.Type == s.Type {
				return nil, fmt.Errorf("%w: duplicate %s section", ErrCorruptFile, s.Type)
			}
			if s.Offset < prev.End() && prev.Offset < s.End() {
				return nil, fmt.Errorf("%w: %s overlaps %s", ErrCorruptFile, s.Type, prev.Type)
			}
		}
		f.Sections[i] = s
	}
	return f, nil
}

func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mapped {
		err = unix.Munmap(f.data)
	}
	f.data, f.mapped = nil, false
	return err
}

// Section returns the directory entry of type t.
func (f *File) Section(t SectionType) (Section, bool) {
	for _, s := range f.Sections {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}

// SectionData returns the payload of section t, or nil if absent.
func (f *File) SectionData(t SectionType) []byte {
	s, ok := f.Section(t)
	if !ok || f.data == nil {
		return nil
	}
	return f.data[s.Offset:s.End()]
}

// Slice returns size bytes at an absolute offset.
func (f *File) Slice(off, size uint64) ([]byte, error) {
	end := off + size
	if end < off || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("%w: range [%d,%d) past end of file", ErrCorruptFile, off, end)
	}
	return f.data[off:end], nil
}
