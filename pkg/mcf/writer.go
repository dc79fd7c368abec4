package mcf

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
)

var (
	errClosed    = errors.New("mcf: writer closed")
	errOpen      = errors.New("mcf: section still open")
	errNoSection = errors.New("mcf: no open section")
)

// Writer streams a container to a file. Sections are written one at a
// time between Begin and End; Close writes the directory and the header.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	off   uint64
	flags uint64

	sections []Section
	open     *Section
	closed   bool
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	w := &Writer{f: f, bw: bufio.NewWriterSize(f, 1<<20)}
	if err := w.raw(make([]byte, headerSize)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) raw(p []byte) error {
	n, err := w.bw.Write(p)
	w.off += uint64(n)
	return err
}

// pad writes zeros up to the next multiple of n.
func (w *Writer) pad(n uint64) error {
	var zeros [64]byte
	for rem := (n - w.off%n) % n; rem > 0; {
		k := min(rem, uint64(len(zeros)))
		if err := w.raw(zeros[:k]); err != nil {
			return err
		}
		rem -= k
	}
	return nil
}

// Begin starts a section. Each type may appear once.
func (w *Writer) Begin(typ SectionType, version uint32) error {
	switch {
	case w.closed:
		return errClosed
	case w.open != nil:
		return errOpen
	case slices.ContainsFunc(w.sections, func(s Section) bool { return s.Type == typ }):
		return fmt.Errorf("mcf: duplicate %s section", typ)
	}
	if err := w.pad(sectionAlign); err != nil {
		return err
	}
	w.open = &Section{Type: typ, Version: version, Offset: w.off}
	return nil
}

// Write appends to the open section.
func (w *Writer) Write(p []byte) (int, error) {
	if w.open == nil {
		return 0, errNoSection
	}
	if err := w.raw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Align pads the open section so the next write lands on an n-byte boundary.
func (w *Writer) Align(n int) error {
	if w.open == nil {
		return errNoSection
	}
	return w.pad(uint64(n))
}

// Offset is the absolute position of the next byte written.
func (w *Writer) Offset() uint64 { return w.off }

func (w *Writer) End() error {
	if w.open == nil {
		return errNoSection
	}
	w.open.Size = w.off - w.open.Offset
	w.sections = append(w.sections, *w.open)
	w.open = nil
	return nil
}

// Section writes a whole section.
func (w *Writer) Section(typ SectionType, version uint32, data []byte) error {
	if err := w.Begin(typ, version); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.End()
}

func (w *Writer) SetFlags(flags uint64) { w.flags |= flags }

// Close writes the directory, patches the header and syncs. It does not
// close the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return errClosed
	}
	if w.open != nil {
		return errOpen
	}
	w.closed = true

	if err := w.pad(sectionAlign); err != nil {
		return err
	}
	dir := w.off
	buf := make([]byte, 0, len(w.sections)*dirEntrySize)
	for _, s := range w.sections {
		buf = s.append(buf)
	}
	if err := w.raw(buf); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}

	h := Header{
		Major:        Major,
		Minor:        Minor,
		HeaderSize:   headerSize,
		SectionCount: uint32(len(w.sections)),
		DirOffset:    dir,
		FileSize:     w.off,
		Flags:        w.flags,
	}
	copy(h.Magic[:], Magic)
	if _, err := w.f.WriteAt(h.append(nil), 0); err != nil {
		return err
	}
	return w.f.Sync()
}
