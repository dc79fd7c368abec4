package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleContents() Contents {
	return Contents{
		ModelInfo: []byte(`{"arch":"gpt2"}`),
		Quant:     &QuantInfo{Method: "awq", Bits: 4, GroupSize: 64, ZeroPoint: true, Version: "bitstream"},
		Tensors: []Tensor{
			{Name: "z.weight", DType: DTypeF32, Shape: []uint64{2}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			{Name: "a.qweight", DType: DTypeU8, Shape: []uint64{1, 3}, Data: []byte{9, 10, 11}},
			{Name: "a.scales", DType: DTypeF32, Shape: []uint64{1, 1}, Data: []byte{0, 0, 128, 63}},
		},
	}
}

func writeSample(t *testing.T) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "q.mcf")
	if err := WriteFile(path, sampleContents()); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return path, raw
}

func TestContainerRoundTrip(t *testing.T) {
	t.Parallel()
	path, _ := writeSample(t)
	in := sampleContents()

	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out.ModelInfo) != string(in.ModelInfo) {
		t.Fatalf("model info = %q", out.ModelInfo)
	}
	if out.Quant == nil || out.Quant.GroupSize != 64 || !out.Quant.ZeroPoint || out.Quant.Version != "bitstream" {
		t.Fatalf("quant info = %+v", out.Quant)
	}
	if len(out.Tensors) != len(in.Tensors) {
		t.Fatalf("got %d tensors, want %d", len(out.Tensors), len(in.Tensors))
	}
	for _, want := range in.Tensors {
		got, err := out.Tensor(want.Name)
		if err != nil {
			t.Fatalf("tensor %s: %v", want.Name, err)
		}
		if !bytes.Equal(got.Data, want.Data) || got.DType != want.DType || len(got.Shape) != len(want.Shape) {
			t.Fatalf("tensor %s mismatch: %+v", want.Name, got)
		}
	}
	if _, err := out.Tensor("nope"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()
	path, raw := writeSample(t)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("aligned flag not set")
	}
	if f.Header.FileSize != uint64(len(raw)) || len(f.Sections) != 4 {
		t.Fatalf("header %+v, %d sections", f.Header, len(f.Sections))
	}
	if raw[4] != byte(Major) || raw[5] != 0 {
		t.Fatalf("major is not little-endian: %x", raw[4:6])
	}
	for _, s := range f.Sections {
		if s.Offset%sectionAlign != 0 {
			t.Fatalf("%s section at unaligned offset %d", s.Type, s.Offset)
		}
	}
	index, err := DecodeTensorIndex(f.SectionData(SectionTensorIndex))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	for i, e := range index {
		if e.DataOff%tensorAlign != 0 {
			t.Fatalf("tensor %s at unaligned offset %d", e.Name, e.DataOff)
		}
		if i > 0 && index[i-1].Name >= e.Name {
			t.Fatalf("index not sorted: %s before %s", index[i-1].Name, e.Name)
		}
	}
	if f.SectionData(SectionType(99)) != nil {
		t.Fatal("unknown section returned data")
	}
}

func TestHeaderReservedBeforeSections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "one.mcf")
	in := Contents{
		ModelInfo: []byte(`{"arch":"llama"}`),
		Tensors:   []Tensor{{Name: "w", DType: DTypeU8, Shape: []uint64{4}, Data: []byte{1, 2, 3, 4}}},
	}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw[:4]) != Magic {
		t.Fatalf("magic = %q", raw[:4])
	}
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Sections[0].Type != SectionModelInfo || f.Sections[0].Offset != headerSize {
		t.Fatalf("first section %s at %d, want model info at %d", f.Sections[0].Type, f.Sections[0].Offset, headerSize)
	}
	if got := f.SectionData(SectionModelInfo); string(got) != string(in.ModelInfo) {
		t.Fatalf("model info = %q", got)
	}
	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if w, err := out.Tensor("w"); err != nil || !bytes.Equal(w.Data, in.Tensors[0].Data) {
		t.Fatalf("tensor w = %+v, %v", w, err)
	}
}

func TestParseRejectsCorruptFiles(t *testing.T) {
	t.Parallel()
	_, raw := writeSample(t)
	le := binary.LittleEndian
	dir := le.Uint64(raw[16:])

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { b[4] = 9; return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, ErrCorruptFile},
		{"short", func(b []byte) []byte { return b[:10] }, ErrCorruptFile},
		{"directory past end", func(b []byte) []byte { le.PutUint64(b[16:], uint64(len(b))); return b }, ErrCorruptFile},
		{"unaligned section", func(b []byte) []byte { le.PutUint64(b[dir+8:], le.Uint64(b[dir+8:])+1); return b }, ErrCorruptFile},
		{"section in header", func(b []byte) []byte { le.PutUint64(b[dir+8:], 8); return b }, ErrCorruptFile},
		{"duplicate section", func(b []byte) []byte { copy(b[dir+dirEntrySize:dir+dirEntrySize+4], b[dir:dir+4]); return b }, ErrCorruptFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), raw...))
			if _, err := Parse(b); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTensorIndex(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{Name: "b", DType: DTypeI32, Shape: []uint64{4, 2}, DataOff: 128, DataSize: 32},
		{Name: "a", DType: DTypeF32, Shape: []uint64{3}, DataOff: 64, DataSize: 12},
	}
	raw, err := EncodeTensorIndex(entries)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeTensorIndex(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Shape[1] != 2 || got[1].DType != DTypeI32 || got[1].DataOff != 128 {
		t.Fatalf("decoded %+v", got)
	}

	if _, err := EncodeTensorIndex([]IndexEntry{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := EncodeTensorIndex([]IndexEntry{{Name: ""}}); err == nil {
		t.Fatal("expected error for an empty name")
	}
	if _, err := EncodeTensorIndex(nil); err == nil {
		t.Fatal("expected error for an empty index")
	}

	for n := range len(raw) {
		if _, err := DecodeTensorIndex(raw[:n]); err == nil {
			t.Fatalf("truncated to %d bytes: expected error", n)
		}
	}
	if _, err := DecodeTensorIndex(append(raw, 0)); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("trailing byte: expected ErrCorruptFile, got %v", err)
	}
	bad := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(bad, 7)
	if _, err := DecodeTensorIndex(bad); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestWriterMisuse(t *testing.T) {
	t.Parallel()
	f, err := os.Create(filepath.Join(t.TempDir(), "w.mcf"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := w.Write([]byte{1}); err == nil {
		t.Fatal("write outside a section succeeded")
	}
	if err := w.Begin(SectionModelInfo, 1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Begin(SectionQuantInfo, 1); err == nil {
		t.Fatal("nested section succeeded")
	}
	if err := w.Close(); err == nil {
		t.Fatal("close with an open section succeeded")
	}
	if err := w.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := w.Section(SectionModelInfo, 1, nil); err == nil {
		t.Fatal("duplicate section succeeded")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Begin(SectionTensorData, 1); err == nil {
		t.Fatal("begin after close succeeded")
	}
}

func TestQuantInfoValidation(t *testing.T) {
	t.Parallel()

	if _, err := EncodeQuantInfoSection(QuantInfo{Method: "awq", Bits: 0, GroupSize: 128}); err == nil {
		t.Fatal("expected error for zero bits")
	}
	if _, err := ParseQuantInfoSection([]byte("{")); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
	raw, err := EncodeQuantInfoSection(QuantInfo{Method: "awq", Bits: 3, GroupSize: 32, Version: "gemm"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q, err := ParseQuantInfoSection(raw)
	if err != nil || q.Bits != 3 || q.Version != "gemm" {
		t.Fatalf("parse = %+v, %v", q, err)
	}
}
