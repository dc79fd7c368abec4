// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header describing each
// tensor, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

const (
	metadataKey = "__metadata__"
	// maxHeader bounds the JSON header; real checkpoints stay far below it.
	maxHeader = 100 << 20
)

var ErrFormat = errors.New("safetensors: malformed file")

// elemSize is the byte width of the dtypes this package can decode.
var elemSize = map[string]int{"F32": 4, "F16": 2, "BF16": 2}

// TensorInfo locates one tensor. Start and End are relative to the start of
// the data section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of path and checks every tensor's extent against
// the file size. Tensor data is read lazily.
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
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: short header length: %v", ErrFormat, path, err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxHeader || int64(n) > st.Size()-8 {
		return nil, fmt.Errorf("%w: %s: header length %d exceeds file size", ErrFormat, path, n)
	}
	hb := make([]byte, n)
	if _, err := io.ReadFull(f, hb); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}

	dataLen := st.Size() - 8 - int64(n)
	tensors, meta, err := parseHeader(hb, dataLen)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Path: path, DataStart: 8 + int64(n), Tensors: tensors, Metadata: meta}, nil
}

func parseHeader(hb []byte, dataLen int64) (map[string]TensorInfo, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hb, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		// Metadata is informational; a malformed block is ignored.
		if json.Unmarshal(msg, &meta) != nil {
			meta = nil
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, nil, fmt.Errorf("%w: tensor %s: data_offsets must have two entries", ErrFormat, name)
		}
		ti := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if ti.Start < 0 || ti.End < ti.Start || ti.End > dataLen {
			return nil, nil, fmt.Errorf("%w: tensor %s: offsets [%d,%d) outside %d data bytes",
				ErrFormat, name, ti.Start, ti.End, dataLen)
		}
		tensors[name] = ti
	}
	return tensors, meta, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadTensor returns the raw bytes of a tensor.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, t.End-t.Start)
	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and widens it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(raw, info)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 converts little-endian F32, F16 or BF16 bytes to float32.
func DecodeF32(raw []byte, info TensorInfo) ([]float32, error) {
	width, ok := elemSize[info.DType]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%s data is %d bytes, shape %v needs %d", info.DType, len(raw), info.Shape, n*width)
	}

	switch info.DType {
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	case "F16":
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	default:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	}
}

// Set is a model checkpoint spread over one or more safetensors files.
type Set struct {
	files map[string]*File
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenDir opens every shard in a Hugging Face model directory. It prefers
// model.safetensors.index.json and falls back to *.safetensors.
func OpenDir(dir string) (*Set, error) {
	paths, err := shardPaths(dir)
	if err != nil {
		return nil, err
	}
	s := &Set{files: make(map[string]*File)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		for name := range f.Tensors {
			if prev, dup := s.files[name]; dup {
				return nil, fmt.Errorf("%w: tensor %s in both %s and %s",
					ErrFormat, name, filepath.Base(prev.Path), filepath.Base(p))
			}
			s.files[name] = f
		}
	}
	return s, nil
}

func shardPaths(dir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(dir, "model.safetensors.index.json"))
	if errors.Is(err, os.ErrNotExist) {
		paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no safetensors files in %s", dir)
		}
		return paths, nil
	}
	if err != nil {
		return nil, err
	}

	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parse shard index: %w", err)
	}
	seen := map[string]bool{}
	var paths []string
	for _, shard := range idx.WeightMap {
		if !seen[shard] {
			seen[shard] = true
			paths = append(paths, filepath.Join(dir, shard))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("shard index in %s lists no files", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// Has reports whether any shard holds the tensor.
func (s *Set) Has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// Info returns the tensor header for name.
func (s *Set) Info(name string) (TensorInfo, bool) {
	f, ok := s.files[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

// ReadF32 reads a tensor from whichever shard holds it.
func (s *Set) ReadF32(name string) ([]float32, []int, error) {
	f, ok := s.files[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, nil, err
	}
	return data, info.Shape, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
