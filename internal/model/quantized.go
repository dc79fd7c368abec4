package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/pkg/mcf"
	"github.com/samcharles93/awq/pkg/quant"
)

// ErrNotQuantized is returned when saving a model whose linears are not
// all packed.
var ErrNotQuantized = errors.New("model is not quantized")

const (
	suffixQWeight = ".qweight"
	suffixScales  = ".scales"
	suffixQZeros  = ".qzeros"
)

// SaveQuantized writes the packed model to a single MCF container. Every
// block linear is stored as "<name>.qweight", "<name>.scales" and, with
// zero-points, "<name>.qzeros". Remaining parameters are stored as F32.
func (m *Model) SaveQuantized(path string) error {
	if m.Quant == nil {
		return ErrNotQuantized
	}
	var (
		packed  []mcf.Tensor
		modules []string
	)
	floats, err := m.export(func(e *exporter, l *nn.Linear) error {
		if !l.Packed() {
			return fmt.Errorf("%s: %w", l.Name, ErrNotQuantized)
		}
		packed = append(packed, packedTensors(l.Name, l.Q)...)
		modules = append(modules, l.Name)
		e.vec(l.Name+".bias", l.B)
		return nil
	})
	if err != nil {
		return err
	}

	info, err := json.Marshal(m.Config)
	if err != nil {
		return err
	}
	tensors := make([]mcf.Tensor, 0, len(floats)+len(packed))
	for _, t := range floats {
		tensors = append(tensors, floatTensor(t))
	}
	tensors = append(tensors, packed...)

	return mcf.WriteFile(path, mcf.Contents{
		ModelInfo: info,
		Quant: &mcf.QuantInfo{
			Method:    "awq",
			Bits:      m.Quant.Bits,
			GroupSize: m.Quant.GroupSize,
			ZeroPoint: m.Quant.ZeroPoint,
			Version:   string(m.Quant.PackLayout()),
			Modules:   modules,
		},
		Tensors: tensors,
	})
}

func packedTensors(name string, q *quant.Tensor) []mcf.Tensor {
	groups := uint64(q.Groups())
	qw := mcf.Tensor{Name: name + suffixQWeight, Data: q.Data}
	if q.Config.PackLayout() == quant.LayoutGEMM {
		qw.DType = mcf.DTypeI32
		qw.Shape = []uint64{uint64(q.Cols), uint64(q.Rows / 8)}
	} else {
		qw.DType = mcf.DTypeU8
		qw.Shape = []uint64{uint64(q.Rows), uint64(len(q.Data) / q.Rows)}
	}
	out := []mcf.Tensor{qw, {
		Name:  name + suffixScales,
		DType: mcf.DTypeF32,
		Shape: []uint64{uint64(q.Rows), groups},
		Data:  f32Bytes(q.Scales),
	}}
	if q.Zeros != nil {
		out = append(out, mcf.Tensor{
			Name:  name + suffixQZeros,
			DType: mcf.DTypeU8,
			Shape: []uint64{uint64(q.Rows), groups},
			Data:  q.Zeros,
		})
	}
	return out
}

func floatTensor(t safetensors.Tensor) mcf.Tensor {
	shape := make([]uint64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = uint64(d)
	}
	return mcf.Tensor{Name: t.Name, DType: mcf.DTypeF32, Shape: shape, Data: f32Bytes(t.Data)}
}

// LoadQuantized reads a container written by SaveQuantized.
func LoadQuantized(path string) (*Model, error) {
	c, err := mcf.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if c.Quant == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotQuantized)
	}
	var cfg Config
	if err := json.Unmarshal(c.ModelInfo, &cfg); err != nil {
		return nil, fmt.Errorf("parse model info: %w", err)
	}
	qcfg := quant.Config{
		Bits:      c.Quant.Bits,
		GroupSize: c.Quant.GroupSize,
		ZeroPoint: c.Quant.ZeroPoint,
		Layout:    quant.Layout(c.Quant.Version),
	}
	if err := qcfg.Validate(); err != nil {
		return nil, err
	}

	packed := make(map[string]*quant.Tensor, len(c.Quant.Modules))
	for _, name := range c.Quant.Modules {
		qt, err := readPacked(c, name, qcfg)
		if err != nil {
			return nil, err
		}
		packed[name] = qt
	}

	m, err := build(cfg, mcfSource{c}, packed)
	if err != nil {
		return nil, err
	}
	for _, l := range m.Linears() {
		if !l.Packed() {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrNotQuantized)
		}
	}
	m.Quant = &qcfg
	return m, nil
}

func readPacked(c *mcf.Contents, name string, cfg quant.Config) (*quant.Tensor, error) {
	qw, err := c.Tensor(name + suffixQWeight)
	if err != nil {
		return nil, err
	}
	st, err := c.Tensor(name + suffixScales)
	if err != nil {
		return nil, err
	}
	if st.DType != mcf.DTypeF32 || len(st.Shape) != 2 {
		return nil, fmt.Errorf("%s: bad scales tensor", name)
	}
	rows, groups := int(st.Shape[0]), int(st.Shape[1])
	cols := groups * cfg.GroupSize
	if len(qw.Data) != quant.PackedSize(rows, cols, cfg) {
		return nil, fmt.Errorf("%s: packed weight has %d bytes, want %d", name, len(qw.Data), quant.PackedSize(rows, cols, cfg))
	}
	qt := &quant.Tensor{
		Rows:   rows,
		Cols:   cols,
		Config: cfg,
		Data:   qw.Data,
		Scales: bytesF32(st.Data),
	}
	if cfg.ZeroPoint {
		zt, err := c.Tensor(name + suffixQZeros)
		if err != nil {
			return nil, err
		}
		if len(zt.Data) != rows*groups {
			return nil, fmt.Errorf("%s: zeros has %d values, want %d", name, len(zt.Data), rows*groups)
		}
		qt.Zeros = zt.Data
	}
	return qt, nil
}

// mcfSource serves F32 tensors from container contents.
type mcfSource struct{ c *mcf.Contents }

func (s mcfSource) Has(name string) bool {
	_, err := s.c.Tensor(name)
	return err == nil
}

func (s mcfSource) ReadF32(name string) ([]float32, []int, error) {
	t, err := s.c.Tensor(name)
	if err != nil {
		return nil, nil, err
	}
	if t.DType != mcf.DTypeF32 {
		return nil, nil, fmt.Errorf("%s: dtype %s is not F32", name, t.DType)
	}
	shape := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int(d)
	}
	return bytesF32(t.Data), shape, nil
}

func f32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func bytesF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
