package mcf

import (
	"fmt"
	"os"
)

const tensorAlign = 64

// Tensor is one named payload stored in a container.
type Tensor struct {
	Name  string
	DType TensorDType
	Shape []uint64
	Data  []byte
}

// Contents is everything stored in a container. ModelInfo is an opaque
// JSON document owned by the caller.
type Contents struct {
	ModelInfo []byte
	Quant     *QuantInfo
	Tensors   []Tensor

	byName map[string]int
}

// WriteFile writes c to path. Tensor payloads are 64-byte aligned.
func WriteFile(path string, c Contents) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if len(c.ModelInfo) > 0 {
		if err := w.Section(SectionModelInfo, 1, c.ModelInfo); err != nil {
			return fmt.Errorf("mcf: write model info: %w", err)
		}
	}
	if c.Quant != nil {
		raw, err := EncodeQuantInfoSection(*c.Quant)
		if err != nil {
			return err
		}
		if err := w.Section(SectionQuantInfo, QuantInfoVersion, raw); err != nil {
			return fmt.Errorf("mcf: write quant info: %w", err)
		}
	}

	if err := w.Begin(SectionTensorData, 1); err != nil {
		return err
	}
	index := make([]IndexEntry, 0, len(c.Tensors))
	for _, t := range c.Tensors {
		if err := w.Align(tensorAlign); err != nil {
			return err
		}
		index = append(index, IndexEntry{
			Name:     t.Name,
			DType:    t.DType,
			Shape:    t.Shape,
			DataOff:  w.Offset(),
			DataSize: uint64(len(t.Data)),
		})
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("mcf: write tensor %s: %w", t.Name, err)
		}
	}
	if err := w.End(); err != nil {
		return err
	}

	raw, err := EncodeTensorIndex(index)
	if err != nil {
		return err
	}
	if err := w.Section(SectionTensorIndex, TensorIndexVersion, raw); err != nil {
		return fmt.Errorf("mcf: write tensor index: %w", err)
	}
	w.SetFlags(FlagTensorDataAligned64)
	return w.Close()
}

// ReadFile loads a container into memory. Tensor data is copied out so the
// result outlives the mapping.
func ReadFile(path string) (*Contents, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	c := &Contents{}
	if b := f.SectionData(SectionModelInfo); b != nil {
		c.ModelInfo = append([]byte(nil), b...)
	}
	if b := f.SectionData(SectionQuantInfo); b != nil {
		q, err := ParseQuantInfoSection(b)
		if err != nil {
			return nil, err
		}
		c.Quant = &q
	}

	data, ok := f.Section(SectionTensorData)
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor data", ErrCorruptFile)
	}
	index, err := DecodeTensorIndex(f.SectionData(SectionTensorIndex))
	if err != nil {
		return nil, err
	}
	c.Tensors = make([]Tensor, len(index))
	c.byName = make(map[string]int, len(index))
	for i, e := range index {
		if e.DataOff < data.Offset || e.DataOff+e.DataSize > data.End() {
			return nil, fmt.Errorf("%w: tensor %s outside the data section", ErrCorruptFile, e.Name)
		}
		b, err := f.Slice(e.DataOff, e.DataSize)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		c.byName[e.Name] = i
		c.Tensors[i] = Tensor{Name: e.Name, DType: e.DType, Shape: e.Shape, Data: append([]byte(nil), b...)}
	}
	return c, nil
}

// Tensor returns the named tensor.
func (c *Contents) Tensor(name string) (*Tensor, error) {
	if c.byName == nil {
		c.byName = make(map[string]int, len(c.Tensors))
		for i, t := range c.Tensors {
			c.byName[t.Name] = i
		}
	}
	if i, ok := c.byName[name]; ok {
		return &c.Tensors[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}
