package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Tensor is an in-memory float tensor staged for writing.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// WriteFile writes tensors to path in the given dtype ("F32" or "F16").
// Tensors are laid out in name order so output is reproducible.
func WriteFile(path string, tensors []Tensor, dtype string, metadata map[string]string) error {
	width := 4
	switch dtype {
	case "F32":
	case "F16":
		width = 2
	default:
		return fmt.Errorf("safetensors: cannot write dtype %s", dtype)
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, t := range sorted {
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(n * width)
		header[t.Name] = tensorHeader{DType: dtype, Shape: t.Shape, DataOffsets: []int64{off, off + size}}
		off += size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header so tensor data starts 8-byte aligned.
	for (len(hb)+8)%8 != 0 {
		hb = append(hb, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(hb); err != nil {
		_ = f.Close()
		return err
	}
	var buf [4]byte
	for _, t := range sorted {
		for _, v := range t.Data {
			if width == 4 {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			} else {
				binary.LittleEndian.PutUint16(buf[:], float16.Fromfloat32(v).Bits())
			}
			if _, err := w.Write(buf[:width]); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
