package tensor

import (
	"fmt"
	"math/rand"
)

// Mat is a row-major float32 matrix. Stride separates row starts and equals
// C unless the Mat is a view into a wider buffer.
//
// Activations are Mats with one row per token; linear weights are [out, in].
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat returns a zeroed r×c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(fmt.Sprintf("tensor: bad shape %dx%d", r, c))
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data without copying.
func NewMatFromData(r, c int, data []float32) Mat {
	if r < 0 || c < 0 || r*c != len(data) {
		panic(fmt.Sprintf("tensor: %d values for shape %dx%d", len(data), r, c))
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row aliases row i.
func (m *Mat) Row(i int) []float32 {
	if uint(i) >= uint(m.R) {
		panic(fmt.Sprintf("tensor: row %d of %d", i, m.R))
	}
	off := i * m.Stride
	return m.Data[off : off+m.C]
}

// Rows aliases rows [start, end).
func (m *Mat) Rows(start, end int) Mat {
	if start < 0 || start > end || end > m.R {
		panic(fmt.Sprintf("tensor: rows [%d,%d) of %d", start, end, m.R))
	}
	v := Mat{R: end - start, C: m.C, Stride: m.Stride}
	if v.R > 0 {
		v.Data = m.Data[start*m.Stride : (end-1)*m.Stride+m.C]
	}
	return v
}

// Clone copies m into a fresh matrix with Stride == C.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	if m.Stride == m.C {
		copy(out.Data, m.Data[:m.R*m.C])
		return out
	}
	for i := range m.R {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Compact returns the values as one contiguous slice. It aliases m when
// there is no row padding.
func (m *Mat) Compact() []float32 {
	if m.Stride == m.C {
		return m.Data[:m.R*m.C]
	}
	return m.Clone().Data
}

func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := range m.R {
		for j, v := range m.Row(i) {
			out.Data[j*m.R+i] = v
		}
	}
	return out
}

// Bytes is the size of the values in memory.
func (m *Mat) Bytes() int64 { return 4 * int64(m.R) * int64(m.C) }

// Concat stacks ms vertically. All inputs must share a column count.
func Concat(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	total := 0
	for _, m := range ms {
		if m.C != ms[0].C {
			panic(fmt.Sprintf("tensor: concat of %d and %d columns", ms[0].C, m.C))
		}
		total += m.R
	}
	out := NewMat(total, ms[0].C)
	dst := out.Data
	for i := range ms {
		for r := range ms[i].R {
			dst = dst[copy(dst, ms[i].Row(r)):]
		}
	}
	return out
}

// ConcatCols places ms side by side. All inputs must share a row count.
func ConcatCols(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	width := 0
	for _, m := range ms {
		if m.R != ms[0].R {
			panic(fmt.Sprintf("tensor: side-by-side concat of %d and %d rows", ms[0].R, m.R))
		}
		width += m.C
	}
	out := NewMat(ms[0].R, width)
	for r := range out.R {
		row := out.Row(r)
		for i := range ms {
			row = row[copy(row, ms[i].Row(r)):]
		}
	}
	return out
}

// FillRand writes uniform values in [-scale/2, scale/2) drawn from seed.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.R {
		for j := range m.Row(i) {
			m.Data[i*m.Stride+j] = scale * (rng.Float32() - 0.5)
		}
	}
}
