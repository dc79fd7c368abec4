package nn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/pkg/quant"
)

// ErrPacked is returned when a float-weight operation is attempted on a
// layer whose weight has already been replaced by its packed form.
var ErrPacked = errors.New("linear weight is packed")

// Linear computes y = x W^T + b with W stored [out, in].
//
// After Commit the float weight is released and Q holds the packed weight.
// Forward then runs against a lazily dequantized copy.
type Linear struct {
	Name string
	W    tensor.Mat
	B    []float32
	Q    *quant.Tensor

	mu  sync.Mutex
	deq *tensor.Mat
}

// NewLinear wraps an [out, in] weight.
func NewLinear(name string, w tensor.Mat, b []float32) *Linear {
	return &Linear{Name: name, W: w, B: b}
}

func (l *Linear) OpName() string { return l.Name }

// In is the input feature count.
func (l *Linear) In() int {
	if l.Q != nil {
		return l.Q.Cols
	}
	return l.W.C
}

// Out is the output feature count.
func (l *Linear) Out() int {
	if l.Q != nil {
		return l.Q.Rows
	}
	return l.W.R
}

func (l *Linear) Width() int { return l.Out() }

// Packed reports whether the float weight has been replaced.
func (l *Linear) Packed() bool { return l.Q != nil }

func (l *Linear) Bytes() int64 {
	n := int64(len(l.B)) * 4
	if l.Q != nil {
		return n + int64(len(l.Q.Data)) + int64(len(l.Q.Scales))*4 + int64(len(l.Q.Zeros))
	}
	return n + l.W.Bytes()
}

// Weight returns the float weight, dequantizing and caching it if the layer
// is packed.
func (l *Linear) Weight() *tensor.Mat {
	if l.Q == nil {
		return &l.W
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deq == nil || l.deq.R != l.Q.Rows || l.deq.C != l.Q.Cols {
		m := tensor.NewMat(l.Q.Rows, l.Q.Cols)
		l.Q.DequantizeInto(m.Data)
		l.deq = &m
	}
	return l.deq
}

func (l *Linear) Forward(x *tensor.Mat) tensor.Mat {
	return tensor.Linear(x, l.Weight(), l.B)
}

// ScaleInputs multiplies input column j of W by s[j].
func (l *Linear) ScaleInputs(s []float32) error {
	if l.Q != nil {
		return fmt.Errorf("%s: %w", l.Name, ErrPacked)
	}
	if err := checkWidth(l.Name, l.W.C, s); err != nil {
		return err
	}
	for i := range l.W.R {
		row := l.W.Row(i)
		for j := range row {
			row[j] *= s[j]
		}
	}
	return nil
}

// AbsorbScales divides output row j of W (and the bias) by s[j].
func (l *Linear) AbsorbScales(s []float32) error {
	if l.Q != nil {
		return fmt.Errorf("%s: %w", l.Name, ErrPacked)
	}
	if err := checkWidth(l.Name, l.W.R, s); err != nil {
		return err
	}
	for i := range l.W.R {
		row := l.W.Row(i)
		for j := range row {
			row[j] /= s[i]
		}
	}
	for i := range l.B {
		l.B[i] /= s[i]
	}
	return nil
}

// Clamp limits every weight in row r, group g to [-c, c] where c is
// max[r*groups+g] and groups is In()/groupSize.
func (l *Linear) Clamp(maxVal []float32, groupSize int) error {
	if l.Q != nil {
		return fmt.Errorf("%s: %w", l.Name, ErrPacked)
	}
	if groupSize <= 0 || l.W.C%groupSize != 0 {
		return fmt.Errorf("%s: %w: %d columns, group size %d", l.Name, quant.ErrGroupSize, l.W.C, groupSize)
	}
	groups := l.W.C / groupSize
	if len(maxVal) != l.W.R*groups {
		return fmt.Errorf("%s: clip has %d values, want %d", l.Name, len(maxVal), l.W.R*groups)
	}
	for r := range l.W.R {
		row := l.W.Row(r)
		for g := range groups {
			c := maxVal[r*groups+g]
			for i := g * groupSize; i < (g+1)*groupSize; i++ {
				row[i] = min(max(row[i], -c), c)
			}
		}
	}
	return nil
}

// Pack quantizes the current float weight without committing it.
func (l *Linear) Pack(cfg quant.Config) (*quant.Tensor, error) {
	if l.Q != nil {
		return nil, fmt.Errorf("%s: %w", l.Name, ErrPacked)
	}
	qt, err := quant.Pack(l.W.Compact(), l.W.R, l.W.C, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Name, err)
	}
	return qt, nil
}

// Commit replaces the float weight with its packed form.
func (l *Linear) Commit(qt *quant.Tensor) {
	l.mu.Lock()
	l.Q = qt
	l.W = tensor.Mat{}
	l.deq = nil
	l.mu.Unlock()
}

func (l *Linear) snapshot() func() {
	w := l.W.Clone()
	if l.W.Data == nil {
		w = tensor.Mat{}
	}
	b := cloneF32(l.B)
	q := l.Q
	return func() {
		l.mu.Lock()
		l.W = w
		l.B = b
		l.Q = q
		l.deq = nil
		l.mu.Unlock()
	}
}
