package nn

import (
	"fmt"

	"github.com/samcharles93/awq/internal/tensor"
)

// ActKind names an element-wise nonlinearity.
type ActKind string

const (
	ActGELUTanh ActKind = "gelu_new"
	ActGELU     ActKind = "gelu"
	ActReLU     ActKind = "relu"
	ActSiLU     ActKind = "silu"
)

// ParseActKind maps a Hugging Face activation_function / hidden_act value.
func ParseActKind(s string) (ActKind, error) {
	switch s {
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		return ActGELUTanh, nil
	case "gelu":
		return ActGELU, nil
	case "relu":
		return ActReLU, nil
	case "silu", "swish":
		return ActSiLU, nil
	}
	return "", fmt.Errorf("unsupported activation %q", s)
}

func (k ActKind) apply(x float32) float32 {
	switch k {
	case ActGELUTanh:
		return tensor.GELU(x)
	case ActGELU:
		return tensor.GELUExact(x)
	case ActReLU:
		return tensor.Relu(x)
	default:
		return tensor.Silu(x)
	}
}

// Activation applies Kind element-wise. Once a scale has been absorbed the
// output of channel j is divided by Scales[j].
type Activation struct {
	Name   string
	Kind   ActKind
	Size   int
	Scales []float32
}

func (a *Activation) OpName() string { return a.Name }
func (a *Activation) Width() int     { return a.Size }
func (a *Activation) Bytes() int64   { return int64(len(a.Scales)) * 4 }

// Forward applies the activation to x in place.
func (a *Activation) Forward(x *tensor.Mat) {
	for i := range x.R {
		row := x.Row(i)
		for j, v := range row {
			y := a.Kind.apply(v)
			if a.Scales != nil {
				y /= a.Scales[j]
			}
			row[j] = y
		}
	}
}

func (a *Activation) AbsorbScales(s []float32) error {
	if err := checkWidth(a.Name, a.Size, s); err != nil {
		return err
	}
	if a.Scales == nil {
		a.Scales = cloneF32(s)
		return nil
	}
	for j := range a.Scales {
		a.Scales[j] *= s[j]
	}
	return nil
}

func (a *Activation) snapshot() func() {
	s := cloneF32(a.Scales)
	return func() { a.Scales = s }
}

// Embedding is a lookup table with one row per id.
type Embedding struct {
	Name string
	W    tensor.Mat
}

func (e *Embedding) OpName() string { return e.Name }
func (e *Embedding) Bytes() int64   { return e.W.Bytes() }

// Lookup returns one row per id.
func (e *Embedding) Lookup(ids []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(ids), e.W.C)
	for i, id := range ids {
		if id < 0 || id >= e.W.R {
			return tensor.Mat{}, fmt.Errorf("%s: id %d out of range [0, %d)", e.Name, id, e.W.R)
		}
		copy(out.Row(i), e.W.Row(id))
	}
	return out, nil
}

// LookupPositions returns rows 0..n-1 repeated for every sequence of length n.
func (e *Embedding) LookupPositions(rows, seqLen int) (tensor.Mat, error) {
	if seqLen > e.W.R {
		return tensor.Mat{}, fmt.Errorf("%s: sequence length %d exceeds %d positions", e.Name, seqLen, e.W.R)
	}
	out := tensor.NewMat(rows, e.W.C)
	for i := range rows {
		copy(out.Row(i), e.W.Row(i%seqLen))
	}
	return out, nil
}

func (e *Embedding) snapshot() func() {
	w := e.W.Clone()
	return func() { e.W = w }
}
