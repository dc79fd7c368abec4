package nn

import (
	"github.com/samcharles93/awq/internal/tensor"
)

// LayerNorm is an affine layer normalisation.
type LayerNorm struct {
	Name string
	W    []float32
	B    []float32
	Eps  float32
}

func (n *LayerNorm) OpName() string { return n.Name }
func (n *LayerNorm) Width() int     { return len(n.W) }
func (n *LayerNorm) Bytes() int64   { return int64(len(n.W)+len(n.B)) * 4 }

func (n *LayerNorm) Forward(x *tensor.Mat) tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for i := range x.R {
		tensor.LayerNorm(out.Row(i), x.Row(i), n.W, n.B, n.Eps)
	}
	return out
}

// AbsorbScales divides both the weight and the bias by s.
func (n *LayerNorm) AbsorbScales(s []float32) error {
	if err := checkWidth(n.Name, len(n.W), s); err != nil {
		return err
	}
	for j := range n.W {
		n.W[j] /= s[j]
	}
	for j := range n.B {
		n.B[j] /= s[j]
	}
	return nil
}

func (n *LayerNorm) snapshot() func() {
	w, b := cloneF32(n.W), cloneF32(n.B)
	return func() { n.W, n.B = w, b }
}

// RMSNorm is a root-mean-square normalisation without bias.
type RMSNorm struct {
	Name string
	W    []float32
	Eps  float32
}

func (n *RMSNorm) OpName() string { return n.Name }
func (n *RMSNorm) Width() int     { return len(n.W) }
func (n *RMSNorm) Bytes() int64   { return int64(len(n.W)) * 4 }

func (n *RMSNorm) Forward(x *tensor.Mat) tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for i := range x.R {
		tensor.RMSNorm(out.Row(i), x.Row(i), n.W, n.Eps)
	}
	return out
}

func (n *RMSNorm) AbsorbScales(s []float32) error {
	if err := checkWidth(n.Name, len(n.W), s); err != nil {
		return err
	}
	for j := range n.W {
		n.W[j] /= s[j]
	}
	return nil
}

func (n *RMSNorm) snapshot() func() {
	w := cloneF32(n.W)
	return func() { n.W = w }
}
