// Package nn holds the parameterised operations a decoder layer is built
// from: linear projections, normalisations, activations and embeddings.
//
// Operations are mutated in place by scale absorption, clipping and packing.
// Callers that may need to undo those mutations take a Snapshot first.
package nn

import (
	"fmt"

	"github.com/samcharles93/awq/internal/tensor"
)

// Module is any operation with mutable parameters.
type Module interface {
	OpName() string
	// Bytes is the resident parameter footprint.
	Bytes() int64
	snapshot() func()
}

// ScaleAbsorber is an operation whose output channels can be divided by a
// per-channel scale vector by rewriting its own parameters.
type ScaleAbsorber interface {
	Module
	// Width is the number of output channels.
	Width() int
	// AbsorbScales divides output channel j by s[j].
	AbsorbScales(s []float32) error
}

// Snapshot captures parameter state so a partial mutation can be undone.
type Snapshot struct {
	restore []func()
}

// Take records the current parameters of every module.
func Take(mods ...Module) *Snapshot {
	s := &Snapshot{restore: make([]func(), 0, len(mods))}
	for _, m := range mods {
		s.restore = append(s.restore, m.snapshot())
	}
	return s
}

// Restore puts every recorded module back to the captured state.
func (s *Snapshot) Restore() {
	for _, r := range s.restore {
		r()
	}
}

// WeightView substitutes candidate weights for selected linear layers without
// touching the layers themselves. The zero value uses every layer's own weight.
type WeightView map[*Linear]*tensor.Mat

// Of returns the weight to use for l.
func (v WeightView) Of(l *Linear) *tensor.Mat {
	if m, ok := v[l]; ok {
		return m
	}
	return l.Weight()
}

// Forward applies l to x using the substituted weight if present.
func (v WeightView) Forward(l *Linear, x *tensor.Mat) tensor.Mat {
	return tensor.Linear(x, v.Of(l), l.B)
}

func checkWidth(op string, want int, s []float32) error {
	if len(s) != want {
		return fmt.Errorf("%s: scale length %d, want %d", op, len(s), want)
	}
	for j, v := range s {
		if !(v > 0) {
			return fmt.Errorf("%s: scale %d is %v, must be positive", op, j, v)
		}
	}
	return nil
}

func cloneF32(s []float32) []float32 {
	if s == nil {
		return nil
	}
	out := make([]float32, len(s))
	copy(out, s)
	return out
}
