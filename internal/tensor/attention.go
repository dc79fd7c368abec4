package tensor

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// AttnShape describes multi-head attention over a batch of equal-length
// sequences stacked row-wise: rows [s*SeqLen, (s+1)*SeqLen) belong to sequence s.
type AttnShape struct {
	Heads   int
	KVHeads int
	HeadDim int
	SeqLen  int
}

func (a AttnShape) validate(q, k, v *Mat) error {
	if a.Heads <= 0 || a.HeadDim <= 0 || a.SeqLen <= 0 {
		return fmt.Errorf("attention: invalid shape %+v", a)
	}
	kv := a.KVHeads
	if kv == 0 {
		kv = a.Heads
	}
	if a.Heads%kv != 0 {
		return fmt.Errorf("attention: %d heads not divisible by %d kv heads", a.Heads, kv)
	}
	if q.C != a.Heads*a.HeadDim {
		return fmt.Errorf("attention: q width %d, want %d", q.C, a.Heads*a.HeadDim)
	}
	if k.C != kv*a.HeadDim || v.C != kv*a.HeadDim {
		return fmt.Errorf("attention: kv width %d/%d, want %d", k.C, v.C, kv*a.HeadDim)
	}
	if q.R != k.R || q.R != v.R || q.R%a.SeqLen != 0 {
		return fmt.Errorf("attention: %d rows is not a multiple of seq len %d", q.R, a.SeqLen)
	}
	return nil
}

// ApplyRoPE rotates each head of m in place using the rotate-half convention.
// The position of a row is its index within its sequence.
func ApplyRoPE(m *Mat, heads, headDim, seqLen int, theta float64) {
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range half {
		invFreq[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	for r := range m.R {
		pos := float64(r % seqLen)
		row := m.Row(r)
		for h := range heads {
			x := row[h*headDim : (h+1)*headDim]
			for i := range half {
				sin, cos := math.Sincos(pos * invFreq[i])
				a, b := float64(x[i]), float64(x[i+half])
				x[i] = float32(a*cos - b*sin)
				x[i+half] = float32(b*cos + a*sin)
			}
		}
	}
}

// CausalAttention computes softmax(q k^T / sqrt(d)) v with a causal mask,
// grouping query heads onto shared kv heads when KVHeads < Heads.
// The result is [rows, Heads*HeadDim].
func CausalAttention(q, k, v *Mat, shape AttnShape) (Mat, error) {
	if err := shape.validate(q, k, v); err != nil {
		return Mat{}, err
	}
	kvHeads := shape.KVHeads
	if kvHeads == 0 {
		kvHeads = shape.Heads
	}
	group := shape.Heads / kvHeads
	out := NewMat(q.R, q.C)
	nSeq := q.R / shape.SeqLen
	scale := float32(1 / math.Sqrt(float64(shape.HeadDim)))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s := range nSeq {
		for h := range shape.Heads {
			g.Go(func() error {
				kh := h / group
				d := shape.HeadDim
				scores := make([]float32, shape.SeqLen)
				base := s * shape.SeqLen
				for t := range shape.SeqLen {
					qr := q.Row(base + t)[h*d : (h+1)*d]
					sc := scores[:t+1]
					for u := range sc {
						sc[u] = Dot(qr, k.Row(base + u)[kh*d:(kh+1)*d]) * scale
					}
					Softmax(sc)
					dst := out.Row(base + t)[h*d : (h+1)*d]
					for u, p := range sc {
						vr := v.Row(base + u)[kh*d : (kh+1)*d]
						for i := range dst {
							dst[i] += p * vr[i]
						}
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return out, nil
}
