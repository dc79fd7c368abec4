package model

import (
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// GPT2Block is a pre-norm block with fused qkv and a two-layer MLP.
type GPT2Block struct {
	Ln1     *nn.LayerNorm
	Attn    *nn.Linear // c_attn, [3*hidden, hidden]
	AttnOut *nn.Linear // attn.c_proj
	Ln2     *nn.LayerNorm
	FC      *nn.Linear // mlp.c_fc
	Act     *nn.Activation
	Proj    *nn.Linear // mlp.c_proj

	Heads int
}

func (b *GPT2Block) Modules() []nn.Module {
	return []nn.Module{b.Ln1, b.Attn, b.AttnOut, b.Ln2, b.FC, b.Act, b.Proj}
}

func (b *GPT2Block) Linears() []*nn.Linear {
	return []*nn.Linear{b.Attn, b.AttnOut, b.FC, b.Proj}
}

func (b *GPT2Block) Forward(x *tensor.Mat, kw LayerKwargs, hook CaptureHook) (tensor.Mat, error) {
	capture := func(key string, m *tensor.Mat) {
		if hook != nil {
			hook(key, m)
		}
	}

	h := b.Ln1.Forward(x)
	capture("attn.c_attn", &h)
	a, err := b.selfAttention(&h, kw)
	if err != nil {
		return tensor.Mat{}, err
	}
	capture("attn.c_proj", &a)
	o := b.AttnOut.Forward(&a)
	out := x.Clone()
	tensor.AddMat(&out, &o)

	h2 := b.Ln2.Forward(&out)
	capture("mlp.c_fc", &h2)
	f := b.FC.Forward(&h2)
	b.Act.Forward(&f)
	capture("mlp.c_proj", &f)
	p := b.Proj.Forward(&f)
	tensor.AddMat(&out, &p)
	return out, nil
}

// selfAttention returns the merged heads before the output projection.
func (b *GPT2Block) selfAttention(h *tensor.Mat, kw LayerKwargs) (tensor.Mat, error) {
	qkv := b.Attn.Forward(h)
	d := h.C
	q := sliceCols(&qkv, 0, d)
	k := sliceCols(&qkv, d, 2*d)
	v := sliceCols(&qkv, 2*d, 3*d)
	return tensor.CausalAttention(&q, &k, &v, tensor.AttnShape{
		Heads: b.Heads, KVHeads: b.Heads, HeadDim: d / b.Heads, SeqLen: kw.SeqLen,
	})
}

// MLP recomputes c_fc -> act -> c_proj with weights taken from view.
func (b *GPT2Block) MLP(x *tensor.Mat, view nn.WeightView) tensor.Mat {
	f := view.Forward(b.FC, x)
	b.Act.Forward(&f)
	return view.Forward(b.Proj, &f)
}

func sliceCols(m *tensor.Mat, start, end int) tensor.Mat {
	out := tensor.NewMat(m.R, end-start)
	for i := range m.R {
		copy(out.Row(i), m.Row(i)[start:end])
	}
	return out
}
