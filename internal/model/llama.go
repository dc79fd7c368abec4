package model

import (
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// LlamaBlock covers llama, mistral and qwen2: RMSNorm, rotary grouped-query
// attention and a gated MLP.
type LlamaBlock struct {
	InputNorm *nn.RMSNorm
	Q, K, V   *nn.Linear
	O         *nn.Linear
	PostNorm  *nn.RMSNorm
	Gate, Up  *nn.Linear
	Down      *nn.Linear
	Act       *nn.Activation

	Heads     int
	KVHeads   int
	HeadDim   int
	RopeTheta float64
}

func (b *LlamaBlock) Modules() []nn.Module {
	return []nn.Module{b.InputNorm, b.Q, b.K, b.V, b.O, b.PostNorm, b.Gate, b.Up, b.Act, b.Down}
}

func (b *LlamaBlock) Linears() []*nn.Linear {
	return []*nn.Linear{b.Q, b.K, b.V, b.O, b.Gate, b.Up, b.Down}
}

func (b *LlamaBlock) Forward(x *tensor.Mat, kw LayerKwargs, hook CaptureHook) (tensor.Mat, error) {
	capture := func(key string, m *tensor.Mat) {
		if hook != nil {
			hook(key, m)
		}
	}

	h := b.InputNorm.Forward(x)
	capture("self_attn.q_proj", &h)
	a, err := b.attentionHeads(&h, kw, nil)
	if err != nil {
		return tensor.Mat{}, err
	}
	capture("self_attn.o_proj", &a)
	o := b.O.Forward(&a)
	out := x.Clone()
	tensor.AddMat(&out, &o)

	h2 := b.PostNorm.Forward(&out)
	capture("mlp.gate_proj", &h2)
	p := b.gated(&h2, nil)
	capture("mlp.down_proj", &p)
	d := b.Down.Forward(&p)
	tensor.AddMat(&out, &d)
	return out, nil
}

func (b *LlamaBlock) attentionHeads(h *tensor.Mat, kw LayerKwargs, view nn.WeightView) (tensor.Mat, error) {
	q := view.Forward(b.Q, h)
	k := view.Forward(b.K, h)
	v := view.Forward(b.V, h)
	tensor.ApplyRoPE(&q, b.Heads, b.HeadDim, kw.SeqLen, b.RopeTheta)
	tensor.ApplyRoPE(&k, b.KVHeads, b.HeadDim, kw.SeqLen, b.RopeTheta)
	return tensor.CausalAttention(&q, &k, &v, tensor.AttnShape{
		Heads: b.Heads, KVHeads: b.KVHeads, HeadDim: b.HeadDim, SeqLen: kw.SeqLen,
	})
}

func (b *LlamaBlock) gated(h *tensor.Mat, view nn.WeightView) tensor.Mat {
	g := view.Forward(b.Gate, h)
	u := view.Forward(b.Up, h)
	b.Act.Forward(&g)
	for i := range g.R {
		gr, ur := g.Row(i), u.Row(i)
		for j := range gr {
			gr[j] *= ur[j]
		}
	}
	return g
}

// Attention recomputes self-attention including o_proj with weights taken
// from view.
func (b *LlamaBlock) Attention(x *tensor.Mat, kw LayerKwargs, view nn.WeightView) (tensor.Mat, error) {
	a, err := b.attentionHeads(x, kw, view)
	if err != nil {
		return tensor.Mat{}, err
	}
	return view.Forward(b.O, &a), nil
}

// MLP recomputes gate/up -> act -> down with weights taken from view.
func (b *LlamaBlock) MLP(x *tensor.Mat, view nn.WeightView) tensor.Mat {
	p := b.gated(x, view)
	return view.Forward(b.Down, &p)
}
