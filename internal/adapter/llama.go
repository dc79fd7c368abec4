package adapter

import (
	"fmt"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

func init() {
	for _, arch := range []string{"llama", "mistral", "qwen2"} {
		Register(arch, llama{base{name: arch}})
	}
}

// llama covers every family built from model.LlamaBlock.
type llama struct{ base }

func llamaBlock(b model.Block) (*model.LlamaBlock, error) {
	blk, ok := b.(*model.LlamaBlock)
	if !ok {
		return nil, fmt.Errorf("%T is not a llama block", b)
	}
	return blk, nil
}

// SiLU does not commute with a per-channel scale.
func (llama) ActForScaling(b model.Block) ScalableAct {
	return ScalableAct{IsScalable: false}
}

func (a llama) LayersForScaling(b model.Block, in calib.Captures, kw model.LayerKwargs) ([]ModuleGroup, error) {
	blk, err := llamaBlock(b)
	if err != nil {
		return nil, fmt.Errorf("%s adapter: %w", a.name, err)
	}
	qkv, err := capture(in, "self_attn.q_proj")
	if err != nil {
		return nil, err
	}
	oIn, err := capture(in, "self_attn.o_proj")
	if err != nil {
		return nil, err
	}
	gate, err := capture(in, "mlp.gate_proj")
	if err != nil {
		return nil, err
	}
	down, err := capture(in, "mlp.down_proj")
	if err != nil {
		return nil, err
	}

	groups := []ModuleGroup{{
		Prev:     blk.InputNorm,
		Layers:   []*nn.Linear{blk.Q, blk.K, blk.V},
		InputKey: "self_attn.q_proj",
		Inspect: func(x *tensor.Mat, w nn.WeightView) (tensor.Mat, error) {
			return blk.Attention(x, kw, w)
		},
		Input: qkv,
		KW:    kw,
	}}
	// With grouped-query attention v_proj is narrower than o_proj's input
	// and cannot absorb its scale.
	if blk.V.Out() == blk.O.In() {
		groups = append(groups, ModuleGroup{
			Prev:     blk.V,
			Layers:   []*nn.Linear{blk.O},
			InputKey: "self_attn.o_proj",
			Input:    oIn,
			KW:       kw,
		})
	}
	groups = append(groups,
		ModuleGroup{
			Prev:     blk.PostNorm,
			Layers:   []*nn.Linear{blk.Gate, blk.Up},
			InputKey: "mlp.gate_proj",
			Inspect: func(x *tensor.Mat, w nn.WeightView) (tensor.Mat, error) {
				return blk.MLP(x, w), nil
			},
			Input: gate,
			KW:    kw,
		},
		ModuleGroup{
			Prev:     blk.Up,
			Layers:   []*nn.Linear{blk.Down},
			InputKey: "mlp.down_proj",
			Input:    down,
			KW:       kw,
		},
	)
	return groups, nil
}
