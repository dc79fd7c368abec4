package adapter

import (
	"fmt"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

func init() {
	Register("gpt2", gpt2{base{name: "gpt2"}})
}

type gpt2 struct{ base }

func gpt2Block(b model.Block) (*model.GPT2Block, error) {
	blk, ok := b.(*model.GPT2Block)
	if !ok {
		return nil, fmt.Errorf("gpt2 adapter: unexpected block %T", b)
	}
	return blk, nil
}

func (gpt2) ActForScaling(b model.Block) ScalableAct {
	blk, err := gpt2Block(b)
	if err != nil {
		return ScalableAct{}
	}
	return ScalableAct{
		IsScalable: true,
		Name:       blk.Act.Name,
		Op:         blk.Act,
		Shape:      blk.FC.Out(),
	}
}

func (gpt2) LayersForScaling(b model.Block, in calib.Captures, kw model.LayerKwargs) ([]ModuleGroup, error) {
	blk, err := gpt2Block(b)
	if err != nil {
		return nil, err
	}
	fc, err := capture(in, "mlp.c_fc")
	if err != nil {
		return nil, err
	}
	proj, err := capture(in, "mlp.c_proj")
	if err != nil {
		return nil, err
	}
	return []ModuleGroup{
		{
			Prev:     blk.Ln2,
			Layers:   []*nn.Linear{blk.FC},
			InputKey: "mlp.c_fc",
			Inspect: func(x *tensor.Mat, w nn.WeightView) (tensor.Mat, error) {
				return blk.MLP(x, w), nil
			},
			Input: fc,
			KW:    kw,
		},
		{
			Prev:     blk.Act,
			Layers:   []*nn.Linear{blk.Proj},
			InputKey: "mlp.c_proj",
			Input:    proj,
			KW:       kw,
		},
	}, nil
}
