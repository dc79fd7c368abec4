package model

import (
	"fmt"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/pkg/quant"
)

type tensorSource interface {
	ReadF32(name string) ([]float32, []int, error)
	Has(name string) bool
}

// Load reads config.json and the safetensors shards in dir. The architecture
// is checked before any tensor data is read.
func Load(dir string) (*Model, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	return Build(cfg, set)
}

// Build assembles a model from named tensors.
func Build(cfg Config, src tensorSource) (*Model, error) {
	return build(cfg, src, nil)
}

// build assembles a model. Linears named in packed are created from their
// packed weight instead of reading "<name>.weight".
func build(cfg Config, src tensorSource, packed map[string]*quant.Tensor) (*Model, error) {
	spec, err := specFor(cfg.Arch)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	names := spec.Names
	ld := loader{src: src, conv1D: spec.Conv1D, packed: packed}

	embName, err := ld.first(names.embedding)
	if err != nil {
		return nil, err
	}
	wte, err := ld.mat(embName, cfg.Vocab, cfg.Hidden, false)
	if err != nil {
		return nil, err
	}
	embed := &nn.Embedding{Name: names.embedding[0], W: wte}

	var pos *nn.Embedding
	if len(names.position) > 0 {
		posName, err := ld.first(names.position)
		if err != nil {
			return nil, err
		}
		wpe, err := ld.mat(posName, cfg.MaxPosition, cfg.Hidden, false)
		if err != nil {
			return nil, err
		}
		pos = &nn.Embedding{Name: names.position[0], W: wpe}
	}

	blocks := make([]Block, cfg.Layers)
	for i := range cfg.Layers {
		canon := names.layer(i)
		prefix := canon
		for _, p := range append([]string{canon}, names.alt(i)...) {
			if src.Has(p + firstLayerTensor(cfg.Arch)) {
				prefix = p
				break
			}
		}
		var b Block
		if cfg.Arch == "gpt2" {
			b, err = ld.gpt2Block(cfg, canon, prefix)
		} else {
			b, err = ld.llamaBlock(cfg, canon, prefix)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		blocks[i] = b
	}

	normPrefix, err := ld.first(suffixed(names.outputNorm, ".weight"))
	if err != nil {
		return nil, err
	}
	normPrefix = normPrefix[:len(normPrefix)-len(".weight")]
	var norm FinalNorm
	if cfg.Arch == "gpt2" {
		norm, err = ld.layerNorm(names.outputNorm[0], normPrefix, cfg)
	} else {
		norm, err = ld.rmsNorm(names.outputNorm[0], normPrefix, cfg)
	}
	if err != nil {
		return nil, err
	}

	var head *nn.Linear
	if !cfg.TieEmbeddings {
		headName, err := ld.first(names.outputCandidates)
		if err != nil {
			return nil, err
		}
		hw, err := ld.mat(headName, cfg.Vocab, cfg.Hidden, false)
		if err != nil {
			return nil, err
		}
		head = nn.NewLinear("lm_head", hw, nil)
	}

	return New(cfg, embed, pos, blocks, norm, head), nil
}

func firstLayerTensor(arch string) string {
	if arch == "gpt2" {
		return ".ln_1.weight"
	}
	return ".input_layernorm.weight"
}

func suffixed(names []string, suffix string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n + suffix
	}
	return out
}

type loader struct {
	src    tensorSource
	conv1D bool
	packed map[string]*quant.Tensor
}

func (ld loader) first(candidates []string) (string, error) {
	for _, c := range candidates {
		if ld.src.Has(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("missing tensor (tried %v)", candidates)
}

func (ld loader) mat(name string, rows, cols int, transposed bool) (tensor.Mat, error) {
	data, shape, err := ld.src.ReadF32(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, shape)
	}
	if transposed {
		if shape[0] != cols || shape[1] != rows {
			return tensor.Mat{}, fmt.Errorf("%s: shape %v, want [%d %d]", name, shape, cols, rows)
		}
		m := tensor.NewMatFromData(cols, rows, data)
		return m.Transpose(), nil
	}
	if shape[0] != rows || shape[1] != cols {
		return tensor.Mat{}, fmt.Errorf("%s: shape %v, want [%d %d]", name, shape, rows, cols)
	}
	return tensor.NewMatFromData(rows, cols, data), nil
}

func (ld loader) vec(name string, n int) ([]float32, error) {
	data, shape, err := ld.src.ReadF32(name)
	if err != nil {
		return nil, err
	}
	if len(shape) != 1 || shape[0] != n {
		return nil, fmt.Errorf("%s: shape %v, want [%d]", name, shape, n)
	}
	return data, nil
}

// linear loads prefix.weight (and prefix.bias if present) into [out, in].
func (ld loader) linear(name, prefix string, out, in int, needBias bool) (*nn.Linear, error) {
	var (
		b   []float32
		err error
	)
	if needBias || ld.src.Has(prefix+".bias") {
		if b, err = ld.vec(prefix+".bias", out); err != nil {
			return nil, err
		}
	}
	if qt, ok := ld.packed[name]; ok {
		if qt.Rows != out || qt.Cols != in {
			return nil, fmt.Errorf("%s: packed shape [%d %d], want [%d %d]", name, qt.Rows, qt.Cols, out, in)
		}
		l := nn.NewLinear(name, tensor.Mat{}, b)
		l.Commit(qt)
		return l, nil
	}
	w, err := ld.mat(prefix+".weight", out, in, ld.conv1D)
	if err != nil {
		return nil, err
	}
	return nn.NewLinear(name, w, b), nil
}

func (ld loader) layerNorm(name, prefix string, cfg Config) (*nn.LayerNorm, error) {
	w, err := ld.vec(prefix+".weight", cfg.Hidden)
	if err != nil {
		return nil, err
	}
	b, err := ld.vec(prefix+".bias", cfg.Hidden)
	if err != nil {
		return nil, err
	}
	return &nn.LayerNorm{Name: name, W: w, B: b, Eps: float32(cfg.NormEps)}, nil
}

func (ld loader) rmsNorm(name, prefix string, cfg Config) (*nn.RMSNorm, error) {
	w, err := ld.vec(prefix+".weight", cfg.Hidden)
	if err != nil {
		return nil, err
	}
	return &nn.RMSNorm{Name: name, W: w, Eps: float32(cfg.NormEps)}, nil
}

func (ld loader) activation(name, prefix string, kind nn.ActKind, size int) (*nn.Activation, error) {
	act := &nn.Activation{Name: name, Kind: kind, Size: size}
	if ld.src.Has(prefix + ".scales") {
		s, err := ld.vec(prefix+".scales", size)
		if err != nil {
			return nil, err
		}
		act.Scales = s
	}
	return act, nil
}

func (ld loader) gpt2Block(cfg Config, canon, p string) (*GPT2Block, error) {
	kind, err := nn.ParseActKind(cfg.Act)
	if err != nil {
		return nil, err
	}
	h, inner := cfg.Hidden, cfg.Intermediate
	b := &GPT2Block{Heads: cfg.Heads}
	if b.Ln1, err = ld.layerNorm(canon+".ln_1", p+".ln_1", cfg); err != nil {
		return nil, err
	}
	if b.Attn, err = ld.linear(canon+".attn.c_attn", p+".attn.c_attn", 3*h, h, true); err != nil {
		return nil, err
	}
	if b.AttnOut, err = ld.linear(canon+".attn.c_proj", p+".attn.c_proj", h, h, true); err != nil {
		return nil, err
	}
	if b.Ln2, err = ld.layerNorm(canon+".ln_2", p+".ln_2", cfg); err != nil {
		return nil, err
	}
	if b.FC, err = ld.linear(canon+".mlp.c_fc", p+".mlp.c_fc", inner, h, true); err != nil {
		return nil, err
	}
	if b.Act, err = ld.activation(canon+".mlp.act", p+".mlp.act", kind, inner); err != nil {
		return nil, err
	}
	if b.Proj, err = ld.linear(canon+".mlp.c_proj", p+".mlp.c_proj", h, inner, true); err != nil {
		return nil, err
	}
	return b, nil
}

func (ld loader) llamaBlock(cfg Config, canon, p string) (*LlamaBlock, error) {
	kind, err := nn.ParseActKind(cfg.Act)
	if err != nil {
		return nil, err
	}
	h, inner := cfg.Hidden, cfg.Intermediate
	hd := cfg.HeadSize()
	b := &LlamaBlock{
		Heads:     cfg.Heads,
		KVHeads:   cfg.KVHeads,
		HeadDim:   hd,
		RopeTheta: cfg.RopeTheta,
	}
	if b.InputNorm, err = ld.rmsNorm(canon+".input_layernorm", p+".input_layernorm", cfg); err != nil {
		return nil, err
	}
	if b.Q, err = ld.linear(canon+".self_attn.q_proj", p+".self_attn.q_proj", cfg.Heads*hd, h, false); err != nil {
		return nil, err
	}
	if b.K, err = ld.linear(canon+".self_attn.k_proj", p+".self_attn.k_proj", cfg.KVHeads*hd, h, false); err != nil {
		return nil, err
	}
	if b.V, err = ld.linear(canon+".self_attn.v_proj", p+".self_attn.v_proj", cfg.KVHeads*hd, h, false); err != nil {
		return nil, err
	}
	if b.O, err = ld.linear(canon+".self_attn.o_proj", p+".self_attn.o_proj", h, cfg.Heads*hd, false); err != nil {
		return nil, err
	}
	if b.PostNorm, err = ld.rmsNorm(canon+".post_attention_layernorm", p+".post_attention_layernorm", cfg); err != nil {
		return nil, err
	}
	if b.Gate, err = ld.linear(canon+".mlp.gate_proj", p+".mlp.gate_proj", inner, h, false); err != nil {
		return nil, err
	}
	if b.Up, err = ld.linear(canon+".mlp.up_proj", p+".mlp.up_proj", inner, h, false); err != nil {
		return nil, err
	}
	if b.Down, err = ld.linear(canon+".mlp.down_proj", p+".mlp.down_proj", h, inner, false); err != nil {
		return nil, err
	}
	if b.Act, err = ld.activation(canon+".mlp.act_fn", p+".mlp.act_fn", kind, inner); err != nil {
		return nil, err
	}
	return b, nil
}
