// Package toy builds small randomly initialised checkpoints for tests and
// benchmarks. Weights are deterministic for a given seed.
package toy

import (
	"fmt"
	"sort"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/tensor"
)

// GPT2Config is a two-layer GPT-2 shaped model.
func GPT2Config() model.Config {
	return model.Config{
		Arch:          "gpt2",
		Hidden:        32,
		Intermediate:  128,
		Layers:        2,
		Heads:         4,
		KVHeads:       4,
		Vocab:         64,
		MaxPosition:   32,
		NormEps:       1e-5,
		Act:           "gelu_new",
		TieEmbeddings: true,
	}
}

// LlamaConfig is a two-layer Llama shaped model with grouped-query
// attention and an untied head.
func LlamaConfig() model.Config {
	return model.Config{
		Arch:         "llama",
		Hidden:       32,
		Intermediate: 64,
		Layers:       2,
		Heads:        4,
		KVHeads:      2,
		HeadDim:      8,
		Vocab:        64,
		MaxPosition:  64,
		NormEps:      1e-6,
		RopeTheta:    10000,
		Act:          "silu",
	}
}

// Source is an in-memory set of named float tensors.
type Source struct {
	data  map[string][]float32
	shape map[string][]int
}

func NewSource() *Source {
	return &Source{data: make(map[string][]float32), shape: make(map[string][]int)}
}

func (s *Source) Set(name string, shape []int, data []float32) {
	s.data[name] = data
	s.shape[name] = shape
}

func (s *Source) Has(name string) bool {
	_, ok := s.data[name]
	return ok
}

func (s *Source) ReadF32(name string) ([]float32, []int, error) {
	d, ok := s.data[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor %q not found", name)
	}
	return append([]float32(nil), d...), s.shape[name], nil
}

// Names returns every tensor name, sorted.
func (s *Source) Names() []string {
	out := make([]string, 0, len(s.data))
	for n := range s.data {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type gen struct {
	src  *Source
	seed int64
}

func (g *gen) next() int64 {
	g.seed++
	return g.seed
}

func (g *gen) mat(name string, rows, cols int, scale float32) {
	m := tensor.NewMat(rows, cols)
	tensor.FillRand(&m, g.next(), scale)
	g.src.Set(name, []int{rows, cols}, m.Data)
}

// norm writes weights near one so activations keep a usable range.
func (g *gen) norm(name string, n int) {
	m := tensor.NewMat(1, n)
	tensor.FillRand(&m, g.next(), 0.2)
	for i := range m.Data {
		m.Data[i] += 1
	}
	g.src.Set(name, []int{n}, m.Data)
}

func (g *gen) vec(name string, n int, scale float32) {
	m := tensor.NewMat(1, n)
	tensor.FillRand(&m, g.next(), scale)
	g.src.Set(name, []int{n}, m.Data)
}

// Weights generates a checkpoint for cfg in on-disk layout: GPT-2 linears
// are stored [in, out]. A few embedding channels are amplified so some
// input channels carry much larger activations than others.
func Weights(cfg model.Config, seed int64) *Source {
	g := &gen{src: NewSource(), seed: seed * 1000}
	h, inner := cfg.Hidden, cfg.Intermediate

	emb := "model.embed_tokens.weight"
	if cfg.Arch == "gpt2" {
		emb = "transformer.wte.weight"
	}
	g.mat(emb, cfg.Vocab, h, 1)
	e := g.src.data[emb]
	for r := range cfg.Vocab {
		for _, c := range []int{1, h / 2} {
			e[r*h+c] *= 8
		}
	}

	if cfg.Arch == "gpt2" {
		g.mat("transformer.wpe.weight", cfg.MaxPosition, h, 0.1)
		for i := range cfg.Layers {
			p := fmt.Sprintf("transformer.h.%d", i)
			g.norm(p+".ln_1.weight", h)
			g.vec(p+".ln_1.bias", h, 0.1)
			g.mat(p+".attn.c_attn.weight", h, 3*h, 0.5)
			g.vec(p+".attn.c_attn.bias", 3*h, 0.1)
			g.mat(p+".attn.c_proj.weight", h, h, 0.5)
			g.vec(p+".attn.c_proj.bias", h, 0.1)
			g.norm(p+".ln_2.weight", h)
			g.vec(p+".ln_2.bias", h, 0.1)
			g.mat(p+".mlp.c_fc.weight", h, inner, 0.5)
			g.vec(p+".mlp.c_fc.bias", inner, 0.1)
			g.mat(p+".mlp.c_proj.weight", inner, h, 0.3)
			g.vec(p+".mlp.c_proj.bias", h, 0.1)
		}
		g.norm("transformer.ln_f.weight", h)
		g.vec("transformer.ln_f.bias", h, 0.1)
		return g.src
	}

	hd := cfg.HeadSize()
	for i := range cfg.Layers {
		p := fmt.Sprintf("model.layers.%d", i)
		g.norm(p+".input_layernorm.weight", h)
		g.mat(p+".self_attn.q_proj.weight", cfg.Heads*hd, h, 0.5)
		g.mat(p+".self_attn.k_proj.weight", cfg.KVHeads*hd, h, 0.5)
		g.mat(p+".self_attn.v_proj.weight", cfg.KVHeads*hd, h, 0.5)
		g.mat(p+".self_attn.o_proj.weight", h, cfg.Heads*hd, 0.5)
		g.norm(p+".post_attention_layernorm.weight", h)
		g.mat(p+".mlp.gate_proj.weight", inner, h, 0.5)
		g.mat(p+".mlp.up_proj.weight", inner, h, 0.5)
		g.mat(p+".mlp.down_proj.weight", h, inner, 0.3)
	}
	g.norm("model.norm.weight", h)
	if !cfg.TieEmbeddings {
		g.mat("lm_head.weight", cfg.Vocab, h, 0.5)
	}
	return g.src
}

// New builds the model described by cfg from seeded random weights.
func New(cfg model.Config, seed int64) (*model.Model, error) {
	return model.Build(cfg, Weights(cfg, seed))
}

// GPT2 builds the default toy GPT-2 model.
func GPT2(seed int64) (*model.Model, error) { return New(GPT2Config(), seed) }

// Llama builds the default toy Llama model.
func Llama(seed int64) (*model.Model, error) { return New(LlamaConfig(), seed) }

// WriteCheckpoint saves a seeded model as config.json plus safetensors in dir.
func WriteCheckpoint(dir string, cfg model.Config, seed int64) error {
	m, err := New(cfg, seed)
	if err != nil {
		return err
	}
	return m.SaveFloat(dir)
}

// Tokens returns n deterministic sequences of seqLen ids below vocab.
func Tokens(n, seqLen, vocab int, seed int64) [][]int {
	out := make([][]int, n)
	x := uint64(seed)*2654435761 + 1
	for i := range out {
		s := make([]int, seqLen)
		for j := range s {
			x ^= x << 13
			x ^= x >> 7
			x ^= x << 17
			s[j] = int(x % uint64(vocab))
		}
		out[i] = s
	}
	return out
}
