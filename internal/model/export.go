package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/internal/tensor"
)

// HFConfig renders c as a Hugging Face config.json that ParseConfig accepts.
func (c Config) HFConfig() ([]byte, error) {
	var v map[string]any
	switch c.Arch {
	case "gpt2":
		v = map[string]any{
			"model_type":          "gpt2",
			"architectures":       []string{"GPT2LMHeadModel"},
			"n_embd":              c.Hidden,
			"n_layer":             c.Layers,
			"n_head":              c.Heads,
			"n_inner":             c.Intermediate,
			"n_positions":         c.MaxPosition,
			"layer_norm_epsilon":  c.NormEps,
			"activation_function": c.Act,
			"vocab_size":          c.Vocab,
		}
	default:
		v = map[string]any{
			"model_type":              c.Arch,
			"hidden_size":             c.Hidden,
			"intermediate_size":       c.Intermediate,
			"num_hidden_layers":       c.Layers,
			"num_attention_heads":     c.Heads,
			"num_key_value_heads":     c.KVHeads,
			"max_position_embeddings": c.MaxPosition,
			"rms_norm_eps":            c.NormEps,
			"rope_theta":              c.RopeTheta,
			"hidden_act":              c.Act,
			"vocab_size":              c.Vocab,
			"tie_word_embeddings":     c.TieEmbeddings,
		}
		if c.HeadDim > 0 {
			v["head_dim"] = c.HeadDim
		}
	}
	return json.MarshalIndent(v, "", "  ")
}

type exporter struct {
	conv1D bool
	out    []safetensors.Tensor
}

func (e *exporter) mat(name string, w *tensor.Mat) {
	e.out = append(e.out, safetensors.Tensor{Name: name, Shape: []int{w.R, w.C}, Data: w.Compact()})
}

func (e *exporter) vec(name string, v []float32) {
	if v != nil {
		e.out = append(e.out, safetensors.Tensor{Name: name, Shape: []int{len(v)}, Data: v})
	}
}

// weight emits a linear weight in checkpoint layout.
func (e *exporter) weight(l *nn.Linear) {
	if e.conv1D {
		t := l.W.Transpose()
		e.mat(l.Name+".weight", &t)
		return
	}
	e.mat(l.Name+".weight", &l.W)
}

// export walks every parameter. Block linears are handed to linear, which
// decides how they are emitted.
func (m *Model) export(linear func(e *exporter, l *nn.Linear) error) ([]safetensors.Tensor, error) {
	spec, err := specFor(m.Config.Arch)
	if err != nil {
		return nil, err
	}
	e := &exporter{conv1D: spec.Conv1D}

	e.mat(spec.Names.embedding[0], &m.Embed.W)
	if m.Pos != nil {
		e.mat(spec.Names.position[0], &m.Pos.W)
	}
	for _, l := range m.Layers {
		for _, op := range l.Block.Modules() {
			switch op := op.(type) {
			case *nn.Linear:
				if err := linear(e, op); err != nil {
					return nil, err
				}
			case *nn.LayerNorm:
				e.vec(op.Name+".weight", op.W)
				e.vec(op.Name+".bias", op.B)
			case *nn.RMSNorm:
				e.vec(op.Name+".weight", op.W)
			case *nn.Activation:
				e.vec(op.Name+".scales", op.Scales)
			}
		}
	}
	switch n := m.Norm.(type) {
	case *nn.LayerNorm:
		e.vec(n.Name+".weight", n.W)
		e.vec(n.Name+".bias", n.B)
	case *nn.RMSNorm:
		e.vec(n.Name+".weight", n.W)
	}
	if m.Head != nil {
		e.mat("lm_head.weight", m.Head.Weight())
	}
	return e.out, nil
}

// Tensors returns every float parameter under its checkpoint name, in the
// layout Build expects. Activation scales absorbed during search are
// exported as "<act>.scales".
func (m *Model) Tensors() ([]safetensors.Tensor, error) {
	return m.export(func(e *exporter, l *nn.Linear) error {
		if l.Packed() {
			return fmt.Errorf("%s: %w", l.Name, nn.ErrPacked)
		}
		e.weight(l)
		e.vec(l.Name+".bias", l.B)
		return nil
	})
}

// SaveFloat writes config.json and model.safetensors into dir.
func (m *Model) SaveFloat(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg, err := m.Config.HFConfig()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644); err != nil {
		return err
	}
	ts, err := m.Tensors()
	if err != nil {
		return err
	}
	return safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), ts, "F32", map[string]string{"format": "pt"})
}
