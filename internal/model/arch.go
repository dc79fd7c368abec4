package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// ErrUnsupportedArchitecture is returned when a checkpoint declares a model
// family this package cannot build.
var ErrUnsupportedArchitecture = errors.New("unsupported architecture")

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	// Llama family.
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	MaxPosition       int     `json:"max_position_embeddings"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	HiddenAct         string  `json:"hidden_act"`
	TieWordEmbeddings *bool   `json:"tie_word_embeddings"`

	// GPT-2.
	NEmbd              int     `json:"n_embd"`
	NLayer             int     `json:"n_layer"`
	NHead              int     `json:"n_head"`
	NInner             *int    `json:"n_inner"`
	NPositions         int     `json:"n_positions"`
	LayerNormEpsilon   float64 `json:"layer_norm_epsilon"`
	ActivationFunction string  `json:"activation_function"`

	VocabSize int `json:"vocab_size"`

	NumLocalExperts int `json:"num_local_experts"`
	NumExperts      int `json:"num_experts"`
}

// Config is the architecture-neutral shape of a decoder-only model.
type Config struct {
	Arch          string  `json:"arch"`
	Hidden        int     `json:"hidden"`
	Intermediate  int     `json:"intermediate"`
	Layers        int     `json:"layers"`
	Heads         int     `json:"heads"`
	KVHeads       int     `json:"kv_heads"`
	HeadDim       int     `json:"head_dim"`
	Vocab         int     `json:"vocab"`
	MaxPosition   int     `json:"max_position"`
	NormEps       float64 `json:"norm_eps"`
	RopeTheta     float64 `json:"rope_theta,omitempty"`
	Act           string  `json:"act"`
	TieEmbeddings bool    `json:"tie_embeddings"`
}

// ReadConfig parses config.json from a Hugging Face model directory.
func ReadConfig(dir string) (Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig converts a Hugging Face config.json into a Config. It fails
// with ErrUnsupportedArchitecture before any tensor is read.
func ParseConfig(raw []byte) (Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(raw, &hf); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	arch, err := detectArch(&hf)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch arch {
	case "gpt2":
		cfg = Config{
			Arch:          arch,
			Hidden:        hf.NEmbd,
			Layers:        hf.NLayer,
			Heads:         hf.NHead,
			KVHeads:       hf.NHead,
			Vocab:         hf.VocabSize,
			MaxPosition:   hf.NPositions,
			NormEps:       hf.LayerNormEpsilon,
			Act:           hf.ActivationFunction,
			TieEmbeddings: true,
		}
		cfg.Intermediate = 4 * hf.NEmbd
		if hf.NInner != nil && *hf.NInner > 0 {
			cfg.Intermediate = *hf.NInner
		}
		if cfg.NormEps == 0 {
			cfg.NormEps = 1e-5
		}
		if cfg.Act == "" {
			cfg.Act = "gelu_new"
		}
	default:
		cfg = Config{
			Arch:         arch,
			Hidden:       hf.HiddenSize,
			Intermediate: hf.IntermediateSize,
			Layers:       hf.NumHiddenLayers,
			Heads:        hf.NumAttentionHeads,
			KVHeads:      hf.NumKeyValueHeads,
			HeadDim:      hf.HeadDim,
			Vocab:        hf.VocabSize,
			MaxPosition:  hf.MaxPosition,
			NormEps:      hf.RMSNormEps,
			RopeTheta:    hf.RopeTheta,
			Act:          hf.HiddenAct,
		}
		if hf.TieWordEmbeddings != nil {
			cfg.TieEmbeddings = *hf.TieWordEmbeddings
		}
		if cfg.KVHeads == 0 {
			cfg.KVHeads = cfg.Heads
		}
		if cfg.RopeTheta == 0 {
			cfg.RopeTheta = 10000
		}
		if cfg.NormEps == 0 {
			cfg.NormEps = 1e-6
		}
		if cfg.Act == "" {
			cfg.Act = "silu"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the dimensions needed to build blocks.
func (c Config) Validate() error {
	switch {
	case c.Hidden <= 0:
		return fmt.Errorf("hidden size must be set")
	case c.Layers <= 0:
		return fmt.Errorf("layer count must be set")
	case c.Heads <= 0:
		return fmt.Errorf("attention head count must be set")
	case c.Vocab <= 0:
		return fmt.Errorf("vocab_size must be set")
	case c.Intermediate <= 0:
		return fmt.Errorf("intermediate size must be set")
	}
	if c.HeadDim == 0 && c.Hidden%c.Heads != 0 {
		return fmt.Errorf("hidden size %d not divisible by %d heads", c.Hidden, c.Heads)
	}
	if c.KVHeads > 0 && c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("%d heads not divisible by %d kv heads", c.Heads, c.KVHeads)
	}
	return nil
}

// HeadSize returns the per-head width.
func (c Config) HeadSize() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	return c.Hidden / c.Heads
}

func detectArch(cfg *hfConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("nil config")
	}

	modelType := strings.ToLower(strings.TrimSpace(cfg.ModelType))
	archs := make([]string, 0, len(cfg.Architectures))
	for _, arch := range cfg.Architectures {
		archs = append(archs, strings.ToLower(arch))
	}

	hasArch := func(substr string) bool {
		if strings.Contains(modelType, substr) {
			return true
		}
		for _, arch := range archs {
			if strings.Contains(arch, substr) {
				return true
			}
		}
		return false
	}

	if cfg.NumLocalExperts > 0 || cfg.NumExperts > 0 {
		return "", fmt.Errorf("%w: mixture-of-experts model_type %q", ErrUnsupportedArchitecture, cfg.ModelType)
	}

	switch {
	case hasArch("gpt2"):
		return "gpt2", nil
	case hasArch("qwen2"):
		return "qwen2", nil
	case hasArch("mistral"):
		return "mistral", nil
	case hasArch("llama"):
		return "llama", nil
	default:
		return "", fmt.Errorf("%w: model_type %q (architectures=%v)", ErrUnsupportedArchitecture, cfg.ModelType, cfg.Architectures)
	}
}
