package model

import (
	"errors"
	"testing"
)

func TestDetectArch(t *testing.T) {
	tests := []struct {
		name      string
		cfg       hfConfig
		wantArch  string
		wantError bool
	}{
		{
			name:     "gpt2",
			cfg:      hfConfig{ModelType: "gpt2"},
			wantArch: "gpt2",
		},
		{
			name:     "gpt2-from-architectures",
			cfg:      hfConfig{Architectures: []string{"GPT2LMHeadModel"}},
			wantArch: "gpt2",
		},
		{
			name:     "llama",
			cfg:      hfConfig{ModelType: "llama"},
			wantArch: "llama",
		},
		{
			name:     "qwen2",
			cfg:      hfConfig{ModelType: "qwen2"},
			wantArch: "qwen2",
		},
		{
			name:     "mistral",
			cfg:      hfConfig{ModelType: "mistral"},
			wantArch: "mistral",
		},
		{
			name:      "unknown",
			cfg:       hfConfig{ModelType: "mamba"},
			wantError: true,
		},
		{
			name:      "moe-unsupported",
			cfg:       hfConfig{ModelType: "mistral", NumLocalExperts: 4},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch, err := detectArch(&tt.cfg)
			if tt.wantError {
				if !errors.Is(err, ErrUnsupportedArchitecture) {
					t.Fatalf("expected ErrUnsupportedArchitecture, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if arch != tt.wantArch {
				t.Fatalf("arch mismatch: want %q, got %q", tt.wantArch, arch)
			}
			if _, err := specFor(arch); err != nil {
				t.Fatalf("no model layout for %q: %v", arch, err)
			}
		})
	}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	gpt, err := ParseConfig([]byte(`{"model_type":"gpt2","n_embd":64,"n_layer":2,"n_head":4,"n_positions":128,"vocab_size":100}`))
	if err != nil {
		t.Fatalf("gpt2: %v", err)
	}
	if gpt.Intermediate != 256 || gpt.Act != "gelu_new" || !gpt.TieEmbeddings || gpt.NormEps != 1e-5 {
		t.Fatalf("gpt2 defaults wrong: %+v", gpt)
	}

	ll, err := ParseConfig([]byte(`{"model_type":"llama","hidden_size":64,"intermediate_size":128,"num_hidden_layers":2,"num_attention_heads":8,"vocab_size":100}`))
	if err != nil {
		t.Fatalf("llama: %v", err)
	}
	if ll.KVHeads != 8 || ll.RopeTheta != 10000 || ll.Act != "silu" || ll.HeadSize() != 8 || ll.TieEmbeddings {
		t.Fatalf("llama defaults wrong: %+v", ll)
	}

	if _, err := ParseConfig([]byte(`{"model_type":"llama","hidden_size":64,"num_hidden_layers":2,"num_attention_heads":6,"vocab_size":10,"intermediate_size":8}`)); err == nil {
		t.Fatalf("expected head divisibility error")
	}
}

func TestHFConfigRoundTrip(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Arch: "gpt2", Hidden: 32, Intermediate: 96, Layers: 1, Heads: 4, KVHeads: 4, Vocab: 50, MaxPosition: 16, NormEps: 1e-5, Act: "gelu_new", TieEmbeddings: true},
		{Arch: "qwen2", Hidden: 32, Intermediate: 64, Layers: 3, Heads: 4, KVHeads: 2, HeadDim: 8, Vocab: 50, MaxPosition: 16, NormEps: 1e-6, RopeTheta: 1e6, Act: "silu"},
	} {
		raw, err := cfg.HFConfig()
		if err != nil {
			t.Fatalf("%s: %v", cfg.Arch, err)
		}
		got, err := ParseConfig(raw)
		if err != nil {
			t.Fatalf("%s: parse: %v", cfg.Arch, err)
		}
		if got != cfg {
			t.Fatalf("%s: round trip = %+v want %+v", cfg.Arch, got, cfg)
		}
	}
}
