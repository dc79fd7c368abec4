package model

import "fmt"

// archNames maps logical tensors to checkpoint names. Candidate lists are
// tried in order; the first present wins.
type archNames struct {
	embedding        []string
	position         []string
	outputNorm       []string
	outputCandidates []string

	// layer returns the canonical prefix of a block, e.g. "model.layers.3".
	layer func(layer int) string
	// alt returns alternative prefixes some checkpoints use.
	alt func(layer int) []string
}

type archSpec struct {
	Name string
	// Conv1D is set when linear weights are stored [in, out].
	Conv1D bool
	Names  archNames
}

func specFor(arch string) (*archSpec, error) {
	switch arch {
	case "gpt2":
		return gpt2Spec(), nil
	case "llama", "mistral", "qwen2":
		return llamaSpec(arch), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, arch)
}

// GPT-2
func gpt2Spec() *archSpec {
	return &archSpec{
		Name:   "gpt2",
		Conv1D: true,
		Names: archNames{
			embedding:  []string{"transformer.wte.weight", "wte.weight"},
			position:   []string{"transformer.wpe.weight", "wpe.weight"},
			outputNorm: []string{"transformer.ln_f", "ln_f"},
			// Tied to wte.
			outputCandidates: []string{"lm_head.weight"},
			layer: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d", layer)
			},
			alt: func(layer int) []string {
				return []string{fmt.Sprintf("h.%d", layer)}
			},
		},
	}
}

// Llama, Mistral and Qwen2 share tensor naming.
func llamaSpec(name string) *archSpec {
	return &archSpec{
		Name: name,
		Names: archNames{
			embedding:        []string{"model.embed_tokens.weight"},
			outputNorm:       []string{"model.norm"},
			outputCandidates: []string{"lm_head.weight", "model.lm_head.weight", "output.weight"},
			layer: func(layer int) string {
				return fmt.Sprintf("model.layers.%d", layer)
			},
			alt: func(layer int) []string { return nil },
		},
	}
}
