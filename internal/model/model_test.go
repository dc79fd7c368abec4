package model_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/internal/toy"
	"github.com/samcharles93/awq/pkg/quant"
)

func logits(t *testing.T, m *model.Model, seqs [][]int) tensor.Mat {
	t.Helper()
	out, err := m.Logits(seqs)
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	return out
}

func assertClose(t *testing.T, a, b tensor.Mat, tol float64) {
	t.Helper()
	if a.R != b.R || a.C != b.C {
		t.Fatalf("shape mismatch: %dx%d vs %dx%d", a.R, a.C, b.R, b.C)
	}
	for i := range a.R {
		ra, rb := a.Row(i), b.Row(i)
		for j := range ra {
			if math.Abs(float64(ra[j]-rb[j])) > tol {
				t.Fatalf("mismatch at (%d,%d): %f vs %f", i, j, ra[j], rb[j])
			}
		}
	}
}

func TestConv1DWeightsTransposed(t *testing.T) {
	t.Parallel()

	cfg := toy.GPT2Config()
	src := toy.Weights(cfg, 2)
	m, err := model.Build(cfg, src)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, shape, _ := src.ReadF32("transformer.h.0.mlp.c_fc.weight")
	if shape[0] != cfg.Hidden || shape[1] != cfg.Intermediate {
		t.Fatalf("checkpoint shape %v", shape)
	}
	op, ok := m.Op("transformer.h.0.mlp.c_fc")
	if !ok {
		t.Fatalf("c_fc not indexed")
	}
	l := op.(*nn.Linear)
	if l.Out() != cfg.Intermediate || l.In() != cfg.Hidden {
		t.Fatalf("linear shape [%d %d]", l.Out(), l.In())
	}
	for _, rc := range [][2]int{{0, 0}, {5, 3}, {cfg.Intermediate - 1, cfg.Hidden - 1}} {
		r, c := rc[0], rc[1]
		if got, want := l.W.Row(r)[c], raw[c*cfg.Intermediate+r]; got != want {
			t.Fatalf("W[%d,%d] = %f want %f", r, c, got, want)
		}
	}
}

func TestSaveFloatLoadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, cfg := range []model.Config{toy.GPT2Config(), toy.LlamaConfig()} {
		t.Run(cfg.Arch, func(t *testing.T) {
			t.Parallel()
			m, err := toy.New(cfg, 5)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			// Non-neutral activation scales must survive the round trip.
			for _, op := range m.Layers[0].Block.Modules() {
				if a, ok := op.(*nn.Activation); ok {
					s := make([]float32, a.Size)
					for i := range s {
						s[i] = 1 + float32(i%3)
					}
					if err := a.AbsorbScales(s); err != nil {
						t.Fatalf("absorb: %v", err)
					}
				}
			}

			dir := t.TempDir()
			if err := m.SaveFloat(dir); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := model.Load(dir)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Config != m.Config {
				t.Fatalf("config = %+v want %+v", got.Config, m.Config)
			}
			seqs := toy.Tokens(2, 8, cfg.Vocab, 1)
			assertClose(t, logits(t, got, seqs), logits(t, m, seqs), 1e-4)
		})
	}
}

func TestLoadRejectsUnsupportedArchitecture(t *testing.T) {
	t.Parallel()

	_, err := model.ParseConfig([]byte(`{"model_type":"mamba","hidden_size":8}`))
	if !errors.Is(err, model.ErrUnsupportedArchitecture) {
		t.Fatalf("expected ErrUnsupportedArchitecture, got %v", err)
	}
}

func TestLogProbsAndPerplexity(t *testing.T) {
	t.Parallel()

	m, err := toy.Llama(3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	seqs := toy.Tokens(3, 10, m.Config.Vocab, 4)
	lps, err := m.LogProbs(seqs)
	if err != nil {
		t.Fatalf("logprobs: %v", err)
	}
	var nll float64
	for _, lp := range lps {
		for _, v := range lp {
			if v > 0 {
				t.Fatalf("log-prob %f > 0", v)
			}
			nll -= float64(v)
		}
	}
	want := math.Exp(nll / float64(3*9))

	ppl, err := m.Perplexity(context.Background(), seqs, 2)
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	if math.Abs(ppl-want) > 1e-3*want {
		t.Fatalf("perplexity %f want %f", ppl, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Perplexity(ctx, seqs, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLogitsIgnoreFutureTokens(t *testing.T) {
	t.Parallel()

	m, err := toy.GPT2(7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a := []int{1, 2, 3, 4, 5}
	b := []int{1, 2, 3, 9, 9}
	la := logits(t, m, [][]int{a})
	lb := logits(t, m, [][]int{b})
	for pos := range 3 {
		ra, rb := la.Row(pos), lb.Row(pos)
		for j := range ra {
			if math.Abs(float64(ra[j]-rb[j])) > 1e-5 {
				t.Fatalf("position %d depends on later tokens", pos)
			}
		}
	}
}

func packAll(t *testing.T, m *model.Model, cfg quant.Config) {
	t.Helper()
	for _, l := range m.Linears() {
		qt, err := l.Pack(cfg)
		if err != nil {
			t.Fatalf("pack %s: %v", l.Name, err)
		}
		l.Commit(qt)
	}
	m.Quant = &cfg
}

func TestSaveQuantizedRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		cfg model.Config
		q   quant.Config
	}{
		{toy.GPT2Config(), quant.Config{Bits: 4, GroupSize: 16, ZeroPoint: true}},
		{toy.LlamaConfig(), quant.Config{Bits: 3, GroupSize: 32, ZeroPoint: false}},
		{toy.LlamaConfig(), quant.Config{Bits: 4, GroupSize: 16, ZeroPoint: true, Layout: quant.LayoutGEMM}},
	} {
		t.Run(tc.cfg.Arch+"/"+string(tc.q.PackLayout()), func(t *testing.T) {
			t.Parallel()
			m, err := toy.New(tc.cfg, 11)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			path := filepath.Join(t.TempDir(), "model.mcf")
			if err := m.SaveQuantized(path); !errors.Is(err, model.ErrNotQuantized) {
				t.Fatalf("expected ErrNotQuantized, got %v", err)
			}

			packAll(t, m, tc.q)
			if _, err := m.Tensors(); !errors.Is(err, nn.ErrPacked) {
				t.Fatalf("expected ErrPacked from float export, got %v", err)
			}
			if err := m.SaveQuantized(path); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := model.LoadQuantized(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			q := got.Quant
			if q == nil || q.Bits != tc.q.Bits || q.GroupSize != tc.q.GroupSize || q.ZeroPoint != tc.q.ZeroPoint || q.PackLayout() != tc.q.PackLayout() {
				t.Fatalf("quant config = %+v", q)
			}
			for i, l := range got.Linears() {
				want := m.Linears()[i].Q
				if l.Q.Rows != want.Rows || l.Q.Cols != want.Cols || string(l.Q.Data) != string(want.Data) {
					t.Fatalf("%s: packed weight differs", l.Name)
				}
			}
			seqs := toy.Tokens(2, 6, tc.cfg.Vocab, 2)
			assertClose(t, logits(t, got, seqs), logits(t, m, seqs), 1e-4)
		})
	}
}
