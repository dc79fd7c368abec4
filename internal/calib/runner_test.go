package calib

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/internal/toy"
)

type stager struct{}

func (stager) Layers(m *model.Model) []*model.Layer       { return m.Layers }
func (stager) MoveEmbed(m *model.Model, dev model.Device) { m.MoveEmbed(dev) }

const gpu model.Device = "gpu"

func newRunner(t *testing.T, opts Options) (*Runner, *model.Model) {
	t.Helper()
	m, err := toy.GPT2(1)
	if err != nil {
		t.Fatalf("toy: %v", err)
	}
	return &Runner{Model: m, Stager: stager{}, Options: opts}, m
}

func TestCollectCaptures(t *testing.T) {
	t.Parallel()

	r, m := newRunner(t, Options{SampleTokens: 20})
	data := toy.Tokens(4, 8, m.Config.Vocab, 3)
	caps, err := r.Collect(context.Background(), data)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(caps) != len(m.Layers) {
		t.Fatalf("got %d layers of captures, want %d", len(caps), len(m.Layers))
	}
	widths := map[string]int{
		"attn.c_attn": m.Config.Hidden,
		"attn.c_proj": m.Config.Hidden,
		"mlp.c_fc":    m.Config.Hidden,
		"mlp.c_proj":  m.Config.Intermediate,
	}
	for i, layer := range caps {
		if len(layer) != len(widths) {
			t.Fatalf("layer %d: %d captures", i, len(layer))
		}
		for key, w := range widths {
			c := layer[key]
			if c == nil {
				t.Fatalf("layer %d: missing %s", i, key)
			}
			if c.Width != w || len(c.AbsMean) != w || c.Sample.C != w {
				t.Fatalf("layer %d %s: width %d, absmean %d, sample %d, want %d", i, key, c.Width, len(c.AbsMean), c.Sample.C, w)
			}
			// 20 tokens round down to two whole sequences of 8.
			if c.Sequences() != 2 || c.Sample.R != 16 {
				t.Fatalf("layer %d %s: sample has %d rows", i, key, c.Sample.R)
			}
			for _, v := range c.AbsMean {
				if v < 0 || math.IsNaN(float64(v)) {
					t.Fatalf("layer %d %s: bad mean %v", i, key, v)
				}
			}
		}
	}
}

func TestCaptureStatistics(t *testing.T) {
	t.Parallel()

	c := newCapture("x", 2, 2, 2)
	a := tensor.NewMatFromData(2, 2, []float32{1, -2, -3, 4})
	b := tensor.NewMatFromData(2, 2, []float32{5, 0, -1, 2})
	c.observe(&a)
	c.observe(&b)
	c.finish()
	want := []float32{2.5, 2}
	for j, v := range c.AbsMean {
		if v != want[j] {
			t.Fatalf("absmean[%d] = %v, want %v", j, v, want[j])
		}
	}
	if c.Sample.R != 2 || c.Sample.Data[0] != 1 || c.Sample.Data[3] != 4 {
		t.Fatalf("sample = %v", c.Sample.Data)
	}
}

func TestRunStagesAndRestores(t *testing.T) {
	t.Parallel()

	r, m := newRunner(t, Options{Budget: Budget{Device: gpu}})
	data := toy.Tokens(2, 8, m.Config.Vocab, 4)
	visited := 0
	err := r.Run(context.Background(), data, func(_ context.Context, l *model.Layer, _ Captures, _ model.LayerKwargs) error {
		visited++
		if l.Device() != gpu {
			t.Errorf("layer %d on %s during visit", l.Index, l.Device())
		}
		if m.EmbedDevice() != model.CPU {
			t.Errorf("embeddings left on %s", m.EmbedDevice())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if visited != len(m.Layers) {
		t.Fatalf("visited %d layers", visited)
	}
	for _, l := range m.Layers {
		if l.Device() != model.CPU {
			t.Fatalf("layer %d not restored: %s", l.Index, l.Device())
		}
	}
}

func TestRunVisitorErrorRestoresDevice(t *testing.T) {
	t.Parallel()

	r, m := newRunner(t, Options{Budget: Budget{Device: gpu}})
	boom := errors.New("boom")
	err := r.Run(context.Background(), toy.Tokens(1, 8, m.Config.Vocab, 4),
		func(context.Context, *model.Layer, Captures, model.LayerKwargs) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if m.Layers[0].Device() != model.CPU {
		t.Fatalf("layer left on %s", m.Layers[0].Device())
	}
}

func TestBudgetHalvesChunks(t *testing.T) {
	t.Parallel()

	full, m := newRunner(t, Options{})
	data := toy.Tokens(4, 8, m.Config.Vocab, 6)
	want, err := full.Collect(context.Background(), data)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	l := m.Layers[0]
	perSeq := int64(8)*int64(m.Config.Hidden)*4*activationFactor + 8*8*4
	budget := l.Bytes() + 2*perSeq

	r, _ := newRunner(t, Options{Budget: Budget{Device: gpu, Bytes: budget}})
	chunk, err := r.chunkSize(l, m.Config.Hidden, 8, 4)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if chunk != 2 {
		t.Fatalf("chunk = %d, want 2", chunk)
	}
	got, err := r.Collect(context.Background(), data)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	for i := range want {
		for key, c := range want[i] {
			g := got[i][key]
			for j := range c.AbsMean {
				if math.Abs(float64(c.AbsMean[j]-g.AbsMean[j])) > 1e-5 {
					t.Fatalf("layer %d %s: chunked mean differs at %d", i, key, j)
				}
			}
		}
	}
}

func TestBudgetExhausted(t *testing.T) {
	t.Parallel()

	r, m := newRunner(t, Options{Budget: Budget{Device: gpu, Bytes: 1}})
	_, err := r.Collect(context.Background(), toy.Tokens(2, 8, m.Config.Vocab, 1))
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
	if m.Layers[0].Device() != model.CPU {
		t.Fatalf("layer left on %s", m.Layers[0].Device())
	}
}

func TestRunRejectsEmptyData(t *testing.T) {
	t.Parallel()

	r, _ := newRunner(t, Options{})
	if err := r.Run(context.Background(), nil, nil); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("err = %v, want ErrEmptyDataset", err)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	r, m := newRunner(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, toy.Tokens(1, 8, m.Config.Vocab, 1), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
