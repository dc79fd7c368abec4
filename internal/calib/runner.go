package calib

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/tensor"
)

// ErrResourceExhausted is returned when not even a single sequence fits the
// calibration budget.
var ErrResourceExhausted = errors.New("calibration budget exhausted")

// activationFactor approximates how many hidden-width activations of one
// token are live at once inside a block.
const activationFactor = 8

// DefaultSampleTokens bounds the rows kept per capture for candidate
// evaluation.
const DefaultSampleTokens = 2048

// Budget is the memory available on the device layers are staged to while
// they are calibrated. Bytes <= 0 means unlimited.
type Budget struct {
	Device model.Device
	Bytes  int64
}

func (b Budget) device() model.Device {
	if b.Device == "" {
		return model.CPU
	}
	return b.Device
}

// Stager exposes the layer order and embedding placement of a model family.
type Stager interface {
	Layers(m *model.Model) []*model.Layer
	MoveEmbed(m *model.Model, dev model.Device)
}

type Options struct {
	Budget Budget
	// SampleTokens caps the rows kept in each Capture.Sample. It is rounded
	// down to whole sequences, with at least one.
	SampleTokens int
}

// Visitor is called once per layer with that layer's captures. Any scale
// changes it makes to the layer are seen by later layers.
type Visitor func(ctx context.Context, l *model.Layer, in Captures, kw model.LayerKwargs) error

// Runner executes the layer-at-a-time calibration pass.
type Runner struct {
	Model   *model.Model
	Stager  Stager
	Options Options
	Log     logger.Logger
}

func (r *Runner) log() logger.Logger {
	if r.Log == nil {
		return logger.Default()
	}
	return r.Log
}

// Run feeds data through every layer in order. For each layer it records
// the captures, calls visit, then recomputes the layer output with the
// layer's current weights as input for the next layer. Only one layer's
// activations are resident at a time.
func (r *Runner) Run(ctx context.Context, data [][]int, visit Visitor) error {
	if len(data) == 0 {
		return ErrEmptyDataset
	}
	dev := r.Options.Budget.device()
	m := r.Model

	home := m.EmbedDevice()
	r.Stager.MoveEmbed(m, dev)
	x, kw, err := m.EmbedTokens(data)
	r.Stager.MoveEmbed(m, home)
	if err != nil {
		return fmt.Errorf("embed calibration data: %w", err)
	}

	for _, l := range r.Stager.Layers(m) {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, err = r.layer(ctx, l, &x, kw, len(data), visit)
		if err != nil {
			return fmt.Errorf("layer %d: %w", l.Index, err)
		}
	}
	return nil
}

// Collect runs calibration without modifying the model and returns the
// captures of every layer.
func (r *Runner) Collect(ctx context.Context, data [][]int) ([]Captures, error) {
	var out []Captures
	err := r.Run(ctx, data, func(_ context.Context, _ *model.Layer, in Captures, _ model.LayerKwargs) error {
		out = append(out, in)
		return nil
	})
	return out, err
}

func (r *Runner) layer(ctx context.Context, l *model.Layer, x *tensor.Mat, kw model.LayerKwargs, nSeq int, visit Visitor) (tensor.Mat, error) {
	home := l.Device()
	l.MoveTo(r.Options.Budget.device())
	defer l.MoveTo(home)

	chunk, err := r.chunkSize(l, x.C, kw.SeqLen, nSeq)
	if err != nil {
		return tensor.Mat{}, err
	}

	sampleSeqs := max(1, r.sampleTokens()/kw.SeqLen)
	caps := make(Captures)
	hook := func(key string, a *tensor.Mat) {
		c, ok := caps[key]
		if !ok {
			c = newCapture(key, a.C, kw.SeqLen, sampleSeqs*kw.SeqLen)
			caps[key] = c
		}
		c.observe(a)
	}
	if _, err := r.forward(l, x, kw, chunk, hook); err != nil {
		return tensor.Mat{}, err
	}
	for _, c := range caps {
		c.finish()
	}
	r.log().Debug("layer captured", "layer", l.Index, "captures", len(caps), "chunk", chunk)

	if visit != nil {
		if err := visit(ctx, l, caps, kw); err != nil {
			return tensor.Mat{}, err
		}
	}
	return r.forward(l, x, kw, chunk, nil)
}

// forward runs the layer over x in chunks of whole sequences.
func (r *Runner) forward(l *model.Layer, x *tensor.Mat, kw model.LayerKwargs, chunk int, hook model.CaptureHook) (tensor.Mat, error) {
	rowsPer := chunk * kw.SeqLen
	var parts []tensor.Mat
	for start := 0; start < x.R; start += rowsPer {
		v := x.Rows(start, min(start+rowsPer, x.R))
		out, err := l.Forward(&v, kw, hook)
		if err != nil {
			return tensor.Mat{}, err
		}
		parts = append(parts, out)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return tensor.Concat(parts...), nil
}

// chunkSize returns how many sequences to run per forward call, halving
// from the full set until the estimate fits the budget.
func (r *Runner) chunkSize(l *model.Layer, width, seqLen, nSeq int) (int, error) {
	b := r.Options.Budget
	if b.Bytes <= 0 {
		return nSeq, nil
	}
	weights := l.Bytes()
	estimate := func(n int) int64 {
		act := int64(n) * int64(seqLen) * int64(width) * 4 * activationFactor
		attn := int64(n) * int64(seqLen) * int64(seqLen) * 4
		return weights + act + attn
	}
	chunk := nSeq
	for chunk > 1 && estimate(chunk) > b.Bytes {
		chunk /= 2
	}
	if estimate(chunk) > b.Bytes {
		return 0, fmt.Errorf("%w: layer %d needs %d bytes for one sequence, budget %d on %s",
			ErrResourceExhausted, l.Index, estimate(1), b.Bytes, b.device())
	}
	if chunk < nSeq {
		r.log().Debug("calibration chunk reduced", "layer", l.Index, "chunk", chunk, "sequences", nSeq)
	}
	return chunk, nil
}

func (r *Runner) sampleTokens() int {
	if r.Options.SampleTokens <= 0 {
		return DefaultSampleTokens
	}
	return r.Options.SampleTokens
}
