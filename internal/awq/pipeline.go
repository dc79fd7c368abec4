package awq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/awq/internal/adapter"
	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/metrics"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/pkg/quant"
)

// DefaultClipSkip names linears whose outputs feed the attention scores.
// Clipping them shifts the softmax more than it saves in weight error.
var DefaultClipSkip = []string{".q_proj", ".k_proj", ".c_attn"}

// Options tunes the search.
type Options struct {
	// ScaleGrid is the number of scale candidates per group.
	ScaleGrid int
	Clip      ClipOptions
	// ClipSkip lists name suffixes of linears that are never clipped.
	ClipSkip []string
	// NoClip disables the clip search entirely.
	NoClip bool
	Calib  calib.Options
}

func DefaultOptions() Options {
	return Options{
		ScaleGrid: DefaultGrid,
		Clip:      ClipOptions{Grid: DefaultGrid, MaxShrink: DefaultMaxShrink},
		ClipSkip:  DefaultClipSkip,
	}
}

func (o Options) skipClip(name string) bool {
	for _, s := range o.ClipSkip {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Pipeline drives search and quantization over a model one decoder layer at
// a time.
type Pipeline struct {
	Model   *model.Model
	Adapter adapter.Adapter
	Config  quant.Config
	Options Options
	Log     logger.Logger
	// Metrics may be nil.
	Metrics *metrics.Pipeline
}

func (p *Pipeline) log() logger.Logger {
	if p.Log == nil {
		return logger.Default()
	}
	return p.Log
}

func (p *Pipeline) check() error {
	if p.Model == nil || p.Adapter == nil {
		return errors.New("awq: pipeline needs a model and an adapter")
	}
	return p.Config.Validate()
}

// Search calibrates on data and returns the scale and clip records for every
// layer. The model's float weights are left scaled and clipped; nothing is
// packed.
func (p *Pipeline) Search(ctx context.Context, data [][]int) (*Artifact, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	m := p.Model
	for _, l := range m.Linears() {
		if l.Packed() {
			return nil, fmt.Errorf("%s: %w", l.Name, nn.ErrPacked)
		}
	}

	art := &Artifact{
		Version: ArtifactVersion,
		Arch:    m.Config.Arch,
		Layers:  len(m.Layers),
		Quant:   p.Config,
		Scale:   []ScaleRecord{},
		Clip:    []ClipRecord{},
	}
	p.log().Info("search started", "arch", art.Arch, "layers", art.Layers, "sequences", len(data),
		"w_bit", p.Config.Bits, "group_size", p.Config.GroupSize)
	start := time.Now()

	runner := &calib.Runner{
		Model:   m,
		Stager:  p.Adapter,
		Options: p.Options.Calib,
		Log:     p.Log,
	}
	err := runner.Run(ctx, data, func(ctx context.Context, l *model.Layer, in calib.Captures, kw model.LayerKwargs) error {
		t := time.Now()
		scales, clips, err := p.searchLayer(ctx, l, in, kw)
		if err != nil {
			return err
		}
		art.Scale = append(art.Scale, scales...)
		art.Clip = append(art.Clip, clips...)
		p.Metrics.Layer("search", time.Since(t))
		p.log().Debug("layer searched", "layer", l.Index, "groups", len(scales), "clipped", len(clips),
			"elapsed", time.Since(t))
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log().Info("search finished", "scale_records", len(art.Scale), "clip_records", len(art.Clip),
		"elapsed", time.Since(start))
	return art, nil
}

// searchLayer computes every group's scale from the layer's original
// captures, applies them together, then searches and applies clipping. On
// failure the layer is restored.
func (p *Pipeline) searchLayer(ctx context.Context, l *model.Layer, in calib.Captures, kw model.LayerKwargs) (scales []ScaleRecord, clips []ClipRecord, err error) {
	release := l.Borrow()
	defer release()

	snap := nn.Take(l.Block.Modules()...)
	defer func() {
		if err != nil {
			snap.Restore()
			p.Metrics.Rollback("search")
			p.log().Warn("layer restored", "layer", l.Index, "phase", "search", "error", err)
		}
	}()

	groups, err := p.Adapter.LayersForScaling(l.Block, in, kw)
	if err != nil {
		return nil, nil, err
	}
	act := p.Adapter.ActForScaling(l.Block)
	if err := checkAct(act, groups); err != nil {
		return nil, nil, err
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var res ScaleResult
		if a, ok := g.Prev.(*nn.Activation); ok && (!act.IsScalable || act.Op != a) {
			res = ScaleResult{Scales: Neutral(g.Prev.Width())}
			p.log().Debug("activation not scalable", "layer", l.Index, "group", i, "prev", a.Name)
		} else {
			res, err = SearchScale(ctx, g, p.Config, p.Options.ScaleGrid)
			if err != nil {
				return nil, nil, fmt.Errorf("scale %s: %w", g.Prev.OpName(), err)
			}
			p.Metrics.Group(res.Ratio, res.Loss)
			p.log().Debug("scale selected", "layer", l.Index, "group", i, "prev", g.Prev.OpName(),
				"ratio", res.Ratio, "loss", res.Loss)
		}
		scales = append(scales, ScaleRecord{
			Layer:   l.Index,
			Prev:    g.Prev.OpName(),
			Targets: g.Targets(),
			Scales:  res.Scales,
		})
	}
	for i, g := range groups {
		if err := ApplyScale(g.Prev, g.Layers, scales[i].Scales); err != nil {
			return nil, nil, err
		}
	}

	if p.Options.NoClip {
		return scales, nil, nil
	}
	for _, lin := range l.Block.Linears() {
		if p.Options.skipClip(lin.Name) {
			continue
		}
		maxVal, err := SearchClip(ctx, lin, p.Config, p.Options.Clip)
		if err != nil {
			return nil, nil, fmt.Errorf("clip %s: %w", lin.Name, err)
		}
		if err := ApplyClip(lin, maxVal, p.Config.GroupSize); err != nil {
			return nil, nil, err
		}
		clips = append(clips, ClipRecord{
			Layer:     l.Index,
			Target:    lin.Name,
			GroupSize: p.Config.GroupSize,
			MaxVal:    maxVal,
		})
	}
	return scales, clips, nil
}

// checkAct verifies a scalable activation against the linear feeding it,
// whose width the activation was built with, and the linears consuming it.
func checkAct(act adapter.ScalableAct, groups []adapter.ModuleGroup) error {
	if !act.IsScalable {
		return nil
	}
	if act.Op == nil {
		return fmt.Errorf("%w: scalable activation %q has no op", ErrShapeMismatch, act.Name)
	}
	if act.Shape != act.Op.Width() {
		return fmt.Errorf("%w: %s scale shape %d, activation width %d", ErrShapeMismatch, act.Op.Name, act.Shape, act.Op.Width())
	}
	for _, g := range groups {
		if g.Prev != nn.ScaleAbsorber(act.Op) {
			continue
		}
		for _, lin := range g.Layers {
			if lin.In() != act.Shape {
				return fmt.Errorf("%w: %s scale shape %d, %s takes %d inputs", ErrShapeMismatch, act.Op.Name, act.Shape, lin.Name, lin.In())
			}
		}
	}
	return nil
}

// Quantize applies art to the float model and packs every decoder linear.
// The artifact is validated in full before any layer is touched. A layer
// that fails is restored; layers before it stay packed.
func (p *Pipeline) Quantize(ctx context.Context, art *Artifact) error {
	if err := p.check(); err != nil {
		return err
	}
	pl, err := art.bind(p.Model)
	if err != nil {
		return err
	}
	if err := p.checkShapes(); err != nil {
		return err
	}
	if art.Quant != p.Config {
		p.log().Info("artifact searched under a different quant config",
			"artifact_w_bit", art.Quant.Bits, "artifact_group_size", art.Quant.GroupSize,
			"w_bit", p.Config.Bits, "group_size", p.Config.GroupSize)
	}
	p.log().Info("quantize started", "layers", len(p.Model.Layers), "scale_records", len(art.Scale),
		"clip_records", len(art.Clip))
	start := time.Now()
	for _, l := range p.Adapter.Layers(p.Model) {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := time.Now()
		if err := p.quantizeLayer(l, pl.scales[l.Index], pl.clips[l.Index]); err != nil {
			return fmt.Errorf("layer %d: %w", l.Index, err)
		}
		p.Metrics.Layer("quantize", time.Since(t))
		p.log().Debug("layer quantized", "layer", l.Index, "elapsed", time.Since(t))
	}
	cfg := p.Config
	p.Model.Quant = &cfg
	p.log().Info("quantize finished", "elapsed", time.Since(start))
	return nil
}

// Pack packs the model's current float weights without applying any
// records. Used after Search, whose records are already in the weights.
func (p *Pipeline) Pack(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.checkShapes(); err != nil {
		return err
	}
	start := time.Now()
	for _, l := range p.Adapter.Layers(p.Model) {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := time.Now()
		if err := p.quantizeLayer(l, nil, nil); err != nil {
			return fmt.Errorf("layer %d: %w", l.Index, err)
		}
		p.Metrics.Layer("pack", time.Since(t))
	}
	cfg := p.Config
	p.Model.Quant = &cfg
	p.log().Info("pack finished", "elapsed", time.Since(start))
	return nil
}

// Run searches on data and packs the result in one pass.
func (p *Pipeline) Run(ctx context.Context, data [][]int) (*Artifact, error) {
	art, err := p.Search(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := p.Pack(ctx); err != nil {
		return nil, err
	}
	return art, nil
}

func (p *Pipeline) checkShapes() error {
	for _, l := range p.Model.Linears() {
		if l.Packed() {
			return fmt.Errorf("%s: %w", l.Name, nn.ErrPacked)
		}
		if err := p.Config.CheckShape(l.Out(), l.In()); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrShapeMismatch, l.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) quantizeLayer(l *model.Layer, scales []resolvedScale, clips []resolvedClip) (err error) {
	release := l.Borrow()
	defer release()

	snap := nn.Take(l.Block.Modules()...)
	defer func() {
		if err != nil {
			snap.Restore()
			p.Metrics.Rollback("quantize")
			p.log().Warn("layer restored", "layer", l.Index, "phase", "quantize", "error", err)
		}
	}()

	for _, s := range scales {
		if err := ApplyScale(s.prev, s.targets, s.rec.Scales); err != nil {
			return err
		}
	}
	for _, c := range clips {
		if err := ApplyClip(c.target, c.rec.MaxVal, c.rec.GroupSize); err != nil {
			return err
		}
	}

	lins := l.Block.Linears()
	packed := make([]*quant.Tensor, len(lins))
	for i, lin := range lins {
		qt, err := lin.Pack(p.Config)
		if err != nil {
			return err
		}
		packed[i] = qt
	}
	for i, lin := range lins {
		lin.Commit(packed[i])
	}
	return nil
}
