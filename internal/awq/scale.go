package awq

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/awq/internal/adapter"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/pkg/quant"
)

const minScale = 1e-4

// ScaleResult is the outcome of a scale search for one module group.
type ScaleResult struct {
	Scales []float32
	// Ratio is the selected strength in [0, 1). Zero means neutral.
	Ratio float64
	// Loss is the output MSE of the selected candidate.
	Loss float64
}

// Neutral returns an all-ones scale of width n.
func Neutral(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// candidateScales returns x^ratio clamped to minScale and normalised by
// sqrt(max*min).
func candidateScales(xmean []float32, ratio float64) []float32 {
	s := make([]float32, len(xmean))
	lo, hi := math.Inf(1), 0.0
	for j, v := range xmean {
		c := max(math.Pow(float64(v), ratio), minScale)
		s[j] = float32(c)
		lo = min(lo, c)
		hi = max(hi, c)
	}
	norm := math.Sqrt(hi * lo)
	for j := range s {
		s[j] = float32(float64(s[j]) / norm)
	}
	return s
}

// scaledPseudoQuant returns PseudoQuantize(W * s) / s for an [out, in] weight.
func scaledPseudoQuant(w *tensor.Mat, s []float32, cfg quant.Config) (*tensor.Mat, error) {
	out := w.Clone()
	for r := range out.R {
		row := out.Row(r)
		for j := range row {
			row[j] *= s[j]
		}
	}
	if err := quant.PseudoQuantize(out.Data, out.Data, out.R, out.C, cfg); err != nil {
		return nil, err
	}
	for r := range out.R {
		row := out.Row(r)
		for j := range row {
			row[j] /= s[j]
		}
	}
	return &out, nil
}

// SearchScale evaluates grid candidates for g and returns the one whose
// simulated quantized output is closest to the float output on the group's
// calibration sample. Candidates run in parallel; ties keep the candidate
// nearest to neutral.
func SearchScale(ctx context.Context, g adapter.ModuleGroup, cfg quant.Config, grid int) (ScaleResult, error) {
	if grid <= 0 {
		grid = DefaultGrid
	}
	if g.Input == nil || g.Input.Sample.R == 0 {
		return ScaleResult{}, fmt.Errorf("group %s: no calibration sample", g.InputKey)
	}
	xmean := g.Input.AbsMean
	for _, l := range g.Layers {
		if l.Packed() {
			return ScaleResult{}, fmt.Errorf("%s: %w", l.Name, nn.ErrPacked)
		}
		if l.In() != len(xmean) {
			return ScaleResult{}, fmt.Errorf("%w: %s has %d inputs, capture %q has %d channels",
				ErrShapeMismatch, l.Name, l.In(), g.InputKey, len(xmean))
		}
		if err := cfg.CheckShape(l.Out(), l.In()); err != nil {
			return ScaleResult{}, fmt.Errorf("%w: %s: %w", ErrShapeMismatch, l.Name, err)
		}
	}

	x := g.Input.Sample
	ref, err := g.Output(&x, nil)
	if err != nil {
		return ScaleResult{}, err
	}

	losses := make([]float64, grid)
	scales := make([][]float32, grid)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range grid {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := candidateScales(xmean, float64(i)/float64(grid))
			view := make(nn.WeightView, len(g.Layers))
			for _, l := range g.Layers {
				w, err := scaledPseudoQuant(l.Weight(), s, cfg)
				if err != nil {
					return fmt.Errorf("%s: %w", l.Name, err)
				}
				view[l] = w
			}
			out, err := g.Output(&x, view)
			if err != nil {
				return err
			}
			losses[i] = tensor.MSE(&out, &ref)
			scales[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return ScaleResult{}, err
	}

	best := -1
	bestLoss := math.Inf(1)
	for i, l := range losses {
		if l < bestLoss {
			best, bestLoss = i, l
		}
	}
	if best < 0 {
		return ScaleResult{Scales: Neutral(len(xmean)), Loss: math.NaN()}, nil
	}
	return ScaleResult{
		Scales: scales[best],
		Ratio:  float64(best) / float64(grid),
		Loss:   bestLoss,
	}, nil
}

// ApplyScale divides prev's output channels by s and multiplies the input
// columns of every target by s. The composed function is unchanged.
func ApplyScale(prev nn.ScaleAbsorber, targets []*nn.Linear, s []float32) error {
	if prev.Width() != len(s) {
		return fmt.Errorf("%w: %s has width %d, scale has %d", ErrShapeMismatch, prev.OpName(), prev.Width(), len(s))
	}
	for _, l := range targets {
		if l.In() != len(s) {
			return fmt.Errorf("%w: %s has %d inputs, scale has %d", ErrShapeMismatch, l.Name, l.In(), len(s))
		}
	}
	if err := prev.AbsorbScales(s); err != nil {
		return err
	}
	for _, l := range targets {
		if err := l.ScaleInputs(s); err != nil {
			return err
		}
	}
	return nil
}
