package awq

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/pkg/quant"
)

// Search grid defaults.
const (
	DefaultGrid      = 20
	DefaultMaxShrink = 0.5
)

// ClipOptions tunes the threshold grid.
type ClipOptions struct {
	Grid      int
	MaxShrink float64
}

func (o ClipOptions) withDefaults() ClipOptions {
	if o.Grid <= 0 {
		o.Grid = DefaultGrid
	}
	if o.MaxShrink <= 0 || o.MaxShrink >= 1 {
		o.MaxShrink = DefaultMaxShrink
	}
	return o
}

// SearchClip picks, for every output row and input group of l, the
// threshold c = max|w| * (1 - i/grid) that minimises the squared error
// between the clamped-and-quantized group and the original weights. Ties
// keep the larger threshold.
func SearchClip(ctx context.Context, l *nn.Linear, cfg quant.Config, opts ClipOptions) ([]float32, error) {
	if l.Packed() {
		return nil, fmt.Errorf("%s: %w", l.Name, nn.ErrPacked)
	}
	if err := cfg.CheckShape(l.Out(), l.In()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrShapeMismatch, l.Name, err)
	}
	opts = opts.withDefaults()
	w := &l.W
	gs := cfg.GroupSize
	groups := w.C / gs
	steps := int(opts.MaxShrink * float64(opts.Grid))
	out := make([]float32, w.R*groups)

	workers := runtime.GOMAXPROCS(0)
	per := (w.R + workers - 1) / workers
	eg, ctx := errgroup.WithContext(ctx)
	for start := 0; start < w.R; start += per {
		end := min(start+per, w.R)
		eg.Go(func() error {
			clamped := make([]float32, gs)
			q := make([]float32, gs)
			for r := start; r < end; r++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				row := w.Row(r)
				for g := range groups {
					grp := row[g*gs : (g+1)*gs]
					out[r*groups+g] = bestClip(grp, clamped, q, cfg, opts.Grid, steps)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func bestClip(grp, clamped, q []float32, cfg quant.Config, grid, steps int) float32 {
	mx := tensor.MaxAbs(grp)
	best := mx
	bestErr := -1.0
	for i := 0; i <= steps; i++ {
		c := mx * (1 - float32(i)/float32(grid))
		for j, v := range grp {
			clamped[j] = min(max(v, -c), c)
		}
		quant.PseudoQuantizeGroup(q, clamped, cfg.Bits, cfg.ZeroPoint)
		var e float64
		for j, v := range grp {
			d := float64(q[j]) - float64(v)
			e += d * d
		}
		if bestErr < 0 || e < bestErr {
			best, bestErr = c, e
		}
	}
	return best
}

// ApplyClip clamps l's weights to the thresholds in maxVal.
func ApplyClip(l *nn.Linear, maxVal []float32, groupSize int) error {
	if err := l.Clamp(maxVal, groupSize); err != nil {
		return fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return nil
}
