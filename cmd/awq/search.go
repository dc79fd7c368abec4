package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/adapter"
	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/metrics"
)

func searchCmd() *cli.Command {
	flags := modelFlags("Hugging Face model directory (config.json + safetensors)")
	flags = append(flags, outFlag("search artifact path (default ./out/<model>.awq.json)"))
	flags = append(flags, quantFlags()...)
	flags = append(flags, calibFlags()...)
	flags = append(flags, searchFlags()...)

	return &cli.Command{
		Name:  "search",
		Usage: "Calibrate and write per-layer scale and clip records",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantConfig(cmd, fileConfig)
			applyCalibConfig(cmd, fileConfig)
			applySearchConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)

			p, err := newPipeline(ctx)
			if err != nil {
				return err
			}
			data, err := loadCalibration()
			if err != nil {
				return err
			}
			out, err := resolveOut(modelPath, outPath, ".awq.json")
			if err != nil {
				return err
			}

			start := time.Now()
			art, err := p.Search(ctx, data)
			if err != nil {
				return err
			}
			if err := art.Save(out); err != nil {
				return err
			}
			log.Info("search artifact written", "path", out, "scale_records", len(art.Scale),
				"clip_records", len(art.Clip), "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// newPipeline loads the model named by --model and wires the pipeline from
// the current flags.
func newPipeline(ctx context.Context) (*awq.Pipeline, error) {
	cfg, err := quantConfig()
	if err != nil {
		return nil, err
	}
	opts, err := searchOptions()
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	m, a, err := adapter.Load(modelPath)
	if err != nil {
		return nil, err
	}
	log.Info("model loaded", "path", modelPath, "arch", a.Name(), "layers", len(m.Layers),
		"hidden", m.Config.Hidden)
	return &awq.Pipeline{
		Model:   m,
		Adapter: a,
		Config:  cfg,
		Options: opts,
		Log:     log,
		Metrics: metrics.NewPipeline(prometheus.NewRegistry()),
	}, nil
}
