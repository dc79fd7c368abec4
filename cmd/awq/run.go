package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/logger"
)

func runCmd() *cli.Command {
	var artifactPath string

	flags := modelFlags("Hugging Face model directory (config.json + safetensors)")
	flags = append(flags,
		outFlag("quantized model path (default ./out/<model>.mcf)"),
		&cli.StringFlag{
			Name:        "artifact",
			Usage:       "also write the search artifact to this path",
			Destination: &artifactPath,
		},
	)
	flags = append(flags, quantFlags()...)
	flags = append(flags, calibFlags()...)
	flags = append(flags, searchFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Search and quantize in one pass",
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
			out, err := resolveOut(modelPath, outPath, ".mcf")
			if err != nil {
				return err
			}

			start := time.Now()
			art, err := p.Run(ctx, data)
			if err != nil {
				return err
			}
			if artifactPath != "" {
				if err := art.Save(artifactPath); err != nil {
					return err
				}
				log.Info("search artifact written", "path", artifactPath)
			}
			if err := p.Model.SaveQuantized(out); err != nil {
				return err
			}
			log.Info("quantized model written", "path", out, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
