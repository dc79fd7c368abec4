package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/internal/logger"
)

func quantizeCmd() *cli.Command {
	var artifactPath string

	flags := modelFlags("Hugging Face model directory the artifact was searched on")
	flags = append(flags,
		&cli.StringFlag{
			Name:        "artifact",
			Aliases:     []string{"a"},
			Usage:       "search artifact written by `awq search`",
			Required:    true,
			Destination: &artifactPath,
		},
		outFlag("quantized model path (default ./out/<model>.mcf)"),
	)
	flags = append(flags, quantFlags()...)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Apply a search artifact, pack every linear and write a .mcf model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)

			art, err := awq.LoadArtifact(artifactPath)
			if err != nil {
				return err
			}
			// Quant flags left unset follow the artifact.
			if !cmd.IsSet("w-bit") {
				wBit = int64(art.Quant.Bits)
			}
			if !cmd.IsSet("q-group-size") {
				groupSize = int64(art.Quant.GroupSize)
			}
			if !cmd.IsSet("zero-point") {
				zeroPoint = art.Quant.ZeroPoint
			}
			if !cmd.IsSet("layout") && art.Quant.Layout != "" {
				layout = string(art.Quant.Layout)
			}
			p, err := newPipeline(ctx)
			if err != nil {
				return err
			}
			out, err := resolveOut(modelPath, outPath, ".mcf")
			if err != nil {
				return err
			}

			start := time.Now()
			if err := p.Quantize(ctx, art); err != nil {
				return err
			}
			if err := p.Model.SaveQuantized(out); err != nil {
				return err
			}
			log.Info("quantized model written", "path", out, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
