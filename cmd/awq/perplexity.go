package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/logger"
)

func perplexityCmd() *cli.Command {
	var (
		dataPath string
		batch    int64
		samples  int64
		length   int64
	)

	return &cli.Command{
		Name:  "perplexity",
		Usage: "Measure perplexity of a float or quantized model on tokenized text",
		Flags: append(modelFlags("model directory or quantized .mcf file"),
			&cli.StringFlag{
				Name:        "data",
				Usage:       "pre-tokenized evaluation data (.json, .jsonl or text)",
				Required:    true,
				Destination: &dataPath,
			},
			&cli.Int64Flag{
				Name:        "n-samples",
				Usage:       "sequences to evaluate (0 = all)",
				Destination: &samples,
			},
			&cli.Int64Flag{
				Name:        "seq-len",
				Usage:       "tokens per sequence",
				Value:       256,
				Destination: &length,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "sequences per forward pass",
				Value:       4,
				Destination: &batch,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			m, err := loadModel(modelPath)
			if err != nil {
				return err
			}
			seqs, err := calib.LoadDataset(dataPath, int(samples), int(length))
			if err != nil {
				return err
			}
			start := time.Now()
			ppl, err := m.Perplexity(ctx, seqs, int(batch))
			if err != nil {
				return err
			}
			log.Debug("perplexity done", "sequences", len(seqs), "elapsed", time.Since(start).Round(time.Millisecond))
			fmt.Printf("perplexity: %.4f (%d sequences x %d tokens)\n", ppl, len(seqs), length)
			return nil
		},
	}
}
