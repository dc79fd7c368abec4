package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/server"
)

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		rateLimit    float64
		burst        int64
		maxSequences int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve per-token log-probabilities of a float or quantized model",
		Flags: append(modelFlags("model directory or quantized .mcf file"),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "rate limiter burst",
				Value:       4,
				Destination: &burst,
			},
			&cli.Int64Flag{
				Name:        "max-sequences",
				Usage:       "sequences accepted per request",
				Value:       64,
				Destination: &maxSequences,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr)
			log := logger.FromContext(ctx)

			m, err := loadModel(modelPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv := server.New(m, server.Info{
				Arch:        m.Config.Arch,
				Vocab:       m.Config.Vocab,
				MaxPosition: m.Config.MaxPosition,
				Quant:       m.Quant,
			}, server.Options{
				MaxSequences: int(maxSequences),
				RateLimit:    rateLimit,
				Burst:        int(burst),
			}, reg, log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			log.Info("starting server", "address", addr, "arch", m.Config.Arch, "quantized", m.Quant != nil)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
