package main

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/pkg/quant"
)

var (
	configFile string
	fileConfig Config

	logLevel  string
	logFormat string
	debug     bool

	modelPath string
	outPath   string

	wBit      int64
	groupSize int64
	zeroPoint bool
	layout    string

	calibPath    string
	nSamples     int64
	seqLen       int64
	sampleTokens int64
	budget       string
	device       string

	scaleGrid int64
	clipGrid  int64
	maxShrink float64
	noClip    bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func modelFlags(usage string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       usage,
			Required:    true,
			Destination: &modelPath,
		},
	}
}

func outFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:        "out",
		Aliases:     []string{"o"},
		Usage:       usage,
		Destination: &outPath,
	}
}

func quantFlags() []cli.Flag {
	def := quant.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "w-bit",
			Usage:       "weight bit width (2..8)",
			Value:       int64(def.Bits),
			Destination: &wBit,
		},
		&cli.Int64Flag{
			Name:        "q-group-size",
			Usage:       "input channels per quantization group",
			Value:       int64(def.GroupSize),
			Destination: &groupSize,
		},
		&cli.BoolFlag{
			Name:        "zero-point",
			Usage:       "asymmetric quantization with a per-group zero point",
			Value:       def.ZeroPoint,
			Destination: &zeroPoint,
		},
		&cli.StringFlag{
			Name:        "layout",
			Usage:       "packed layout (bitstream, gemm)",
			Value:       string(def.Layout),
			Destination: &layout,
		},
	}
}

func calibFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "calib",
			Usage:       "pre-tokenized calibration data (.json, .jsonl or whitespace-separated text)",
			Destination: &calibPath,
		},
		&cli.Int64Flag{
			Name:        "n-samples",
			Usage:       "calibration sequences to keep",
			Value:       32,
			Destination: &nSamples,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Usage:       "tokens per calibration sequence",
			Value:       256,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "sample-tokens",
			Usage:       "activation rows kept per capture for the scale search",
			Value:       calib.DefaultSampleTokens,
			Destination: &sampleTokens,
		},
		&cli.StringFlag{
			Name:        "budget",
			Usage:       "memory available while a layer is calibrated, e.g. 4GiB (empty = unlimited)",
			Destination: &budget,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device layers are staged on while calibrated",
			Value:       string(model.CPU),
			Destination: &device,
		},
	}
}

func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "grid",
			Usage:       "scale candidates per module group",
			Value:       awq.DefaultGrid,
			Destination: &scaleGrid,
		},
		&cli.Int64Flag{
			Name:        "clip-grid",
			Usage:       "clip threshold grid resolution",
			Value:       awq.DefaultGrid,
			Destination: &clipGrid,
		},
		&cli.Float64Flag{
			Name:        "max-shrink",
			Usage:       "largest fraction a clip threshold may shrink below max|w|",
			Value:       awq.DefaultMaxShrink,
			Destination: &maxShrink,
		},
		&cli.BoolFlag{
			Name:        "no-clip",
			Usage:       "skip the clip search",
			Destination: &noClip,
		},
	}
}

func quantConfig() (quant.Config, error) {
	cfg := quant.Config{
		Bits:      int(wBit),
		GroupSize: int(groupSize),
		ZeroPoint: zeroPoint,
		Layout:    quant.Layout(strings.ToLower(layout)),
	}
	return cfg, cfg.Validate()
}

func parseBudget(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("--budget: %w", err)
	}
	return n, nil
}

func searchOptions() (awq.Options, error) {
	b, err := parseBudget(budget)
	if err != nil {
		return awq.Options{}, err
	}
	opts := awq.DefaultOptions()
	opts.ScaleGrid = int(scaleGrid)
	opts.Clip = awq.ClipOptions{Grid: int(clipGrid), MaxShrink: maxShrink}
	opts.NoClip = noClip
	opts.Calib = calib.Options{
		Budget:       calib.Budget{Device: model.Device(device), Bytes: b},
		SampleTokens: int(sampleTokens),
	}
	return opts, nil
}

func loadCalibration() ([][]int, error) {
	if calibPath == "" {
		return nil, fmt.Errorf("--calib is required")
	}
	return calib.LoadDataset(calibPath, int(nSamples), int(seqLen))
}
