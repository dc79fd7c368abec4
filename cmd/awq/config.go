package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the awq configuration file (~/.config/awq/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Quant struct {
		WBit      *int64 `yaml:"w_bit"`
		GroupSize *int64 `yaml:"q_group_size"`
		ZeroPoint *bool  `yaml:"zero_point"`
		Layout    string `yaml:"layout"`
	} `yaml:"quant"`

	Calib struct {
		Path         string `yaml:"path"`
		Samples      *int64 `yaml:"n_samples"`
		SeqLen       *int64 `yaml:"seq_len"`
		SampleTokens *int64 `yaml:"sample_tokens"`
		Budget       string `yaml:"budget"`
		Device       string `yaml:"device"`
	} `yaml:"calib"`

	Search struct {
		Grid      *int64   `yaml:"grid"`
		ClipGrid  *int64   `yaml:"clip_grid"`
		MaxShrink *float64 `yaml:"max_shrink"`
		NoClip    *bool    `yaml:"no_clip"`
	} `yaml:"search"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "awq", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantConfig applies config file defaults to the quant flags when the
// corresponding flag was not set explicitly.
func applyQuantConfig(c *cli.Command, cfg Config) {
	q := cfg.Quant
	if q.WBit != nil && !c.IsSet("w-bit") {
		wBit = *q.WBit
	}
	if q.GroupSize != nil && !c.IsSet("q-group-size") {
		groupSize = *q.GroupSize
	}
	if q.ZeroPoint != nil && !c.IsSet("zero-point") {
		zeroPoint = *q.ZeroPoint
	}
	if q.Layout != "" && !c.IsSet("layout") {
		layout = q.Layout
	}
}

func applyCalibConfig(c *cli.Command, cfg Config) {
	k := cfg.Calib
	if k.Path != "" && !c.IsSet("calib") {
		calibPath = k.Path
	}
	if k.Samples != nil && !c.IsSet("n-samples") {
		nSamples = *k.Samples
	}
	if k.SeqLen != nil && !c.IsSet("seq-len") {
		seqLen = *k.SeqLen
	}
	if k.SampleTokens != nil && !c.IsSet("sample-tokens") {
		sampleTokens = *k.SampleTokens
	}
	if k.Budget != "" && !c.IsSet("budget") {
		budget = k.Budget
	}
	if k.Device != "" && !c.IsSet("device") {
		device = k.Device
	}
}

func applySearchConfig(c *cli.Command, cfg Config) {
	s := cfg.Search
	if s.Grid != nil && !c.IsSet("grid") {
		scaleGrid = *s.Grid
	}
	if s.ClipGrid != nil && !c.IsSet("clip-grid") {
		clipGrid = *s.ClipGrid
	}
	if s.MaxShrink != nil && !c.IsSet("max-shrink") {
		maxShrink = *s.MaxShrink
	}
	if s.NoClip != nil && !c.IsSet("no-clip") {
		noClip = *s.NoClip
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
