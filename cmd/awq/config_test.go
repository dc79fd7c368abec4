package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log_level: debug
quant:
  w_bit: 3
  q_group_size: 64
  zero_point: false
calib:
  budget: 2GiB
search:
  grid: 10
  max_shrink: 0.25
server_address: 0.0.0.0:9000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if cfg.Quant.WBit == nil || *cfg.Quant.WBit != 3 || cfg.Quant.ZeroPoint == nil || *cfg.Quant.ZeroPoint {
		t.Fatalf("unexpected quant section: %+v", cfg.Quant)
	}
	if cfg.Calib.Budget != "2GiB" || cfg.Calib.Samples != nil {
		t.Fatalf("unexpected calib section: %+v", cfg.Calib)
	}
	if cfg.Search.MaxShrink == nil || *cfg.Search.MaxShrink != 0.25 || cfg.Search.NoClip != nil {
		t.Fatalf("unexpected search section: %+v", cfg.Search)
	}
}

func TestLoadConfigMissingAndMalformed(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if cfg.Quant.WBit != nil || cfg.LogLevel != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
	if _, err := LoadConfig(""); err != nil {
		t.Fatalf("empty path should not be an error: %v", err)
	}
	if _, err := LoadConfig(writeConfig(t, "quant: [1, 2")); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

// The apply helpers write package flag variables, so these tests are serial.
func TestApplyConfigRespectsFlags(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
quant:
  w_bit: 3
  q_group_size: 64
search:
  grid: 10
  no_clip: true
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	var seen bool
	flags := append(quantFlags(), searchFlags()...)
	cmd := &cli.Command{
		Name:  "probe",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyQuantConfig(c, cfg)
			applySearchConfig(c, cfg)
			seen = true
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"probe", "--w-bit", "8", "--grid", "5"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !seen {
		t.Fatalf("action did not run")
	}
	if wBit != 8 {
		t.Fatalf("explicit --w-bit overridden: %d", wBit)
	}
	if groupSize != 64 {
		t.Fatalf("config q_group_size not applied: %d", groupSize)
	}
	if scaleGrid != 5 || !noClip {
		t.Fatalf("search flags: grid %d no_clip %t", scaleGrid, noClip)
	}
}
