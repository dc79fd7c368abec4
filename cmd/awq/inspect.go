package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/pkg/mcf"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		showRecords  bool
		tensorLimit  int64
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarise a search artifact (.json) or a quantized model (.mcf)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "path",
				Aliases:     []string{"p"},
				Usage:       "artifact or .mcf file",
				Required:    true,
				Destination: &path,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors of a .mcf file", Destination: &showTensors},
			&cli.BoolFlag{Name: "records", Usage: "list scale and clip records of an artifact", Destination: &showRecords},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}
			fmt.Printf("File: %s (%s)\n", filepath.Base(path), units.BytesSize(float64(stat.Size())))

			switch strings.ToLower(filepath.Ext(path)) {
			case ".mcf":
				contents, err := mcf.ReadFile(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read mcf: %v", err), 1)
				}
				printContainer(contents, showTensors, tensorFilter, int(tensorLimit))
			case ".json":
				art, err := awq.LoadArtifact(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read artifact: %v", err), 1)
				}
				printArtifact(art, showRecords)
			default:
				return cli.Exit("error: inspect supports .json artifacts and .mcf files", 1)
			}
			return nil
		},
	}
}

func printArtifact(a *awq.Artifact, records bool) {
	fmt.Println()
	fmt.Println("Artifact")
	fmt.Printf("  version:       %d\n", a.Version)
	fmt.Printf("  arch:          %s\n", orDash(a.Arch))
	fmt.Printf("  layers:        %d\n", a.Layers)
	fmt.Printf("  quant:         w%d g%d zero_point=%t layout=%s\n",
		a.Quant.Bits, a.Quant.GroupSize, a.Quant.ZeroPoint, orDash(string(a.Quant.Layout)))
	fmt.Printf("  scale records: %d\n", len(a.Scale))
	fmt.Printf("  clip records:  %d\n", len(a.Clip))

	if !records {
		return
	}
	fmt.Println()
	fmt.Println("Scale records")
	for _, r := range a.Scale {
		lo, hi := span(r.Scales)
		fmt.Printf("  %3d  %-28s -> %-40s  [%.4g, %.4g]\n", r.Layer, r.Prev, strings.Join(r.Targets, ","), lo, hi)
	}
	fmt.Println()
	fmt.Println("Clip records")
	for _, r := range a.Clip {
		lo, hi := span(r.MaxVal)
		fmt.Printf("  %3d  %-40s  g%d  [%.4g, %.4g]\n", r.Layer, r.Target, r.GroupSize, lo, hi)
	}
}

type modelInfoSummary struct {
	Arch   string `json:"arch"`
	Hidden int    `json:"hidden"`
	Layers int    `json:"layers"`
	Vocab  int    `json:"vocab"`
}

func printContainer(c *mcf.Contents, tensors bool, filter string, limit int) {
	fmt.Println()
	fmt.Println("Model")
	var info modelInfoSummary
	if len(c.ModelInfo) > 0 && json.Unmarshal(c.ModelInfo, &info) == nil {
		fmt.Printf("  arch:    %s\n", orDash(info.Arch))
		fmt.Printf("  hidden:  %d\n", info.Hidden)
		fmt.Printf("  layers:  %d\n", info.Layers)
		fmt.Printf("  vocab:   %d\n", info.Vocab)
	} else {
		fmt.Println("  (no model info)")
	}

	fmt.Println()
	fmt.Println("Quantization")
	if q := c.Quant; q != nil {
		fmt.Printf("  method:      %s\n", q.Method)
		fmt.Printf("  w_bit:       %d\n", q.Bits)
		fmt.Printf("  group size:  %d\n", q.GroupSize)
		fmt.Printf("  zero point:  %t\n", q.ZeroPoint)
		fmt.Printf("  layout:      %s\n", orDash(q.Version))
		fmt.Printf("  modules:     %d\n", len(q.Modules))
	} else {
		fmt.Println("  (float model)")
	}

	byType := map[mcf.TensorDType]uint64{}
	var total uint64
	for _, t := range c.Tensors {
		byType[t.DType] += uint64(len(t.Data))
		total += uint64(len(t.Data))
	}
	types := make([]mcf.TensorDType, 0, len(byType))
	for d := range byType {
		types = append(types, d)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	fmt.Println()
	fmt.Printf("Tensors: %d (%s)\n", len(c.Tensors), units.BytesSize(float64(total)))
	for _, d := range types {
		fmt.Printf("  %-7s %s\n", d, units.BytesSize(float64(byType[d])))
	}

	if !tensors {
		return
	}
	fmt.Println()
	shown := 0
	for _, t := range c.Tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			fmt.Println("  ...")
			break
		}
		fmt.Printf("  %-48s %-7s %v\n", t.Name, t.DType, t.Shape)
		shown++
	}
}

func span(v []float32) (lo, hi float32) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = math.MaxFloat32, -math.MaxFloat32
	for _, x := range v {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return lo, hi
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
