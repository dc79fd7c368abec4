// Package adapter describes, per model family, which operations of a decoder
// layer share a calibration input and can absorb a scaling vector.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/internal/tensor"
)

// ErrUnsupportedArchitecture is returned for model families without an
// adapter.
var ErrUnsupportedArchitecture = model.ErrUnsupportedArchitecture

// Adapter exposes one model family's structure to the quantization pipeline.
type Adapter interface {
	Name() string
	// Layers returns the decoder layers in forward order.
	Layers(m *model.Model) []*model.Layer
	// ActForScaling reports whether the block's nonlinearity can absorb a
	// scaling vector.
	ActForScaling(b model.Block) ScalableAct
	// MoveEmbed stages the embedding tables on dev.
	MoveEmbed(m *model.Model, dev model.Device)
	// LayersForScaling lists the groups to scale jointly, each bound to its
	// calibration input.
	LayersForScaling(b model.Block, in calib.Captures, kw model.LayerKwargs) ([]ModuleGroup, error)
}

// ScalableAct describes the activation of a block.
type ScalableAct struct {
	IsScalable bool
	Name       string
	Op         *nn.Activation
	// Shape equals the output width of the linear feeding the activation.
	Shape int
}

// InspectFunc recomputes the sub-module a group's output is measured at,
// using the weights in w. It must not mutate the model.
type InspectFunc func(x *tensor.Mat, w nn.WeightView) (tensor.Mat, error)

// ModuleGroup is a set of linears that consume the same input and share one
// scaling vector, absorbed by Prev.
type ModuleGroup struct {
	Prev     nn.ScaleAbsorber
	Layers   []*nn.Linear
	InputKey string
	// Inspect is optional. Without it the group output is the member
	// outputs joined column-wise.
	Inspect InspectFunc
	Input   *calib.Capture
	// KW is the per-call context Inspect needs for Input.Sample.
	KW model.LayerKwargs
}

// Output evaluates the group on x with weights from w.
func (g ModuleGroup) Output(x *tensor.Mat, w nn.WeightView) (tensor.Mat, error) {
	if g.Inspect != nil {
		return g.Inspect(x, w)
	}
	outs := make([]tensor.Mat, len(g.Layers))
	for i, l := range g.Layers {
		outs[i] = w.Forward(l, x)
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return tensor.ConcatCols(outs...), nil
}

// Targets returns the member layer names.
func (g ModuleGroup) Targets() []string {
	out := make([]string, len(g.Layers))
	for i, l := range g.Layers {
		out[i] = l.Name
	}
	return out
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Adapter)
)

// Register makes a available under arch. It panics on duplicates.
func Register(arch string, a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[arch]; ok {
		panic("adapter: duplicate registration for " + arch)
	}
	registry[arch] = a
}

// For returns the adapter registered for arch.
func For(arch string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := registry[arch]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %q", ErrUnsupportedArchitecture, arch)
	}
	return a, nil
}

// Architectures lists the registered identifiers.
func Architectures() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load reads a Hugging Face model directory. The adapter is resolved from
// config.json before any tensor is read.
func Load(dir string) (*model.Model, Adapter, error) {
	cfg, err := model.ReadConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	a, err := For(cfg.Arch)
	if err != nil {
		return nil, nil, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.Build(cfg, set)
	if err != nil {
		return nil, nil, err
	}
	return m, a, nil
}

func capture(in calib.Captures, key string) (*calib.Capture, error) {
	c, ok := in[key]
	if !ok {
		return nil, fmt.Errorf("missing calibration capture %q", key)
	}
	return c, nil
}

// base implements the parts every decoder-only family shares.
type base struct{ name string }

func (b base) Name() string { return b.name }

func (base) Layers(m *model.Model) []*model.Layer { return m.Layers }

func (base) MoveEmbed(m *model.Model, dev model.Device) { m.MoveEmbed(dev) }
