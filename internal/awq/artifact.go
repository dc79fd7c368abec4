// Package awq implements activation-aware weight quantization: scale and
// clip search over calibration captures, the portable search artifact, and
// the pipeline that drives search and quantization layer by layer.
package awq

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/pkg/quant"
)

var (
	// ErrShapeMismatch is returned when a scale or clip does not fit the
	// layer it is applied to.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrArtifactMismatch is returned when a search artifact does not
	// describe the model it is applied to.
	ErrArtifactMismatch = errors.New("search artifact does not match model")
)

const ArtifactVersion = 1

// ScaleRecord rescales the output of Prev down and the inputs of Targets up
// by Scales.
type ScaleRecord struct {
	Layer   int       `json:"layer"`
	Prev    string    `json:"prev_op"`
	Targets []string  `json:"targets"`
	Scales  []float32 `json:"scales"`
}

// ClipRecord bounds every weight of Target to [-c, c] per output row and
// input group. MaxVal is indexed row*groups+group.
type ClipRecord struct {
	Layer     int       `json:"layer"`
	Target    string    `json:"target"`
	GroupSize int       `json:"group_size"`
	MaxVal    []float32 `json:"max_val"`
}

// Artifact is the output of the search phase. Records are in layer order.
type Artifact struct {
	Version int           `json:"version"`
	Arch    string        `json:"arch,omitempty"`
	Layers  int           `json:"layers,omitempty"`
	Quant   quant.Config  `json:"quant"`
	Scale   []ScaleRecord `json:"scale"`
	Clip    []ClipRecord  `json:"clip"`
}

// Encode writes a as JSON.
func (a *Artifact) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(a)
}

// DecodeArtifact reads an artifact written by Encode.
func DecodeArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode search artifact: %w", err)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("%w: artifact version %d, want %d", ErrArtifactMismatch, a.Version, ArtifactVersion)
	}
	return &a, nil
}

// Save writes a to path.tmp and renames it over path, so a failed write
// never leaves a truncated artifact behind.
func (a *Artifact) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := a.Encode(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write search artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadArtifact reads an artifact from path.
func LoadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeArtifact(f)
}

type resolvedScale struct {
	rec     *ScaleRecord
	prev    nn.ScaleAbsorber
	targets []*nn.Linear
}

type resolvedClip struct {
	rec    *ClipRecord
	target *nn.Linear
}

// plan is an artifact bound to the operations of one model, bucketed by
// layer.
type plan struct {
	scales [][]resolvedScale
	clips  [][]resolvedClip
}

// Validate checks a against m without mutating it: every record must name
// operations of the layer it claims, in layer order, with matching widths.
func (a *Artifact) Validate(m *model.Model) error {
	_, err := a.bind(m)
	return err
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArtifactMismatch, fmt.Sprintf(format, args...))
}

func (a *Artifact) bind(m *model.Model) (*plan, error) {
	if a.Arch != "" && a.Arch != m.Config.Arch {
		return nil, mismatch("artifact arch %q, model %q", a.Arch, m.Config.Arch)
	}
	if a.Layers != 0 && a.Layers != len(m.Layers) {
		return nil, mismatch("artifact has %d layers, model %d", a.Layers, len(m.Layers))
	}

	owner := make(map[string]int)
	for _, l := range m.Layers {
		for _, op := range l.Block.Modules() {
			owner[op.OpName()] = l.Index
		}
	}
	lookup := func(layer int, name string) (nn.Module, error) {
		idx, ok := owner[name]
		if !ok {
			return nil, mismatch("unknown operation %q", name)
		}
		if idx != layer {
			return nil, mismatch("operation %q belongs to layer %d, record says %d", name, idx, layer)
		}
		op, _ := m.Op(name)
		return op, nil
	}

	p := &plan{
		scales: make([][]resolvedScale, len(m.Layers)),
		clips:  make([][]resolvedClip, len(m.Layers)),
	}
	last := -1
	for i := range a.Scale {
		rec := &a.Scale[i]
		if rec.Layer < last {
			return nil, mismatch("scale record %d for layer %d after layer %d", i, rec.Layer, last)
		}
		last = rec.Layer
		op, err := lookup(rec.Layer, rec.Prev)
		if err != nil {
			return nil, err
		}
		prev, ok := op.(nn.ScaleAbsorber)
		if !ok {
			return nil, mismatch("%q cannot absorb a scale", rec.Prev)
		}
		if prev.Width() != len(rec.Scales) {
			return nil, mismatch("%q has width %d, scale has %d", rec.Prev, prev.Width(), len(rec.Scales))
		}
		if err := positive(rec.Scales); err != nil {
			return nil, mismatch("scale for %q: %v", rec.Prev, err)
		}
		rs := resolvedScale{rec: rec, prev: prev}
		for _, name := range rec.Targets {
			op, err := lookup(rec.Layer, name)
			if err != nil {
				return nil, err
			}
			l, ok := op.(*nn.Linear)
			if !ok {
				return nil, mismatch("scale target %q is not linear", name)
			}
			if l.Packed() {
				return nil, mismatch("scale target %q is already packed", name)
			}
			if l.In() != len(rec.Scales) {
				return nil, mismatch("%q has %d inputs, scale has %d", name, l.In(), len(rec.Scales))
			}
			rs.targets = append(rs.targets, l)
		}
		if len(rs.targets) == 0 {
			return nil, mismatch("scale record for %q has no targets", rec.Prev)
		}
		p.scales[rec.Layer] = append(p.scales[rec.Layer], rs)
	}

	last = -1
	for i := range a.Clip {
		rec := &a.Clip[i]
		if rec.Layer < last {
			return nil, mismatch("clip record %d for layer %d after layer %d", i, rec.Layer, last)
		}
		last = rec.Layer
		op, err := lookup(rec.Layer, rec.Target)
		if err != nil {
			return nil, err
		}
		l, ok := op.(*nn.Linear)
		if !ok {
			return nil, mismatch("clip target %q is not linear", rec.Target)
		}
		if l.Packed() {
			return nil, mismatch("clip target %q is already packed", rec.Target)
		}
		if rec.GroupSize <= 0 || l.In()%rec.GroupSize != 0 {
			return nil, mismatch("clip group size %d does not divide %d inputs of %q", rec.GroupSize, l.In(), rec.Target)
		}
		if want := l.Out() * l.In() / rec.GroupSize; len(rec.MaxVal) != want {
			return nil, mismatch("clip for %q has %d values, want %d", rec.Target, len(rec.MaxVal), want)
		}
		for _, v := range rec.MaxVal {
			if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, mismatch("clip for %q has invalid value %v", rec.Target, v)
			}
		}
		p.clips[rec.Layer] = append(p.clips[rec.Layer], resolvedClip{rec: rec, target: l})
	}
	return p, nil
}

func positive(s []float32) error {
	for j, v := range s {
		if !(v > 0) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("channel %d is %v", j, v)
		}
	}
	return nil
}
