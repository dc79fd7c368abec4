// Package quant implements group-wise low-bit weight quantization.
//
// A weight matrix is stored row-major as [rows (out), cols (in)]. Each row is
// split into groups of GroupSize contiguous input channels and every group gets
// its own scale and (optionally) zero-point. Integer codes are always unsigned
// in [0, 2^Bits-1]; symmetric configs use an implied zero of 2^(Bits-1).
package quant

import (
	"errors"
	"fmt"
)

// Layout selects how integer codes are packed into bytes.
type Layout string

const (
	// LayoutBitstream packs each row as a little-endian bit stream.
	LayoutBitstream Layout = "bitstream"
	// LayoutGEMM is the AWQ GEMM layout: 4-bit codes in int32 words of eight
	// output channels, interleaved 0,2,4,6,1,3,5,7 and stored as [in, out/8].
	LayoutGEMM Layout = "gemm"
)

// Supported bit widths.
const (
	MinBits = 2
	MaxBits = 8
)

const minScale = 1e-5

var (
	ErrBitWidth  = errors.New("quant: unsupported bit width")
	ErrGroupSize = errors.New("quant: group size does not divide input channels")
	ErrLayout    = errors.New("quant: unsupported layout")
)

// gemmOrder maps nibble position to output channel offset in LayoutGEMM.
var gemmOrder = [8]int{0, 2, 4, 6, 1, 3, 5, 7}

// Config is the externally tunable quantization decision.
type Config struct {
	Bits      int    `json:"w_bit" yaml:"w_bit"`
	GroupSize int    `json:"q_group_size" yaml:"q_group_size"`
	ZeroPoint bool   `json:"zero_point" yaml:"zero_point"`
	Layout    Layout `json:"layout,omitempty" yaml:"layout,omitempty"`
}

// DefaultConfig returns w4 g128 with zero-points.
func DefaultConfig() Config {
	return Config{Bits: 4, GroupSize: 128, ZeroPoint: true, Layout: LayoutBitstream}
}

// PackLayout returns the effective layout (bitstream when unset).
func (c Config) PackLayout() Layout {
	if c.Layout == "" {
		return LayoutBitstream
	}
	return c.Layout
}

// Validate checks the config independent of any tensor shape.
func (c Config) Validate() error {
	if c.Bits < MinBits || c.Bits > MaxBits {
		return fmt.Errorf("%w: %d (supported %d..%d)", ErrBitWidth, c.Bits, MinBits, MaxBits)
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("%w: group size must be positive, got %d", ErrGroupSize, c.GroupSize)
	}
	switch c.PackLayout() {
	case LayoutBitstream:
	case LayoutGEMM:
		if c.Bits != 4 {
			return fmt.Errorf("%w: gemm layout requires 4-bit weights, got %d", ErrLayout, c.Bits)
		}
	default:
		return fmt.Errorf("%w: %q", ErrLayout, c.Layout)
	}
	return nil
}

// CheckShape validates c against a [rows, cols] weight.
func (c Config) CheckShape(rows, cols int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("%w: invalid shape [%d, %d]", ErrGroupSize, rows, cols)
	}
	if cols%c.GroupSize != 0 {
		return fmt.Errorf("%w: %d input channels, group size %d", ErrGroupSize, cols, c.GroupSize)
	}
	if c.PackLayout() == LayoutGEMM && rows%8 != 0 {
		return fmt.Errorf("%w: gemm layout requires output channels divisible by 8, got %d", ErrLayout, rows)
	}
	return nil
}

// MaxCode is the largest representable unsigned code.
func (c Config) MaxCode() int { return 1<<c.Bits - 1 }

func (c Config) String() string {
	return fmt.Sprintf("w%d-g%d-zp=%t-%s", c.Bits, c.GroupSize, c.ZeroPoint, c.PackLayout())
}
