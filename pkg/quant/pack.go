package quant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is a packed quantized weight plus the per-group metadata needed to
// dequantize it. Scales and Zeros are indexed [row*Groups()+group].
type Tensor struct {
	Rows, Cols int
	Config     Config

	Data   []byte
	Scales []float32
	// Zeros holds per-group zero codes. It is nil for symmetric configs.
	Zeros []uint8
}

// Groups returns the number of groups per row.
func (t *Tensor) Groups() int { return t.Cols / t.Config.GroupSize }

// Zero returns the zero code for group g of row r.
func (t *Tensor) Zero(r, g int) int {
	if t.Zeros == nil {
		return 1 << (t.Config.Bits - 1)
	}
	return int(t.Zeros[r*t.Groups()+g])
}

// Scale returns the scale for group g of row r.
func (t *Tensor) Scale(r, g int) float32 { return t.Scales[r*t.Groups()+g] }

// groupParams computes the scale and zero code for one group.
func groupParams(w []float32, bits int, zeroPoint bool) (float32, int) {
	if zeroPoint {
		// The range always covers zero so every element maps inside [0, maxInt].
		var minv, maxv float32
		for _, v := range w {
			minv = min(minv, v)
			maxv = max(maxv, v)
		}
		maxInt := 1<<bits - 1
		scale := max((maxv-minv)/float32(maxInt), minScale)
		zero := int(math.Round(float64(-minv / scale)))
		return scale, clampInt(zero, 0, maxInt)
	}

	var absMax float32
	for _, v := range w {
		absMax = max(absMax, float32(math.Abs(float64(v))))
	}
	maxInt := 1<<(bits-1) - 1
	scale := max(absMax/float32(maxInt), minScale)
	return scale, 1 << (bits - 1)
}

func encode(v, scale float32, zero, maxCode int) int {
	q := int(math.Round(float64(v/scale))) + zero
	return clampInt(q, 0, maxCode)
}

func decode(code int, scale float32, zero int) float32 {
	return float32(code-zero) * scale
}

// Pack quantizes a row-major [rows, cols] weight. It is deterministic: the same
// input and config always produce identical bytes.
func Pack(w []float32, rows, cols int, cfg Config) (*Tensor, error) {
	if err := cfg.CheckShape(rows, cols); err != nil {
		return nil, err
	}
	if len(w) != rows*cols {
		return nil, fmt.Errorf("quant: weight has %d elements, shape [%d, %d]", len(w), rows, cols)
	}

	groups := cols / cfg.GroupSize
	t := &Tensor{
		Rows:   rows,
		Cols:   cols,
		Config: cfg,
		Scales: make([]float32, rows*groups),
	}
	if cfg.ZeroPoint {
		t.Zeros = make([]uint8, rows*groups)
	}

	codes := make([]uint8, rows*cols)
	maxCode := cfg.MaxCode()
	for r := range rows {
		row := w[r*cols : (r+1)*cols]
		for g := range groups {
			grp := row[g*cfg.GroupSize : (g+1)*cfg.GroupSize]
			scale, zero := groupParams(grp, cfg.Bits, cfg.ZeroPoint)
			t.Scales[r*groups+g] = scale
			if t.Zeros != nil {
				t.Zeros[r*groups+g] = uint8(zero)
			}
			base := r*cols + g*cfg.GroupSize
			for i, v := range grp {
				codes[base+i] = uint8(encode(v, scale, zero, maxCode))
			}
		}
	}

	switch cfg.PackLayout() {
	case LayoutGEMM:
		t.Data = packGEMM(codes, rows, cols)
	default:
		t.Data = packBitstream(codes, rows, cols, cfg.Bits)
	}
	return t, nil
}

// Codes unpacks the integer codes into a row-major [rows, cols] slice.
func (t *Tensor) Codes() []uint8 {
	if t.Config.PackLayout() == LayoutGEMM {
		return unpackGEMM(t.Data, t.Rows, t.Cols)
	}
	return unpackBitstream(t.Data, t.Rows, t.Cols, t.Config.Bits)
}

// Dequantize reconstructs the float weight.
func (t *Tensor) Dequantize() []float32 {
	out := make([]float32, t.Rows*t.Cols)
	t.DequantizeInto(out)
	return out
}

// DequantizeInto writes the reconstructed weight into dst (len >= Rows*Cols).
func (t *Tensor) DequantizeInto(dst []float32) {
	codes := t.Codes()
	gs := t.Config.GroupSize
	groups := t.Groups()
	for r := range t.Rows {
		for g := range groups {
			scale := t.Scales[r*groups+g]
			zero := t.Zero(r, g)
			base := r*t.Cols + g*gs
			for i := range gs {
				dst[base+i] = decode(int(codes[base+i]), scale, zero)
			}
		}
	}
}

// PackedSize returns the byte size of the packed codes for a [rows, cols] weight.
func PackedSize(rows, cols int, cfg Config) int {
	if cfg.PackLayout() == LayoutGEMM {
		return cols * (rows / 8) * 4
	}
	return rows * rowBytes(cols, cfg.Bits)
}

func rowBytes(cols, bits int) int { return (cols*bits + 7) / 8 }

func packBitstream(codes []uint8, rows, cols, bits int) []byte {
	rb := rowBytes(cols, bits)
	out := make([]byte, rows*rb)
	for r := range rows {
		row := out[r*rb : (r+1)*rb]
		for c := range cols {
			bit := c * bits
			v := uint16(codes[r*cols+c]) << (bit % 8)
			row[bit/8] |= byte(v)
			if hi := byte(v >> 8); hi != 0 {
				row[bit/8+1] |= hi
			}
		}
	}
	return out
}

func unpackBitstream(data []byte, rows, cols, bits int) []uint8 {
	rb := rowBytes(cols, bits)
	mask := uint16(1<<bits - 1)
	out := make([]uint8, rows*cols)
	for r := range rows {
		row := data[r*rb : (r+1)*rb]
		for c := range cols {
			bit := c * bits
			v := uint16(row[bit/8])
			if bit/8+1 < len(row) {
				v |= uint16(row[bit/8+1]) << 8
			}
			out[r*cols+c] = uint8((v >> (bit % 8)) & mask)
		}
	}
	return out
}

func packGEMM(codes []uint8, rows, cols int) []byte {
	words := rows / 8
	out := make([]byte, cols*words*4)
	for c := range cols {
		for ob := range words {
			var word uint32
			for k, off := range gemmOrder {
				word |= uint32(codes[(ob*8+off)*cols+c]&0xF) << (4 * k)
			}
			binary.LittleEndian.PutUint32(out[(c*words+ob)*4:], word)
		}
	}
	return out
}

func unpackGEMM(data []byte, rows, cols int) []uint8 {
	words := rows / 8
	out := make([]uint8, rows*cols)
	for c := range cols {
		for ob := range words {
			word := binary.LittleEndian.Uint32(data[(c*words+ob)*4:])
			for k, off := range gemmOrder {
				out[(ob*8+off)*cols+c] = uint8((word >> (4 * k)) & 0xF)
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
