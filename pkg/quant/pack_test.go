package quant

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randWeights(n int, seed int64, lo, hi float32) []float32 {
	rng := rand.New(rand.NewSource(seed))
	w := make([]float32, n)
	for i := range w {
		w[i] = lo + (hi-lo)*rng.Float32()
	}
	return w
}

func TestPackScenarioW4G128(t *testing.T) {
	t.Parallel()

	// Linear layer with 256 inputs and 64 outputs.
	const rows, cols = 64, 256
	w := randWeights(rows*cols, 1, -1, 1)
	cfg := Config{Bits: 4, GroupSize: 128, ZeroPoint: true}

	qt, err := Pack(w, rows, cols, cfg)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if qt.Groups() != 2 {
		t.Fatalf("groups per row: got %d want 2", qt.Groups())
	}
	if len(qt.Scales) != rows*2 || len(qt.Zeros) != rows*2 {
		t.Fatalf("metadata size: scales=%d zeros=%d", len(qt.Scales), len(qt.Zeros))
	}

	for r := range rows {
		for g := range 2 {
			grp := w[r*cols+g*128 : r*cols+(g+1)*128]
			var absMax float32
			for _, v := range grp {
				absMax = max(absMax, float32(math.Abs(float64(v))))
			}
			want := absMax / 7.5
			got := qt.Scale(r, g)
			if math.Abs(float64(got-want)) > 0.1*float64(want) {
				t.Fatalf("row %d group %d: scale %v not close to max/7.5=%v", r, g, got, want)
			}
		}
	}

	for i, c := range qt.Codes() {
		if c > 15 {
			t.Fatalf("code %d out of range: %d", i, c)
		}
	}

	deq := qt.Dequantize()
	for r := range rows {
		for c := range cols {
			i := r*cols + c
			step := qt.Scale(r, c/128)
			if d := math.Abs(float64(deq[i] - w[i])); d > float64(step) {
				t.Fatalf("element %d: |deq-w|=%v exceeds step %v", i, d, step)
			}
		}
	}
}

func TestRoundTripBound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		lo   float32
		hi   float32
	}{
		{"w4-zp", Config{Bits: 4, GroupSize: 32, ZeroPoint: true}, -2, 2},
		{"w4-sym", Config{Bits: 4, GroupSize: 32}, -2, 2},
		{"w3-zp-positive", Config{Bits: 3, GroupSize: 16, ZeroPoint: true}, 0.5, 3},
		{"w2-zp", Config{Bits: 2, GroupSize: 64, ZeroPoint: true}, -0.1, 0.7},
		{"w8-sym", Config{Bits: 8, GroupSize: 64}, -10, 10},
		{"w5-zp-negative", Config{Bits: 5, GroupSize: 32, ZeroPoint: true}, -4, -1},
		{"w4-gemm", Config{Bits: 4, GroupSize: 32, ZeroPoint: true, Layout: LayoutGEMM}, -1, 1},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			const rows, cols = 16, 128
			w := randWeights(rows*cols, int64(100+i), tc.lo, tc.hi)
			qt, err := Pack(w, rows, cols, tc.cfg)
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			deq := qt.Dequantize()
			for j := range w {
				r, c := j/cols, j%cols
				step := qt.Scale(r, c/tc.cfg.GroupSize)
				if d := math.Abs(float64(deq[j] - w[j])); d > float64(step)*(1+1e-5) {
					t.Fatalf("element %d: |deq-w|=%v exceeds step %v", j, d, step)
				}
			}
		})
	}
}

func TestPackRejectsShapeAndBits(t *testing.T) {
	t.Parallel()

	w := make([]float32, 4*100)
	if _, err := Pack(w, 4, 100, Config{Bits: 4, GroupSize: 32}); !errors.Is(err, ErrGroupSize) {
		t.Fatalf("non-divisible group: got %v want ErrGroupSize", err)
	}
	if _, err := Pack(w, 4, 100, Config{Bits: 4, GroupSize: 25}); err != nil {
		t.Fatalf("divisible group rejected: %v", err)
	}
	for _, bits := range []int{0, 1, 9, 16} {
		if _, err := Pack(w, 4, 100, Config{Bits: bits, GroupSize: 25}); !errors.Is(err, ErrBitWidth) {
			t.Fatalf("bits=%d: got %v want ErrBitWidth", bits, err)
		}
	}
	if _, err := Pack(w, 4, 100, Config{Bits: 3, GroupSize: 25, Layout: LayoutGEMM}); !errors.Is(err, ErrLayout) {
		t.Fatalf("gemm with 3 bits: got %v want ErrLayout", err)
	}
}

func TestPackDeterministic(t *testing.T) {
	t.Parallel()

	w := randWeights(32*64, 7, -1, 1)
	cfg := Config{Bits: 3, GroupSize: 16, ZeroPoint: true}
	a, err := Pack(w, 32, 64, cfg)
	if err != nil {
		t.Fatalf("pack a: %v", err)
	}
	b, err := Pack(w, 32, 64, cfg)
	if err != nil {
		t.Fatalf("pack b: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) || !bytes.Equal(a.Zeros, b.Zeros) {
		t.Fatalf("packed bytes differ between runs")
	}
	for i := range a.Scales {
		if math.Float32bits(a.Scales[i]) != math.Float32bits(b.Scales[i]) {
			t.Fatalf("scale %d differs", i)
		}
	}
	if len(a.Data) != PackedSize(32, 64, cfg) {
		t.Fatalf("packed size: got %d want %d", len(a.Data), PackedSize(32, 64, cfg))
	}
}

func TestPseudoQuantizeMatchesPack(t *testing.T) {
	t.Parallel()

	const rows, cols = 8, 96
	w := randWeights(rows*cols, 11, -3, 3)
	for _, cfg := range []Config{
		{Bits: 4, GroupSize: 32, ZeroPoint: true},
		{Bits: 6, GroupSize: 48},
		{Bits: 4, GroupSize: 96, ZeroPoint: true, Layout: LayoutGEMM},
	} {
		qt, err := Pack(w, rows, cols, cfg)
		if err != nil {
			t.Fatalf("%s: pack: %v", cfg, err)
		}
		want := qt.Dequantize()
		got := make([]float32, len(w))
		if err := PseudoQuantize(got, w, rows, cols, cfg); err != nil {
			t.Fatalf("%s: pseudo: %v", cfg, err)
		}
		for i := range want {
			if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
				t.Fatalf("%s: element %d: pseudo %v pack %v", cfg, i, got[i], want[i])
			}
		}
	}
}

func TestGEMMLayoutOrder(t *testing.T) {
	t.Parallel()

	// One input channel, eight outputs with codes 0..7.
	codes := []uint8{0, 1, 2, 3, 4, 5, 6, 7}
	data := packGEMM(codes, 8, 1)
	// Nibbles hold outputs 0,2,4,6,1,3,5,7 from low to high.
	want := []byte{0x20, 0x64, 0x31, 0x75}
	if !bytes.Equal(data, want) {
		t.Fatalf("gemm word: got %x want %x", data, want)
	}
	if got := unpackGEMM(data, 8, 1); !bytes.Equal(got, codes) {
		t.Fatalf("gemm unpack: got %v want %v", got, codes)
	}
}
