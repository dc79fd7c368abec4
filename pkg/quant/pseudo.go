package quant

// PseudoQuantize writes the quantize-then-dequantize round trip of w into dst
// without packing. The result equals Pack(w).Dequantize() element for element.
// dst and w may alias.
func PseudoQuantize(dst, w []float32, rows, cols int, cfg Config) error {
	if err := cfg.CheckShape(rows, cols); err != nil {
		return err
	}
	for r := range rows {
		for g := 0; g < cols; g += cfg.GroupSize {
			off := r*cols + g
			PseudoQuantizeGroup(dst[off:off+cfg.GroupSize], w[off:off+cfg.GroupSize], cfg.Bits, cfg.ZeroPoint)
		}
	}
	return nil
}

// PseudoQuantizeGroup round-trips a single group. dst and w may alias.
func PseudoQuantizeGroup(dst, w []float32, bits int, zeroPoint bool) {
	scale, zero := groupParams(w, bits, zeroPoint)
	maxCode := 1<<bits - 1
	for i, v := range w {
		dst[i] = decode(encode(v, scale, zero, maxCode), scale, zero)
	}
}

// GroupScale returns the quantization step used for a group.
func GroupScale(w []float32, bits int, zeroPoint bool) float32 {
	scale, _ := groupParams(w, bits, zeroPoint)
	return scale
}
