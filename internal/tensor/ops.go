package tensor

import "math"

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i, v := range src[:len(dst)] {
		dst[i] += v
	}
}

// AddMat is the residual connection: dst += src, row by row.
func AddMat(dst, src *Mat) {
	for i := range dst.R {
		Add(dst.Row(i), src.Row(i))
	}
}

func Dot(a, b []float32) float32 {
	var acc float32
	for i, v := range a {
		acc += v * b[i]
	}
	return acc
}

// LayerNorm writes (src-mean)/std*weight+bias. bias may be nil.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	var sum, sq float64
	for _, v := range src {
		sum += float64(v)
	}
	mu := sum / n
	for _, v := range src {
		d := float64(v) - mu
		sq += d * d
	}
	inv := float32(1 / math.Sqrt(sq/n+float64(eps)))
	m := float32(mu)
	for i, v := range src {
		y := (v - m) * inv * weight[i]
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// RMSNorm writes src/rms(src)*weight.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sq float32
	for _, v := range src {
		sq += v * v
	}
	inv := float32(1 / math.Sqrt(float64(sq/float32(len(src))+eps)))
	for i, v := range src {
		dst[i] = v * inv * weight[i]
	}
}

func rowMax(x []float32) float32 {
	m := x[0]
	for _, v := range x[1:] {
		m = max(m, v)
	}
	return m
}

// Softmax normalises x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	top := rowMax(x)
	var z float64
	for i, v := range x {
		e := math.Exp(float64(v - top))
		x[i] = float32(e)
		z += e
	}
	if z == 0 {
		return
	}
	inv := float32(1 / z)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax writes log(softmax(x)) into dst.
func LogSoftmax(dst, x []float32) {
	if len(x) == 0 {
		return
	}
	top := rowMax(x)
	var z float64
	for _, v := range x {
		z += math.Exp(float64(v - top))
	}
	lse := float64(top) + math.Log(z)
	for i, v := range x {
		dst[i] = float32(float64(v) - lse)
	}
}

// Silu is x·sigmoid(x).
func Silu(x float32) float32 {
	return x / float32(1+math.Exp(float64(-x)))
}

// GELU is the tanh approximation used by GPT-2 ("gelu_new").
func GELU(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	f := float64(x)
	return float32(0.5 * f * (1 + math.Tanh(c*(f+0.044715*f*f*f))))
}

// GELUExact uses erf.
func GELUExact(x float32) float32 {
	f := float64(x)
	return float32(0.5 * f * (1 + math.Erf(f/math.Sqrt2)))
}

func Relu(x float32) float32 { return max(x, 0) }

// SumAbsCols adds the column sums of |m| into dst.
func SumAbsCols(dst []float64, m *Mat) {
	for i := range m.R {
		for j, v := range m.Row(i) {
			dst[j] += math.Abs(float64(v))
		}
	}
}

func MaxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		m = max(m, v, -v)
	}
	return m
}

// MSE is the mean squared difference over all elements of a and b.
func MSE(a, b *Mat) float64 {
	if a.R == 0 || a.C == 0 {
		return 0
	}
	var sum float64
	for i := range a.R {
		rb := b.Row(i)
		for j, v := range a.Row(i) {
			d := float64(v) - float64(rb[j])
			sum += d * d
		}
	}
	return sum / float64(a.R*a.C)
}
