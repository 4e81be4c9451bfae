package tensor

import (
	"math"

	"chatloop/internal/weights"
)

// RMSNorm writes x / rms(x) * weight into dst.
func RMSNorm(dst, x, weight []float32, eps float64) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+eps))
	for i, v := range x {
		dst[i] = v * inv * weight[i]
	}
}

// Softmax normalizes x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SiLU applies x * sigmoid(x) in place.
func SiLU(x []float32) {
	for i, v := range x {
		x[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// Mul multiplies dst by src elementwise.
func Mul(dst, src []float32) {
	for i, v := range src {
		dst[i] *= v
	}
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}
	return s
}

// RoPE rotates consecutive pairs of every head in x (numHeads * headDim
// values) by the angle for position pos.
func RoPE(x []float32, pos, headDim int, theta float64) {
	for h := 0; h+headDim <= len(x); h += headDim {
		for i := 0; i < headDim; i += 2 {
			freq := 1 / math.Pow(theta, float64(i)/float64(headDim))
			sin, cos := math.Sincos(float64(pos) * freq)
			a, b := float64(x[h+i]), float64(x[h+i+1])
			x[h+i] = float32(a*cos - b*sin)
			x[h+i+1] = float32(a*sin + b*cos)
		}
	}
}

// Argmax returns the index of the largest value.
func Argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Vector dequantizes a 1-D weight view into a fresh slice, aliasing the
// mapping when the view is already F32.
func Vector(v weights.View) []float32 {
	if f, ok := v.Float32s(); ok {
		return f
	}
	out := make([]float32, v.Len())
	v.Dequantize(out)
	return out
}
