package tensor

import "math"

// QuantizeInt8 maps vals onto [-127,127] with a single symmetric scale.
func QuantizeInt8(vals []float32) ([]int8, float32) {
	return quantize(vals, 127)
}

// QuantizeInt4 maps vals onto [-7,7] with a single symmetric scale.
func QuantizeInt4(vals []float32) ([]int8, float32) {
	return quantize(vals, 7)
}

func quantize(vals []float32, levels float32) ([]int8, float32) {
	var maxAbs float32
	for _, v := range vals {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	q := make([]int8, len(vals))
	if maxAbs == 0 {
		return q, 1
	}
	scale := maxAbs / levels
	for i, v := range vals {
		r := math.Round(float64(v / scale))
		r = math.Max(-float64(levels), math.Min(float64(levels), r))
		q[i] = int8(r)
	}
	return q, scale
}

// Dequantize expands q with scale.
func Dequantize(q []int8, scale float32) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v) * scale
	}
	return out
}
