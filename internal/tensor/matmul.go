package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"chatloop/internal/errs"
	"chatloop/internal/weights"
)

// MatMul computes out = x · wᵀ where x is n rows of w.Cols() values and w is
// stored [outFeatures, inFeatures]. out receives n rows of w.Rows() values.
func (p *Pool) MatMul(out, x []float32, n int, w weights.View) error {
	rows, cols := w.Rows(), w.Cols()
	if len(x) != n*cols {
		return errs.ErrCompute("matmul %s: input has %d values, want %d x %d", w.Name, len(x), n, cols)
	}
	if len(out) != n*rows {
		return errs.ErrCompute("matmul %s: output has %d values, want %d x %d", w.Name, len(out), n, rows)
	}
	if n == 0 {
		return nil
	}
	switch w.DType {
	case weights.F32:
		if wf, ok := w.Float32s(); ok {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				blas32.General{Rows: n, Cols: cols, Stride: cols, Data: x},
				blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: wf},
				0,
				blas32.General{Rows: n, Cols: rows, Stride: rows, Data: out})
			return nil
		}
		p.rowwise(out, x, n, rows, cols, func(j int, xi []float32) float32 {
			return dotF32Bytes(w.RowBytes(j), xi)
		})
	case weights.F16:
		p.rowwise(out, x, n, rows, cols, func(j int, xi []float32) float32 {
			return dotF16(w.RowBytes(j), xi)
		})
	case weights.I8:
		scale := w.Scale
		p.rowwise(out, x, n, rows, cols, func(j int, xi []float32) float32 {
			return dotI8(w.RowBytes(j), xi) * scale
		})
	case weights.I4:
		scale := w.Scale
		p.rowwise(out, x, n, rows, cols, func(j int, xi []float32) float32 {
			return dotI4(w.RowBytes(j), xi) * scale
		})
	default:
		return errs.ErrCompute("matmul %s: unsupported dtype %s", w.Name, w.DType)
	}
	return nil
}

// rowwise spreads weight rows across the pool; each row is combined with
// all n inputs while it is hot.
func (p *Pool) rowwise(out, x []float32, n, rows, cols int, dot func(j int, xi []float32) float32) {
	p.For(rows, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			for i := 0; i < n; i++ {
				out[i*rows+j] = dot(j, x[i*cols:(i+1)*cols])
			}
		}
	})
}

func dotF32Bytes(w []byte, x []float32) float32 {
	var s float32
	for i, xv := range x {
		s += math.Float32frombits(binary.LittleEndian.Uint32(w[4*i:])) * xv
	}
	return s
}

func dotF16(w []byte, x []float32) float32 {
	var s float32
	for i, xv := range x {
		s += float16.Frombits(binary.LittleEndian.Uint16(w[2*i:])).Float32() * xv
	}
	return s
}

func dotI8(w []byte, x []float32) float32 {
	var s float32
	for i, xv := range x {
		s += float32(int8(w[i])) * xv
	}
	return s
}

func dotI4(w []byte, x []float32) float32 {
	var s float32
	for i := 0; i+1 < len(x); i += 2 {
		b := w[i>>1]
		lo := int8(b<<4) >> 4
		hi := int8(b) >> 4
		s += float32(lo)*x[i] + float32(hi)*x[i+1]
	}
	if len(x)%2 == 1 {
		s += float32(weights.Nibble(w, len(x)-1)) * x[len(x)-1]
	}
	return s
}
