package weights

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

var littleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// View is a read-only window over one tensor inside a mapped partition. It
// never owns memory; it is valid until the Partition is closed.
type View struct {
	Name  string
	DType DType
	Shape []int
	Scale float32
	data  []byte
}

// NewView wraps raw encoded bytes as a view. Used for tensors that do not
// come from a partition file.
func NewView(name string, dt DType, shape []int, scale float32, data []byte) View {
	return View{Name: name, DType: dt, Shape: append([]int(nil), shape...), Scale: scale, data: data}
}

// Len returns the number of elements.
func (v View) Len() int { return numElements(v.Shape) }

// Rows returns the leading dimension of a matrix, or 1 for a vector.
func (v View) Rows() int {
	if len(v.Shape) < 2 {
		return 1
	}
	return v.Len() / v.Cols()
}

// Cols returns the innermost dimension.
func (v View) Cols() int {
	if len(v.Shape) == 0 {
		return 0
	}
	return v.Shape[len(v.Shape)-1]
}

// Bytes exposes the encoded bytes.
func (v View) Bytes() []byte { return v.data }

// RowBytes returns the encoded bytes of row i.
func (v View) RowBytes(i int) []byte {
	rb := v.DType.ByteSize(v.Cols())
	return v.data[i*rb : (i+1)*rb]
}

// Float32s returns the tensor as a []float32 aliasing the mapping when the
// dtype is F32, the host is little-endian and the data is 4-byte aligned.
func (v View) Float32s() ([]float32, bool) {
	if v.DType != F32 || !littleEndian || len(v.data) == 0 {
		return nil, false
	}
	p := unsafe.Pointer(unsafe.SliceData(v.data))
	if uintptr(p)%4 != 0 {
		return nil, false
	}
	return unsafe.Slice((*float32)(p), len(v.data)/4), true
}

// Row dequantizes row i into dst, which must hold Cols() values.
func (v View) Row(i int, dst []float32) {
	DecodeInto(v.DType, v.Scale, v.RowBytes(i), dst[:v.Cols()])
}

// Dequantize decodes the whole tensor into dst, which must hold Len() values.
func (v View) Dequantize(dst []float32) {
	DecodeInto(v.DType, v.Scale, v.data, dst[:v.Len()])
}

// DecodeInto decodes len(dst) elements of type dt from src.
func DecodeInto(dt DType, scale float32, src []byte, dst []float32) {
	switch dt {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	case I8:
		for i := range dst {
			dst[i] = float32(int8(src[i])) * scale
		}
	case I4:
		for i := range dst {
			dst[i] = float32(Nibble(src, i)) * scale
		}
	}
}

// Nibble returns the i-th signed 4-bit value of packed.
func Nibble(packed []byte, i int) int8 {
	b := packed[i>>1]
	if i&1 == 0 {
		b &= 0x0f
	} else {
		b >>= 4
	}
	return int8(b<<4) >> 4
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
