package weights

import (
	"fmt"
	"strings"
)

// DType tags the element encoding of a tensor. Kernels switch on the tag;
// every variant supports the same operations (matmul, row dequantization and
// norms over dequantized values).
type DType uint8

const (
	F32 DType = iota + 1
	F16
	// I8 holds signed 8-bit integers; value = q * scale.
	I8
	// I4 packs two signed 4-bit integers per byte, low nibble first;
	// value = q * scale.
	I4
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case I8:
		return "I8"
	case I4:
		return "I4"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// ParseDType maps a header dtype string to its tag.
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FLOAT32":
		return F32, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "I8", "INT8":
		return I8, nil
	case "I4", "INT4":
		return I4, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Quantized reports whether values carry a scale.
func (d DType) Quantized() bool { return d == I8 || d == I4 }

// ByteSize returns the encoded size of n elements.
func (d DType) ByteSize(n int) int {
	switch d {
	case F32:
		return 4 * n
	case F16:
		return 2 * n
	case I8:
		return n
	case I4:
		return (n + 1) / 2
	default:
		return -1
	}
}
