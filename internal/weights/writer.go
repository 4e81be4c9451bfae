package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"

	"chatloop/internal/common/fsutil"
)

const dataAlign = 8

// Tensor is one named tensor to be written to a partition file.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Scale float32
	Data  []byte
}

// WriteFile writes tensors and metadata as a partition file. Tensor data is
// 8-byte aligned so F32 views can alias the mapping.
func WriteFile(path string, meta Metadata, tensors []Tensor) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, meta, tensors)
	})
}

// Encode writes the partition layout to w.
func Encode(w io.Writer, meta Metadata, tensors []Tensor) error {
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	header[metadataKey] = meta.Pairs()
	var off int64
	for _, t := range sorted {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor %q", t.Name)
		}
		if want := t.DType.ByteSize(numElements(t.Shape)); want != len(t.Data) {
			return fmt.Errorf("tensor %s: %s%v needs %d bytes, got %d", t.Name, t.DType, t.Shape, want, len(t.Data))
		}
		th := tensorHeader{DType: t.DType.String(), Shape: t.Shape, DataOffsets: [2]int64{off, off + int64(len(t.Data))}}
		if t.DType.Quantized() {
			s := t.Scale
			th.Scale = &s
		}
		header[t.Name] = th
		off = alignUp(off+int64(len(t.Data)), dataAlign)
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for (headerLenSize+len(hb))%dataAlign != 0 {
		hb = append(hb, ' ')
	}

	bw := bufio.NewWriter(w)
	var lenBuf [headerLenSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	var pad [dataAlign]byte
	var written int64
	for _, t := range sorted {
		if _, err := bw.Write(t.Data); err != nil {
			return err
		}
		written += int64(len(t.Data))
		if n := alignUp(written, dataAlign) - written; n > 0 {
			if _, err := bw.Write(pad[:n]); err != nil {
				return err
			}
			written += n
		}
	}
	return bw.Flush()
}

func alignUp(n, a int64) int64 { return (n + a - 1) / a * a }

// EncodeF32 encodes values as little-endian float32.
func EncodeF32(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// EncodeF16 encodes values as little-endian IEEE half precision.
func EncodeF16(vals []float32) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeI8 encodes signed bytes.
func EncodeI8(q []int8) []byte {
	out := make([]byte, len(q))
	for i, v := range q {
		out[i] = byte(v)
	}
	return out
}

// EncodeI4 packs values in [-8,7] two per byte, low nibble first.
func EncodeI4(q []int8) []byte {
	out := make([]byte, (len(q)+1)/2)
	for i, v := range q {
		n := byte(v) & 0x0f
		if i&1 == 0 {
			out[i>>1] |= n
		} else {
			out[i>>1] |= n << 4
		}
	}
	return out
}
