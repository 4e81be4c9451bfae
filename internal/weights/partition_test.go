package weights

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"chatloop/internal/errs"
)

func testMeta() Metadata {
	return Metadata{StartLayer: 0, EndLayer: 1, TotalLayers: 2, HiddenDim: 4, NumHeads: 2,
		IntermediateDim: 8, VocabSize: 16, MaxSeqLen: 64, NormEps: 1e-5, RopeTheta: 10000, BOSToken: 1, EOSToken: 2}
}

func writePartition(t *testing.T, tensors []Tensor) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "part.safetensors")
	require.NoError(t, WriteFile(p, testMeta(), tensors))
	return p
}

// writeRaw writes a file with a hand-built header and n bytes of data.
func writeRaw(t *testing.T, header map[string]any, n int) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	buf := make([]byte, 8, 8+len(hb)+n)
	binary.LittleEndian.PutUint64(buf, uint64(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, make([]byte, n)...)
	p := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(p, buf, 0o644))
	return p
}

func TestOpen_RoundTripAllDTypes(t *testing.T) {
	f32 := []float32{1, -2, 3.5, 4}
	p := writePartition(t, []Tensor{
		{Name: "a.f32", DType: F32, Shape: []int{2, 2}, Data: EncodeF32(f32)},
		{Name: "b.f16", DType: F16, Shape: []int{4}, Data: EncodeF16([]float32{0.5, -1, 2, 0})},
		{Name: "c.i8", DType: I8, Shape: []int{1, 3}, Scale: 0.5, Data: EncodeI8([]int8{-4, 0, 127})},
		{Name: "d.i4", DType: I4, Shape: []int{2, 2}, Scale: 2, Data: EncodeI4([]int8{-8, 7, 1, -1})},
	})
	part, err := Open(p)
	require.NoError(t, err)
	defer part.Close()

	require.Equal(t, []string{"a.f32", "b.f16", "c.i8", "d.i4"}, part.Names())
	require.Equal(t, 4, part.Meta().HiddenDim)
	require.True(t, part.Meta().First())
	require.False(t, part.Meta().Terminal())

	a, err := part.Lookup("a.f32")
	require.NoError(t, err)
	require.Equal(t, 2, a.Rows())
	require.Equal(t, 2, a.Cols())
	alias, ok := a.Float32s()
	require.True(t, ok, "F32 data should alias the mapping")
	require.Equal(t, f32, alias)
	row := make([]float32, 2)
	a.Row(1, row)
	require.Equal(t, []float32{3.5, 4}, row)

	b, _ := part.Lookup("b.f16")
	got := make([]float32, 4)
	b.Dequantize(got)
	require.Equal(t, []float32{0.5, -1, 2, 0}, got)

	c, _ := part.Lookup("c.i8")
	got = make([]float32, 3)
	c.Dequantize(got)
	require.Equal(t, []float32{-2, 0, 63.5}, got)

	d, _ := part.Lookup("d.i4")
	got = make([]float32, 2)
	d.Row(0, got)
	require.Equal(t, []float32{-16, 14}, got)
	d.Row(1, got)
	require.Equal(t, []float32{2, -2}, got)
}

func TestLookup_NotFound(t *testing.T) {
	p := writePartition(t, []Tensor{{Name: "x", DType: F32, Shape: []int{1}, Data: EncodeF32([]float32{1})}})
	part, err := Open(p)
	require.NoError(t, err)
	defer part.Close()
	_, err = part.Lookup("layers.0.attention.wq.weight")
	require.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestOpen_TensorPastEOF(t *testing.T) {
	p := writeRaw(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 16}},
	}, 8)
	part, err := Open(p)
	require.Nil(t, part)
	require.True(t, errs.IsLoad(err), "got %v", err)
}

func TestOpen_HeaderLongerThanFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "short.safetensors")
	buf := make([]byte, 8, 12)
	binary.LittleEndian.PutUint64(buf, 1024)
	buf = append(buf, '{', '}', ' ', ' ')
	require.NoError(t, os.WriteFile(p, buf, 0o644))
	_, err := Open(p)
	require.True(t, errs.IsLoad(err), "got %v", err)
}

func TestOpen_Malformed(t *testing.T) {
	cases := map[string]map[string]any{
		"size mismatch": {"w": map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 8}}},
		"unknown dtype": {"w": map[string]any{"dtype": "Q9", "shape": []int{2}, "data_offsets": []int{0, 2}}},
		"odd i4 rows":   {"w": map[string]any{"dtype": "I4", "shape": []int{2, 3}, "data_offsets": []int{0, 3}}},
		"bad metadata":  {"__metadata__": map[string]string{"hidden_dim": "wide"}},
	}
	for name, hdr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(writeRaw(t, hdr, 16))
			require.True(t, errs.IsLoad(err), "got %v", err)
		})
	}
}

func TestOpen_TooShortAndMissing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tiny")
	require.NoError(t, os.WriteFile(p, []byte{1, 2, 3}, 0o644))
	_, err := Open(p)
	require.True(t, errs.IsLoad(err))

	_, err = Open(filepath.Join(t.TempDir(), "nope"))
	require.True(t, errs.IsLoad(err))
}

func TestMetadataValidate(t *testing.T) {
	m := testMeta()
	require.NoError(t, m.Validate())
	m.NumHeads = 3
	require.Error(t, m.Validate())
	m = testMeta()
	m.EndLayer = 3
	require.Error(t, m.Validate())
}

func TestNibbleSignExtension(t *testing.T) {
	packed := EncodeI4([]int8{-8, 7, -1, 0})
	want := []int8{-8, 7, -1, 0}
	for i, w := range want {
		require.Equal(t, w, Nibble(packed, i), "index %d", i)
	}
}
