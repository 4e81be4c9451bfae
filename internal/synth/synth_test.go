package synth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"chatloop/internal/stage"
	"chatloop/internal/weights"
)

func TestRanges(t *testing.T) {
	s := Tiny()
	s.Layers, s.Stages = 5, 2
	require.Equal(t, [][2]int{{0, 3}, {3, 5}}, s.Ranges())
	s.Stages = 5
	require.Len(t, s.Ranges(), 5)
	require.Equal(t, [2]int{4, 5}, s.Ranges()[4])
}

func TestWrite_SplitHoldsSameWeights(t *testing.T) {
	s := Tiny()
	s.Layers = 4
	whole, err := Write(t.TempDir(), s)
	require.NoError(t, err)
	s.Stages = 2
	split, err := Write(t.TempDir(), s)
	require.NoError(t, err)
	require.Len(t, split, 2)

	full, err := weights.Open(whole[0])
	require.NoError(t, err)
	defer full.Close()
	tail, err := weights.Open(split[1])
	require.NoError(t, err)
	defer tail.Close()

	require.Equal(t, 2, tail.Meta().StartLayer)
	require.True(t, tail.Meta().Terminal())
	for _, name := range []string{stage.LayerTensor(3, "attention.wq"), stage.OutputTensor} {
		a, err := full.Lookup(name)
		require.NoError(t, err)
		b, err := tail.Lookup(name)
		require.NoError(t, err)
		require.True(t, bytes.Equal(a.Bytes(), b.Bytes()), name)
	}
	_, err = tail.Lookup(stage.EmbeddingTensor)
	require.Error(t, err)
}

func TestWrite_Quantized(t *testing.T) {
	for _, dt := range []weights.DType{weights.F16, weights.I8, weights.I4} {
		t.Run(dt.String(), func(t *testing.T) {
			s := Tiny()
			s.DType = dt
			paths, err := Write(t.TempDir(), s)
			require.NoError(t, err)
			p, err := weights.Open(paths[0])
			require.NoError(t, err)
			defer p.Close()

			wq, err := p.Lookup(stage.LayerTensor(0, "attention.wq"))
			require.NoError(t, err)
			require.Equal(t, dt, wq.DType)
			norm, err := p.Lookup(stage.LayerTensor(0, "ffn_norm"))
			require.NoError(t, err)
			require.Equal(t, weights.F32, norm.DType)
			_, err = stage.Bind(p)
			require.NoError(t, err)
		})
	}
}

func TestWrite_RejectsBadShapes(t *testing.T) {
	s := Tiny()
	s.Stages = 3
	_, err := Write(t.TempDir(), s)
	require.Error(t, err)

	s = Tiny()
	s.Heads = 3
	_, err = Write(t.TempDir(), s)
	require.Error(t, err)
}
