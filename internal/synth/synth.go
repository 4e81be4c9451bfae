// Package synth generates random model partitions. Every tensor is derived
// from the seed and its own name, so a model split into any number of
// stages holds exactly the same weights.
package synth

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"path/filepath"

	"chatloop/internal/stage"
	"chatloop/internal/tensor"
	"chatloop/internal/weights"
)

// Spec describes the model to generate.
type Spec struct {
	Layers       int
	Hidden       int
	Heads        int
	Intermediate int
	Vocab        int
	MaxSeqLen    int
	Stages       int
	DType        weights.DType
	Seed         uint64
	BOS          int
	EOS          int
}

// Tiny is a model small enough for unit tests.
func Tiny() Spec {
	return Spec{Layers: 2, Hidden: 16, Heads: 2, Intermediate: 32, Vocab: 256, MaxSeqLen: 128,
		Stages: 1, DType: weights.F32, Seed: 7, BOS: 1, EOS: -1}
}

func (s Spec) validate() error {
	if s.Stages <= 0 || s.Stages > s.Layers {
		return fmt.Errorf("cannot split %d layers into %d stages", s.Layers, s.Stages)
	}
	if s.DType == weights.I4 && (s.Hidden%2 != 0 || s.Intermediate%2 != 0) {
		return fmt.Errorf("I4 needs even hidden and intermediate sizes")
	}
	return s.meta(0, s.Layers).Validate()
}

func (s Spec) meta(start, end int) weights.Metadata {
	return weights.Metadata{
		StartLayer: start, EndLayer: end, TotalLayers: s.Layers,
		HiddenDim: s.Hidden, NumHeads: s.Heads, IntermediateDim: s.Intermediate,
		VocabSize: s.Vocab, MaxSeqLen: s.MaxSeqLen, NormEps: 1e-5, RopeTheta: 10000,
		BOSToken: s.BOS, EOSToken: s.EOS,
		Extra: map[string]string{"generator": "chatloop-synth", "seed": fmt.Sprint(s.Seed)},
	}
}

// Ranges splits the layers as evenly as possible across stages.
func (s Spec) Ranges() [][2]int {
	out := make([][2]int, s.Stages)
	start := 0
	for i := range out {
		n := s.Layers / s.Stages
		if i < s.Layers%s.Stages {
			n++
		}
		out[i] = [2]int{start, start + n}
		start += n
	}
	return out
}

// Write generates the model and writes one partition per stage into dir,
// returning the file paths in stage order.
func Write(dir string, s Spec) ([]string, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	var paths []string
	for i, r := range s.Ranges() {
		p := filepath.Join(dir, fmt.Sprintf("stage-%d.safetensors", i))
		if err := weights.WriteFile(p, s.meta(r[0], r[1]), s.tensors(r[0], r[1])); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (s Spec) tensors(start, end int) []weights.Tensor {
	var out []weights.Tensor
	if start == 0 {
		out = append(out, s.matrix(stage.EmbeddingTensor, s.Vocab, s.Hidden, 1))
	}
	if end == s.Layers {
		out = append(out, ones(stage.FinalNormTensor, s.Hidden))
		out = append(out, s.matrix(stage.OutputTensor, s.Vocab, s.Hidden, 1/math.Sqrt(float64(s.Hidden))))
	}
	h, m := s.Hidden, s.Intermediate
	for l := start; l < end; l++ {
		out = append(out,
			ones(stage.LayerTensor(l, "attention_norm"), h),
			ones(stage.LayerTensor(l, "ffn_norm"), h),
		)
		for _, mt := range []struct {
			name       string
			rows, cols int
		}{
			{"attention.wq", h, h}, {"attention.wk", h, h}, {"attention.wv", h, h}, {"attention.wo", h, h},
			{"feed_forward.w1", m, h}, {"feed_forward.w2", h, m}, {"feed_forward.w3", m, h},
		} {
			out = append(out, s.matrix(stage.LayerTensor(l, mt.name), mt.rows, mt.cols, 1/math.Sqrt(float64(mt.cols))))
		}
	}
	return out
}

func (s Spec) matrix(name string, rows, cols int, scale float64) weights.Tensor {
	hf := fnv.New64a()
	_, _ = hf.Write([]byte(name))
	r := rand.New(rand.NewPCG(s.Seed, hf.Sum64()))
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = float32((r.Float64()*2 - 1) * scale)
	}
	t := weights.Tensor{Name: name, DType: s.DType, Shape: []int{rows, cols}}
	switch s.DType {
	case weights.F16:
		t.Data = weights.EncodeF16(vals)
	case weights.I8:
		q, sc := tensor.QuantizeInt8(vals)
		t.Data, t.Scale = weights.EncodeI8(q), sc
	case weights.I4:
		q, sc := tensor.QuantizeInt4(vals)
		t.Data, t.Scale = weights.EncodeI4(q), sc
	default:
		t.DType = weights.F32
		t.Data = weights.EncodeF32(vals)
	}
	return t
}

func ones(name string, n int) weights.Tensor {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = 1
	}
	return weights.Tensor{Name: name, DType: weights.F32, Shape: []int{n}, Data: weights.EncodeF32(vals)}
}
