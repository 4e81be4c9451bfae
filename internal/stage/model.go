// Package stage runs a worker's layer range over a batch: token embedding
// on the first stage, decoder layers with a per-sequence KV cache, and the
// output head with sampling on the terminal stage. Non-terminal stages hand
// the hidden states to the next stage.
package stage

import (
	"fmt"
	"slices"

	"chatloop/internal/errs"
	"chatloop/internal/tensor"
	"chatloop/internal/weights"
)

// Tensor names inside a partition.
const (
	EmbeddingTensor = "tok_embeddings.weight"
	FinalNormTensor = "norm.weight"
	OutputTensor    = "output.weight"
)

// LayerTensor returns the name of a per-layer tensor, e.g.
// LayerTensor(3, "attention.wq") is "layers.3.attention.wq.weight".
func LayerTensor(layer int, name string) string {
	return fmt.Sprintf("layers.%d.%s.weight", layer, name)
}

// LayerTensorNames lists the per-layer tensor suffixes.
var LayerTensorNames = []string{
	"attention_norm", "attention.wq", "attention.wk", "attention.wv", "attention.wo",
	"ffn_norm", "feed_forward.w1", "feed_forward.w2", "feed_forward.w3",
}

type layer struct {
	attnNorm []float32
	ffnNorm  []float32
	wq, wk   weights.View
	wv, wo   weights.View
	w1, w2   weights.View
	w3       weights.View
}

// Model is a partition bound to the tensors its layer range needs.
type Model struct {
	Meta   weights.Metadata
	embed  weights.View
	norm   []float32
	output weights.View
	layers []layer
}

// Bind resolves every tensor the partition's layer range needs and checks
// their shapes. A missing tensor is a not-found error; bad metadata or a
// shape mismatch is a load error.
func Bind(p *weights.Partition) (*Model, error) {
	meta := p.Meta()
	if err := meta.Validate(); err != nil {
		return nil, errs.ErrLoad(p.Path(), "%v", err)
	}
	m := &Model{Meta: meta}
	h, inter, vocab := meta.HiddenDim, meta.IntermediateDim, meta.VocabSize

	lookup := func(name string, shape ...int) (weights.View, error) {
		v, err := p.Lookup(name)
		if err != nil {
			return v, err
		}
		if !slices.Equal(v.Shape, shape) {
			return v, errs.ErrLoad(p.Path(), "tensor %s has shape %v, want %v", name, v.Shape, shape)
		}
		return v, nil
	}

	var err error
	if meta.First() {
		if m.embed, err = lookup(EmbeddingTensor, vocab, h); err != nil {
			return nil, err
		}
	}
	if meta.Terminal() {
		nv, err := lookup(FinalNormTensor, h)
		if err != nil {
			return nil, err
		}
		m.norm = tensor.Vector(nv)
		if m.output, err = lookup(OutputTensor, vocab, h); err != nil {
			return nil, err
		}
	}
	for l := meta.StartLayer; l < meta.EndLayer; l++ {
		var ly layer
		an, err := lookup(LayerTensor(l, "attention_norm"), h)
		if err != nil {
			return nil, err
		}
		fn, err := lookup(LayerTensor(l, "ffn_norm"), h)
		if err != nil {
			return nil, err
		}
		ly.attnNorm, ly.ffnNorm = tensor.Vector(an), tensor.Vector(fn)
		mats := []struct {
			dst        *weights.View
			name       string
			rows, cols int
		}{
			{&ly.wq, "attention.wq", h, h},
			{&ly.wk, "attention.wk", h, h},
			{&ly.wv, "attention.wv", h, h},
			{&ly.wo, "attention.wo", h, h},
			{&ly.w1, "feed_forward.w1", inter, h},
			{&ly.w2, "feed_forward.w2", h, inter},
			{&ly.w3, "feed_forward.w3", inter, h},
		}
		for _, mt := range mats {
			if *mt.dst, err = lookup(LayerTensor(l, mt.name), mt.rows, mt.cols); err != nil {
				return nil, err
			}
		}
		m.layers = append(m.layers, ly)
	}
	return m, nil
}
