package weights

import (
	"fmt"
	"strconv"
)

// Metadata describes the layer range and model dimensions a partition was
// cut for. It is stored as string pairs under the header's __metadata__ key.
type Metadata struct {
	StartLayer      int
	EndLayer        int // exclusive
	TotalLayers     int
	HiddenDim       int
	NumHeads        int
	IntermediateDim int
	VocabSize       int
	MaxSeqLen       int
	NormEps         float64
	RopeTheta       float64
	BOSToken        int
	EOSToken        int
	// Extra holds keys this package does not interpret.
	Extra map[string]string
}

const (
	defaultNormEps   = 1e-5
	defaultRopeTheta = 10000.0
	defaultMaxSeqLen = 2048
)

// First reports whether the partition holds the embedding table.
func (m Metadata) First() bool { return m.StartLayer == 0 }

// Terminal reports whether the partition holds the output head.
func (m Metadata) Terminal() bool { return m.EndLayer == m.TotalLayers }

// HeadDim is the per-head attention width.
func (m Metadata) HeadDim() int {
	if m.NumHeads == 0 {
		return 0
	}
	return m.HiddenDim / m.NumHeads
}

// Layers returns the number of layers held by the partition.
func (m Metadata) Layers() int { return m.EndLayer - m.StartLayer }

// Validate checks the model dimensions required to run a forward pass.
func (m Metadata) Validate() error {
	switch {
	case m.HiddenDim <= 0:
		return fmt.Errorf("hidden_dim must be positive")
	case m.NumHeads <= 0 || m.HiddenDim%m.NumHeads != 0:
		return fmt.Errorf("num_heads %d does not divide hidden_dim %d", m.NumHeads, m.HiddenDim)
	case m.HeadDim()%2 != 0:
		return fmt.Errorf("head dim %d must be even for rotary embeddings", m.HeadDim())
	case m.IntermediateDim <= 0:
		return fmt.Errorf("intermediate_dim must be positive")
	case m.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive")
	case m.StartLayer < 0 || m.EndLayer <= m.StartLayer || m.EndLayer > m.TotalLayers:
		return fmt.Errorf("invalid layer range [%d,%d) of %d", m.StartLayer, m.EndLayer, m.TotalLayers)
	}
	return nil
}

var intKeys = []string{
	"start_layer", "end_layer", "total_layers", "hidden_dim", "num_heads",
	"intermediate_dim", "vocab_size", "max_seq_len", "bos_token", "eos_token",
}

func parseMetadata(kv map[string]string) (Metadata, error) {
	m := Metadata{NormEps: defaultNormEps, RopeTheta: defaultRopeTheta, MaxSeqLen: defaultMaxSeqLen, BOSToken: -1, EOSToken: -1}
	ints := map[string]*int{
		"start_layer":      &m.StartLayer,
		"end_layer":        &m.EndLayer,
		"total_layers":     &m.TotalLayers,
		"hidden_dim":       &m.HiddenDim,
		"num_heads":        &m.NumHeads,
		"intermediate_dim": &m.IntermediateDim,
		"vocab_size":       &m.VocabSize,
		"max_seq_len":      &m.MaxSeqLen,
		"bos_token":        &m.BOSToken,
		"eos_token":        &m.EOSToken,
	}
	floats := map[string]*float64{"norm_eps": &m.NormEps, "rope_theta": &m.RopeTheta}
	for k, v := range kv {
		if p, ok := ints[k]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return m, fmt.Errorf("metadata %s: %w", k, err)
			}
			*p = n
			continue
		}
		if p, ok := floats[k]; ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return m, fmt.Errorf("metadata %s: %w", k, err)
			}
			*p = f
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[k] = v
	}
	return m, nil
}

// Pairs renders the metadata back into header form.
func (m Metadata) Pairs() map[string]string {
	out := map[string]string{
		"norm_eps":   strconv.FormatFloat(m.NormEps, 'g', -1, 64),
		"rope_theta": strconv.FormatFloat(m.RopeTheta, 'g', -1, 64),
	}
	vals := []int{m.StartLayer, m.EndLayer, m.TotalLayers, m.HiddenDim, m.NumHeads,
		m.IntermediateDim, m.VocabSize, m.MaxSeqLen, m.BOSToken, m.EOSToken}
	for i, k := range intKeys {
		out[k] = strconv.Itoa(vals[i])
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return out
}
