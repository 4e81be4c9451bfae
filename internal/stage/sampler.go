package stage

import (
	"math/rand/v2"
	"sort"

	"chatloop/internal/tensor"
	"chatloop/pkg/types"
)

// Sample picks the next token from logits. Temperature 0 is greedy. With a
// non-zero seed the draw depends only on (seed, pos), so re-running a step
// reproduces it.
func Sample(logits []float32, s types.Sampling, pos int) int32 {
	if s.Temperature <= 0 {
		return int32(tensor.Argmax(logits))
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	if s.TopK > 0 && s.TopK < len(idx) {
		idx = idx[:s.TopK]
	}

	probs := make([]float32, len(idx))
	for i, j := range idx {
		probs[i] = logits[j] / s.Temperature
	}
	tensor.Softmax(probs)

	if s.TopP > 0 && s.TopP < 1 {
		var cum float32
		cut := len(probs)
		for i, p := range probs {
			cum += p
			if cum >= s.TopP {
				cut = i + 1
				break
			}
		}
		probs, idx = probs[:cut], idx[:cut]
	}

	var total float64
	for _, p := range probs {
		total += float64(p)
	}
	r := uniform(s.Seed, pos) * total
	for i, p := range probs {
		r -= float64(p)
		if r <= 0 {
			return int32(idx[i])
		}
	}
	return int32(idx[len(idx)-1])
}

func uniform(seed uint64, pos int) float64 {
	if seed == 0 {
		return rand.Float64()
	}
	return rand.New(rand.NewPCG(seed, uint64(pos)*0x9e3779b97f4a7c15)).Float64()
}

// IsStop reports whether tok ends generation.
func IsStop(tok int32, eos int, s types.Sampling) bool {
	if eos >= 0 && tok == int32(eos) {
		return true
	}
	for _, st := range s.StopTokens {
		if st == tok {
			return true
		}
	}
	return false
}
