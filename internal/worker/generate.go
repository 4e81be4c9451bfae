package worker

import (
	"context"
	"time"
	"unicode/utf8"

	"chatloop/internal/batching"
	"chatloop/internal/errs"
	"chatloop/internal/stage"
	"chatloop/pkg/types"
)

// Finish reasons.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Generate runs a whole generation on the first stage: one prefill step for
// the prompt, then one decode step per new token, each submitted through
// the batching engine. It ends on a stop token, at max_tokens or at the
// end of the context window. The sequence's cache entries are released
// along the chain afterwards.
func (w *Worker) Generate(ctx context.Context, req types.GenerateRequest) (types.InferResponse, error) {
	meta := w.model.Meta
	if !meta.First() {
		return types.InferResponse{}, errs.ErrInvalid("stage %d does not accept prompts", w.cfg.Stage)
	}
	prompt := req.PromptTokens
	if len(prompt) == 0 && req.Prompt != "" {
		prompt = EncodeText(req.Prompt, meta.BOSToken)
	}
	if len(prompt) == 0 {
		return types.InferResponse{}, errs.ErrInvalid("prompt is empty")
	}
	if len(prompt) > meta.MaxSeqLen {
		return types.InferResponse{}, errs.ErrInvalid("prompt of %d tokens exceeds context of %d", len(prompt), meta.MaxSeqLen)
	}
	for _, t := range prompt {
		if t < 0 || int(t) >= meta.VocabSize {
			return types.InferResponse{}, errs.ErrInvalid("token %d outside vocabulary of %d", t, meta.VocabSize)
		}
	}
	sampling := req.Sampling
	maxTokens := sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = w.cfg.DefaultMaxTokens
	}
	// the last sampled token is never fed back
	maxTokens = min(maxTokens, meta.MaxSeqLen-len(prompt)+1)

	if req.DeadlineUnixMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineUnixMs))
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	seq := req.SequenceID
	if seq == 0 {
		seq = w.seq.Add(1)
	}
	log := w.log.With().Uint64("seq", seq).Str("request_id", req.RequestID).Logger()
	defer w.release(seq)

	if w.metrics != nil {
		w.metrics.Inference.ActiveRequests.Inc()
		defer w.metrics.Inference.ActiveRequests.Dec()
	}

	start := time.Now()
	resp := types.InferResponse{
		RequestID:    req.RequestID,
		SequenceID:   seq,
		PromptTokens: len(prompt),
		FinishReason: FinishLength,
	}
	var firstToken time.Duration
	step := batching.Step{Seq: seq, Pos: 0, Len: len(prompt), Tokens: prompt, Sampling: sampling, Deadline: deadline}

	var err error
	for len(resp.Tokens) < maxTokens {
		var r batching.Result
		r, err = w.step(ctx, step)
		if err != nil {
			break
		}
		if step.Pos == 0 {
			firstToken = time.Since(start)
			resp.Timing.QueueMs = r.Queued.Milliseconds()
		}
		if stage.IsStop(r.Token, meta.EOSToken, sampling) {
			resp.FinishReason = FinishStop
			break
		}
		resp.Tokens = append(resp.Tokens, r.Token)
		step = batching.Step{Seq: seq, Pos: step.Pos + step.Len, Len: 1, Tokens: []int32{r.Token}, Sampling: sampling, Deadline: deadline}
	}
	total := time.Since(start)
	if w.metrics != nil {
		w.metrics.RecordInference(total, firstToken, len(resp.Tokens), err)
	}
	if err != nil {
		log.Warn().Err(err).Int("generated", len(resp.Tokens)).Msg("generation failed")
		return types.InferResponse{}, err
	}

	resp.CompletionTokens = len(resp.Tokens)
	resp.Text = DecodeText(resp.Tokens)
	resp.Timing.FirstTokenMs = firstToken.Milliseconds()
	resp.Timing.TotalMs = total.Milliseconds()
	log.Debug().
		Int("prompt_tokens", resp.PromptTokens).
		Int("completion_tokens", resp.CompletionTokens).
		Str("finish", resp.FinishReason).
		Dur("total", total).
		Msg("generation done")
	return resp, nil
}

// step submits one step and checks the result belongs to it.
func (w *Worker) step(ctx context.Context, s batching.Step) (batching.Result, error) {
	results, err := w.engine.Submit(ctx, []batching.Step{s})
	if err != nil {
		return batching.Result{}, err
	}
	r := results[0]
	if r.Err != nil {
		return r, r.Err
	}
	if r.Seq != s.Seq {
		return r, errs.ErrCompute("result for sequence %d delivered to sequence %d", r.Seq, s.Seq)
	}
	return r, nil
}

// EncodeText maps text to byte-level token ids, prepending bos when it is
// not negative.
func EncodeText(text string, bos int) []int32 {
	out := make([]int32, 0, len(text)+1)
	if bos >= 0 {
		out = append(out, int32(bos))
	}
	for i := 0; i < len(text); i++ {
		out = append(out, int32(text[i]))
	}
	return out
}

// DecodeText maps byte-level ids back to text. Ids of 256 and above have
// no byte form and are skipped, as are invalid UTF-8 sequences.
func DecodeText(ids []int32) string {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			b = append(b, byte(id))
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, n := utf8.DecodeRune(b)
		if r != utf8.RuneError || n > 1 {
			out = append(out, r)
		}
		b = b[n:]
	}
	return string(out)
}
