package stage

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"chatloop/internal/batching"
	"chatloop/internal/errs"
	"chatloop/internal/kvcache"
	"chatloop/internal/tensor"
)

// Observer receives executor events. Implementations must not block.
type Observer interface {
	ForwardDone(size int, d time.Duration, err error)
	HandoffRetry()
}

type noopObserver struct{}

func (noopObserver) ForwardDone(int, time.Duration, error) {}
func (noopObserver) HandoffRetry()                         {}

// Config tunes an Executor.
type Config struct {
	// Stage is this worker's index in the pipeline.
	Stage           int
	HandoffAttempts int
	HandoffBackoff  time.Duration
	Observer        Observer
	Logger          zerolog.Logger
}

// Executor runs the local layer range over batches. It implements
// batching.Executor and is driven by a single dispatcher goroutine.
type Executor struct {
	cfg   Config
	model *Model
	arena *kvcache.Arena
	pool  *tensor.Pool
	next  Downstream
	obs   Observer
	log   zerolog.Logger
}

// NewExecutor wires a bound model to its cache and compute pool. next must be
// nil exactly when the model is the terminal stage.
func NewExecutor(cfg Config, model *Model, arena *kvcache.Arena, pool *tensor.Pool, next Downstream) (*Executor, error) {
	if model.Meta.Terminal() != (next == nil) {
		if next == nil {
			return nil, errs.ErrInvalid("stage %d ends at layer %d of %d but has no next stage", cfg.Stage, model.Meta.EndLayer, model.Meta.TotalLayers)
		}
		return nil, errs.ErrInvalid("terminal stage %d must not have a next stage", cfg.Stage)
	}
	if cfg.HandoffAttempts <= 0 {
		cfg.HandoffAttempts = DefaultHandoffAttempts
	}
	if cfg.HandoffBackoff <= 0 {
		cfg.HandoffBackoff = DefaultHandoffBackoff
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Executor{
		cfg:   cfg,
		model: model,
		arena: arena,
		pool:  pool,
		next:  next,
		obs:   cfg.Observer,
		log:   cfg.Logger.With().Str("component", "stage").Int("stage", cfg.Stage).Logger(),
	}, nil
}

// Model returns the bound model.
func (x *Executor) Model() *Model { return x.model }

// Execute runs b and returns one result per step. Members that expired,
// are malformed, or do not fit the cache fail alone; a compute fault or an
// exhausted handoff fails every remaining member.
func (x *Executor) Execute(ctx context.Context, b *batching.Batch) []batching.Result {
	start := time.Now()
	results := make([]batching.Result, b.Size())
	if dropped := x.arena.Sweep(); len(dropped) > 0 {
		x.log.Debug().Int("count", len(dropped)).Msg("dropped expired cache entries")
	}

	now := time.Now()
	var live []int
	var entries []*kvcache.Entry
	for i, s := range b.Steps {
		results[i].Seq = s.Seq
		if err := x.validate(s); err != nil {
			results[i].Err = err
			continue
		}
		if s.Expired(now) {
			x.arena.Release(s.Seq)
			results[i].Err = errs.ErrTimeout("deadline passed before execution")
			continue
		}
		e, err := x.arena.Reserve(s.Seq, s.Pos, s.Len, s.Deadline)
		if err != nil {
			results[i].Err = err
			continue
		}
		live = append(live, i)
		entries = append(entries, e)
	}
	if len(live) == 0 {
		return results
	}

	steps := make([]batching.Step, len(live))
	for j, i := range live {
		steps[j] = b.Steps[i]
	}
	sub := batching.NewBatch(b.ID, steps, b.Created)

	out, err := x.compute(sub, entries)
	if err != nil {
		for _, s := range steps {
			x.arena.Abort(s.Seq)
		}
	} else {
		for _, s := range steps {
			x.arena.Commit(s.Seq)
		}
	}
	var emitted []batching.Result
	if err == nil {
		emitted, err = x.emit(ctx, sub, out)
	}
	for j, i := range live {
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i] = emitted[j]
	}
	x.obs.ForwardDone(sub.Size(), time.Since(start), err)
	if err != nil {
		x.log.Error().Err(err).Uint64("batch", b.ID).Int("size", sub.Size()).Msg("batch failed")
	}
	return results
}

func (x *Executor) validate(s batching.Step) error {
	meta := x.model.Meta
	if s.Len <= 0 {
		return errs.ErrInvalid("sequence %d: empty step", s.Seq)
	}
	if s.Pos < 0 || s.Pos+s.Len > meta.MaxSeqLen {
		return errs.ErrInvalid("sequence %d: positions [%d,%d) exceed context of %d", s.Seq, s.Pos, s.Pos+s.Len, meta.MaxSeqLen)
	}
	if meta.First() {
		if len(s.Tokens) != s.Len {
			return errs.ErrInvalid("sequence %d: %d tokens for length %d", s.Seq, len(s.Tokens), s.Len)
		}
		for _, t := range s.Tokens {
			if t < 0 || int(t) >= meta.VocabSize {
				return errs.ErrInvalid("sequence %d: token %d outside vocabulary of %d", s.Seq, t, meta.VocabSize)
			}
		}
		return nil
	}
	if len(s.Hidden) != s.Len*meta.HiddenDim {
		return errs.ErrInvalid("sequence %d: %d hidden values for %d rows of %d", s.Seq, len(s.Hidden), s.Len, meta.HiddenDim)
	}
	return nil
}

// compute runs the local layers. It returns logits [B, vocab] on the
// terminal stage and padded hidden states [B, MaxLen, hidden] otherwise.
func (x *Executor) compute(b *batching.Batch, entries []*kvcache.Entry) (out []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrCompute("panic in batch %d: %v", b.ID, r)
		}
	}()
	meta := x.model.Meta
	h := meta.HiddenDim

	var hidden []float32
	if meta.First() {
		hidden = make([]float32, b.Size()*b.MaxLen*h)
		for i, s := range b.Steps {
			for t, tok := range s.Tokens {
				row := (i*b.MaxLen + t) * h
				x.model.embed.Row(int(tok), hidden[row:row+h])
			}
		}
	} else {
		hidden = b.PadHidden(h)
	}

	for l := range x.model.layers {
		if err := x.layer(l, hidden, b, entries); err != nil {
			return nil, err
		}
	}
	if !tensor.Finite(hidden) {
		return nil, errs.ErrCompute("non-finite hidden state in batch %d", b.ID)
	}
	if !meta.Terminal() {
		return hidden, nil
	}

	last := make([]float32, b.Size()*h)
	for i := range b.Steps {
		row := (i*b.MaxLen + b.Lengths[i] - 1) * h
		tensor.RMSNorm(last[i*h:(i+1)*h], hidden[row:row+h], x.model.norm, meta.NormEps)
	}
	logits := make([]float32, b.Size()*meta.VocabSize)
	if err := x.pool.MatMul(logits, last, b.Size(), x.model.output); err != nil {
		return nil, err
	}
	if !tensor.Finite(logits) {
		return nil, errs.ErrCompute("non-finite logits in batch %d", b.ID)
	}
	return logits, nil
}

func (x *Executor) layer(l int, hidden []float32, b *batching.Batch, entries []*kvcache.Entry) error {
	meta := x.model.Meta
	ly := &x.model.layers[l]
	h, inter := meta.HiddenDim, meta.IntermediateDim
	rows := b.Size() * b.MaxLen

	xn := make([]float32, rows*h)
	for r := 0; r < rows; r++ {
		tensor.RMSNorm(xn[r*h:(r+1)*h], hidden[r*h:(r+1)*h], ly.attnNorm, meta.NormEps)
	}
	q := make([]float32, rows*h)
	k := make([]float32, rows*h)
	v := make([]float32, rows*h)
	if err := x.pool.MatMul(q, xn, rows, ly.wq); err != nil {
		return err
	}
	if err := x.pool.MatMul(k, xn, rows, ly.wk); err != nil {
		return err
	}
	if err := x.pool.MatMul(v, xn, rows, ly.wv); err != nil {
		return err
	}

	attn := make([]float32, rows*h)
	x.pool.For(b.Size(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x.attend(l, i, b, entries[i], q, k, v, attn)
		}
	})
	o := make([]float32, rows*h)
	if err := x.pool.MatMul(o, attn, rows, ly.wo); err != nil {
		return err
	}
	tensor.Add(hidden, o)

	for r := 0; r < rows; r++ {
		tensor.RMSNorm(xn[r*h:(r+1)*h], hidden[r*h:(r+1)*h], ly.ffnNorm, meta.NormEps)
	}
	gate := make([]float32, rows*inter)
	up := make([]float32, rows*inter)
	if err := x.pool.MatMul(gate, xn, rows, ly.w1); err != nil {
		return err
	}
	if err := x.pool.MatMul(up, xn, rows, ly.w3); err != nil {
		return err
	}
	tensor.SiLU(gate)
	tensor.Mul(gate, up)
	if err := x.pool.MatMul(o, gate, rows, ly.w2); err != nil {
		return err
	}
	tensor.Add(hidden, o)
	return nil
}

// attend writes member i's rotated keys and values into its cache entry and
// computes causal multi-head attention over the cached prefix.
func (x *Executor) attend(l, i int, b *batching.Batch, e *kvcache.Entry, q, k, v, attn []float32) {
	meta := x.model.Meta
	h, heads, hd := meta.HiddenDim, meta.NumHeads, meta.HeadDim()
	s := b.Steps[i]
	n := b.Lengths[i]
	kc, vc := e.K(l), e.V(l)

	for t := 0; t < n; t++ {
		row := (i*b.MaxLen + t) * h
		pos := s.Pos + t
		tensor.RoPE(q[row:row+h], pos, hd, meta.RopeTheta)
		tensor.RoPE(k[row:row+h], pos, hd, meta.RopeTheta)
		copy(kc[pos*h:(pos+1)*h], k[row:row+h])
		copy(vc[pos*h:(pos+1)*h], v[row:row+h])
	}

	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := make([]float32, s.Pos+n)
	for t := 0; t < n; t++ {
		row := (i*b.MaxLen + t) * h
		pos := s.Pos + t
		for hh := 0; hh < heads; hh++ {
			qh := q[row+hh*hd : row+(hh+1)*hd]
			sc := scores[:pos+1]
			for p := range sc {
				sc[p] = tensor.Dot(qh, kc[p*h+hh*hd:p*h+(hh+1)*hd]) * scale
			}
			tensor.Softmax(sc)
			out := attn[row+hh*hd : row+(hh+1)*hd]
			for p, w := range sc {
				vh := vc[p*h+hh*hd : p*h+(hh+1)*hd]
				for d := range out {
					out[d] += w * vh[d]
				}
			}
		}
	}
}

// emit samples tokens on the terminal stage or hands the batch onward.
func (x *Executor) emit(ctx context.Context, b *batching.Batch, out []float32) ([]batching.Result, error) {
	meta := x.model.Meta
	results := make([]batching.Result, b.Size())
	if meta.Terminal() {
		vocab := meta.VocabSize
		for i, s := range b.Steps {
			tok := Sample(out[i*vocab:(i+1)*vocab], s.Sampling, s.Pos+s.Len)
			if IsStop(tok, meta.EOSToken, s.Sampling) {
				x.arena.Complete(s.Seq)
			}
			results[i] = batching.Result{Seq: s.Seq, Token: tok}
		}
		return results, nil
	}

	if dl, ok := latestDeadline(b); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	resp, err := x.forwardWithRetry(ctx, EncodeRequest(x.cfg.Stage, b, out, meta.HiddenDim))
	if err != nil {
		return nil, err
	}
	bySeq := make(map[uint64]batching.Result, len(resp.Results))
	for _, r := range resp.Results {
		bySeq[r.SequenceID] = FromWire(r)
	}
	for i, s := range b.Steps {
		r, ok := bySeq[s.Seq]
		if !ok {
			r = batching.Result{Seq: s.Seq, Err: errs.ErrCompute("next stage returned no result for sequence %d", s.Seq)}
		}
		results[i] = r
	}
	return results, nil
}

// latestDeadline returns the latest member deadline when every member has
// one.
func latestDeadline(b *batching.Batch) (time.Time, bool) {
	var dl time.Time
	for _, s := range b.Steps {
		if s.Deadline.IsZero() {
			return time.Time{}, false
		}
		if s.Deadline.After(dl) {
			dl = s.Deadline
		}
	}
	return dl, true
}

// Release drops finished sequences locally.
func (x *Executor) Release(seqs []uint64) {
	for _, s := range seqs {
		x.arena.Release(s)
	}
}
