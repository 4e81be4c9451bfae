package stage

import (
	"context"
	"errors"
	"time"

	"chatloop/internal/batching"
	"chatloop/internal/errs"
	"chatloop/internal/weights"
	"chatloop/pkg/types"
)

// Downstream is the next stage of the pipeline as seen by this one.
type Downstream interface {
	Forward(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error)
	Release(ctx context.Context, req types.ReleaseRequest) error
	Health(ctx context.Context) (types.HealthResponse, error)
	Endpoint() string
}

// Defaults for the handoff retry budget.
const (
	DefaultHandoffAttempts = 3
	DefaultHandoffBackoff  = 50 * time.Millisecond
	maxHandoffBackoff      = 2 * time.Second
)

// retryable reports whether a handoff failure may be resent. Typed errors
// from the next stage are final; anything else is a transport fault.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errs.Kind(err) == errs.KindInternal
}

// sleepBackoff waits base<<(attempt-1), capped, or until ctx is done.
func sleepBackoff(ctx context.Context, attempt int, base time.Duration) error {
	d := base << uint(attempt-1)
	if d <= 0 || d > maxHandoffBackoff {
		d = maxHandoffBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// forwardWithRetry sends req, resending transport faults with bounded
// exponential backoff. Exhausting the budget yields a pipeline transport
// error; typed errors from the next stage pass through unchanged.
func (x *Executor) forwardWithRetry(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= x.cfg.HandoffAttempts; attempt++ {
		resp, err := x.next.Forward(ctx, req)
		if err == nil {
			if attempt > 1 {
				x.log.Info().Uint64("batch", req.BatchID).Int("attempt", attempt).Msg("handoff succeeded after retry")
			}
			return resp, nil
		}
		if !retryable(err) {
			return resp, err
		}
		lastErr = err
		x.obs.HandoffRetry()
		x.log.Warn().Err(err).Uint64("batch", req.BatchID).Int("attempt", attempt).Str("next", x.next.Endpoint()).Msg("handoff failed")
		if attempt == x.cfg.HandoffAttempts {
			break
		}
		if err := sleepBackoff(ctx, attempt, x.cfg.HandoffBackoff); err != nil {
			lastErr = err
			break
		}
	}
	return types.ForwardResponse{}, errs.ErrPipelineTransport(x.next.Endpoint(), x.cfg.HandoffAttempts, lastErr)
}

// EncodeRequest builds the wire handoff for b's live members from the
// padded hidden states. Only each member's real rows are sent, back to back
// in member order.
func EncodeRequest(stage int, b *batching.Batch, hidden []float32, width int) types.ForwardRequest {
	req := types.ForwardRequest{
		FromStage: stage,
		BatchID:   b.ID,
		MaxLen:    b.MaxLen,
		Width:     width,
		Members:   make([]types.ForwardMember, b.Size()),
	}
	rows := make([]float32, 0, len(hidden))
	for i, s := range b.Steps {
		m := types.ForwardMember{SequenceID: s.Seq, Pos: s.Pos, Len: s.Len, Sampling: s.Sampling}
		if !s.Deadline.IsZero() {
			m.DeadlineUnixMs = s.Deadline.UnixMilli()
		}
		req.Members[i] = m
		rows = append(rows, b.Unpad(hidden, i, width)...)
	}
	req.Hidden = weights.EncodeF32(rows)
	return req
}

// DecodeRequest splits a received handoff into steps, one per member.
func DecodeRequest(req types.ForwardRequest) ([]batching.Step, error) {
	if req.Width <= 0 {
		return nil, errs.ErrInvalid("handoff width %d", req.Width)
	}
	total := 0
	for _, m := range req.Members {
		if m.Len <= 0 || m.Len > req.MaxLen {
			return nil, errs.ErrInvalid("member %d has length %d outside (0,%d]", m.SequenceID, m.Len, req.MaxLen)
		}
		total += m.Len
	}
	want := total * req.Width
	if len(req.Hidden) != 4*want {
		return nil, errs.ErrInvalid("handoff carries %d bytes, want %d rows x %d float32", len(req.Hidden), total, req.Width)
	}
	rows := make([]float32, want)
	weights.DecodeInto(weights.F32, 1, req.Hidden, rows)
	steps := make([]batching.Step, len(req.Members))
	off := 0
	for i, m := range req.Members {
		n := m.Len * req.Width
		steps[i] = batching.Step{
			Seq:      m.SequenceID,
			Pos:      m.Pos,
			Len:      m.Len,
			Hidden:   rows[off : off+n : off+n],
			Sampling: m.Sampling,
		}
		off += n
		if m.DeadlineUnixMs > 0 {
			steps[i].Deadline = time.UnixMilli(m.DeadlineUnixMs)
		}
	}
	return steps, nil
}

// ToWire converts step results for a forward response.
func ToWire(results []batching.Result) types.ForwardResponse {
	out := types.ForwardResponse{Results: make([]types.StepResult, len(results))}
	for i, r := range results {
		sr := types.StepResult{SequenceID: r.Seq, Token: r.Token}
		if r.Err != nil {
			sr.Error = &types.WireError{Kind: errs.Kind(r.Err), Message: r.Err.Error()}
		}
		out.Results[i] = sr
	}
	return out
}

// FromWire rebuilds a step result received from the next stage.
func FromWire(r types.StepResult) batching.Result {
	out := batching.Result{Seq: r.SequenceID, Token: r.Token}
	if r.Error != nil {
		out.Err = errs.FromKind(r.Error.Kind, r.Error.Message)
	}
	return out
}
