package stage_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatloop/internal/batching"
	"chatloop/internal/errs"
	"chatloop/internal/kvcache"
	"chatloop/internal/stage"
	"chatloop/internal/synth"
	"chatloop/internal/tensor"
	"chatloop/internal/weights"
	"chatloop/pkg/types"
)

type harness struct {
	x     *stage.Executor
	arena *kvcache.Arena
}

func open(t *testing.T, path string) *stage.Model {
	t.Helper()
	p, err := weights.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	m, err := stage.Bind(p)
	require.NoError(t, err)
	return m
}

func newHarness(t *testing.T, idx int, path string, next stage.Downstream) harness {
	t.Helper()
	m := open(t, path)
	arena := kvcache.New(kvcache.Config{Layers: m.Meta.Layers(), KVDim: m.Meta.HiddenDim})
	x, err := stage.NewExecutor(stage.Config{Stage: idx, HandoffBackoff: time.Millisecond}, m, arena, tensor.NewPool(2), next)
	require.NoError(t, err)
	return harness{x: x, arena: arena}
}

// local feeds handoffs straight into another executor. The first failFirst
// calls return err instead.
type local struct {
	mu        sync.Mutex
	x         *stage.Executor
	calls     int
	failFirst int
	err       error
}

func (l *local) Forward(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error) {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failFirst
	l.mu.Unlock()
	if fail {
		return types.ForwardResponse{}, l.err
	}
	steps, err := stage.DecodeRequest(req)
	if err != nil {
		return types.ForwardResponse{}, err
	}
	return stage.ToWire(l.x.Execute(ctx, batching.NewBatch(req.BatchID, steps, time.Now()))), nil
}

func (l *local) Release(context.Context, types.ReleaseRequest) error { return nil }
func (l *local) Health(context.Context) (types.HealthResponse, error) {
	return types.HealthResponse{Healthy: true}, nil
}
func (l *local) Endpoint() string { return "local" }

func (l *local) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func writeModel(t *testing.T, stages int) []string {
	t.Helper()
	s := synth.Tiny()
	s.Stages = stages
	paths, err := synth.Write(t.TempDir(), s)
	require.NoError(t, err)
	return paths
}

// generate runs a greedy prefill plus decode loop for one sequence.
func generate(t *testing.T, x *stage.Executor, seq uint64, prompt []int32, n int) []int32 {
	t.Helper()
	var out []int32
	pos, toks := 0, prompt
	for i := 0; i < n; i++ {
		step := batching.Step{Seq: seq, Pos: pos, Len: len(toks), Tokens: toks}
		res := x.Execute(context.Background(), batching.NewBatch(uint64(i+1), []batching.Step{step}, time.Now()))
		require.Len(t, res, 1)
		require.NoError(t, res[0].Err)
		out = append(out, res[0].Token)
		pos += len(toks)
		toks = []int32{res[0].Token}
	}
	return out
}

func TestBind_MissingTensorIsNotFound(t *testing.T) {
	src := writeModel(t, 1)[0]
	path := rewrite(t, src, func(tt []weights.Tensor) []weights.Tensor {
		var out []weights.Tensor
		for _, x := range tt {
			if x.Name != stage.LayerTensor(1, "attention.wv") {
				out = append(out, x)
			}
		}
		return out
	})
	p, err := weights.Open(path)
	require.NoError(t, err)
	defer p.Close()
	_, err = stage.Bind(p)
	require.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestNewExecutor_NextStageMustMatchRange(t *testing.T) {
	paths := writeModel(t, 2)
	first := open(t, paths[0])
	arena := kvcache.New(kvcache.Config{Layers: 1, KVDim: first.Meta.HiddenDim})
	_, err := stage.NewExecutor(stage.Config{}, first, arena, tensor.NewPool(1), nil)
	require.True(t, errs.IsInvalid(err))

	last := open(t, paths[1])
	_, err = stage.NewExecutor(stage.Config{Stage: 1}, last, arena, tensor.NewPool(1), &local{})
	require.True(t, errs.IsInvalid(err))
}

func TestExecute_SplitMatchesSingleStage(t *testing.T) {
	whole := newHarness(t, 0, writeModel(t, 1)[0], nil)
	want := generate(t, whole.x, 1, []int32{1, 5, 9, 3}, 6)

	paths := writeModel(t, 2)
	tail := newHarness(t, 1, paths[1], nil)
	head := newHarness(t, 0, paths[0], &local{x: tail.x})
	got := generate(t, head.x, 1, []int32{1, 5, 9, 3}, 6)

	require.Equal(t, want, got)
	_, n, ok := tail.arena.Lookup(1)
	require.True(t, ok)
	require.Equal(t, 4+5, n)
}

func TestExecute_BatchedMembersMatchSoloRuns(t *testing.T) {
	path := writeModel(t, 1)[0]
	solo := newHarness(t, 0, path, nil)
	a := generate(t, solo.x, 1, []int32{2, 4, 6, 8, 10}, 1)
	b := generate(t, solo.x, 2, []int32{7}, 1)

	batched := newHarness(t, 0, path, nil)
	res := batched.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 10, Len: 5, Tokens: []int32{2, 4, 6, 8, 10}},
		{Seq: 20, Len: 1, Tokens: []int32{7}},
	}, time.Now()))
	require.Len(t, res, 2)
	require.NoError(t, res[0].Err)
	require.NoError(t, res[1].Err)
	require.Equal(t, uint64(10), res[0].Seq)
	require.Equal(t, uint64(20), res[1].Seq)
	require.Equal(t, a[0], res[0].Token)
	require.Equal(t, b[0], res[1].Token)
}

func TestExecute_InvalidMemberFailsAlone(t *testing.T) {
	h := newHarness(t, 0, writeModel(t, 1)[0], nil)
	res := h.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 1, Len: 1, Tokens: []int32{3}},
		{Seq: 2, Len: 1, Tokens: []int32{9999}},
		{Seq: 3, Pos: 4, Len: 1, Tokens: []int32{3}},
		{Seq: 4, Len: 1, Tokens: []int32{3}, Deadline: time.Now().Add(-time.Second)},
	}, time.Now()))
	require.NoError(t, res[0].Err)
	require.True(t, errs.IsInvalid(res[1].Err), "got %v", res[1].Err)
	require.True(t, errs.IsCacheExhausted(res[2].Err), "got %v", res[2].Err)
	require.True(t, errs.IsTimeout(res[3].Err), "got %v", res[3].Err)
}

func TestExecute_NonFiniteFailsWholeBatchAndRollsBack(t *testing.T) {
	src := writeModel(t, 1)[0]
	path := rewrite(t, src, func(tt []weights.Tensor) []weights.Tensor {
		for i := range tt {
			if tt[i].Name == stage.LayerTensor(0, "attention.wo") {
				vals := make([]float32, tt[i].Shape[0]*tt[i].Shape[1])
				vals[0] = float32(math.NaN())
				tt[i].Data = weights.EncodeF32(vals)
			}
		}
		return tt
	})
	h := newHarness(t, 0, path, nil)
	res := h.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 1, Len: 2, Tokens: []int32{3, 4}},
		{Seq: 2, Len: 1, Tokens: []int32{5}},
	}, time.Now()))
	for _, r := range res {
		require.True(t, errs.IsCompute(r.Err), "got %v", r.Err)
	}
	require.Equal(t, kvcache.Stats{}, h.arena.Stats())
}

func TestExecute_StopTokenCompletesEntry(t *testing.T) {
	h := newHarness(t, 0, writeModel(t, 1)[0], nil)
	first := generate(t, h.x, 1, []int32{1, 2}, 1)[0]

	res := h.x.Execute(context.Background(), batching.NewBatch(2, []batching.Step{
		{Seq: 2, Len: 2, Tokens: []int32{1, 2}, Sampling: types.Sampling{StopTokens: []int32{first}}},
	}, time.Now()))
	require.NoError(t, res[0].Err)
	require.Equal(t, first, res[0].Token)
	st, _, ok := h.arena.Lookup(2)
	require.True(t, ok)
	require.Equal(t, kvcache.Completed, st)
}

func TestHandoff_RetriesTransportFaults(t *testing.T) {
	paths := writeModel(t, 2)
	tail := newHarness(t, 1, paths[1], nil)
	next := &local{x: tail.x, failFirst: 2, err: errors.New("connection reset")}
	head := newHarness(t, 0, paths[0], next)

	res := head.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 1, Len: 1, Tokens: []int32{3}},
	}, time.Now()))
	require.NoError(t, res[0].Err)
	require.Equal(t, 3, next.Calls())
}

func TestHandoff_ExhaustedRetriesArePipelineTransport(t *testing.T) {
	paths := writeModel(t, 2)
	next := &local{failFirst: 100, err: errors.New("connection refused")}
	head := newHarness(t, 0, paths[0], next)

	res := head.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 1, Len: 1, Tokens: []int32{3}},
		{Seq: 2, Len: 1, Tokens: []int32{4}},
	}, time.Now()))
	for _, r := range res {
		require.True(t, errs.IsPipelineTransport(r.Err), "got %v", r.Err)
	}
	require.Equal(t, stage.DefaultHandoffAttempts, next.Calls())
	// local cache work is kept; a resend overwrites it
	_, n, ok := head.arena.Lookup(1)
	require.True(t, ok)
	require.Equal(t, 1, n)
}

func TestHandoff_TypedErrorIsNotRetried(t *testing.T) {
	paths := writeModel(t, 2)
	next := &local{failFirst: 100, err: errs.ErrOverload("queue full")}
	head := newHarness(t, 0, paths[0], next)

	res := head.x.Execute(context.Background(), batching.NewBatch(1, []batching.Step{
		{Seq: 1, Len: 1, Tokens: []int32{3}},
	}, time.Now()))
	require.True(t, errs.IsOverload(res[0].Err), "got %v", res[0].Err)
	require.Equal(t, 1, next.Calls())
}

func TestHandoffCodec_RoundTrip(t *testing.T) {
	dl := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	b := batching.NewBatch(9, []batching.Step{
		{Seq: 1, Pos: 3, Len: 2, Hidden: []float32{1, 2, 3, 4}, Deadline: dl},
		{Seq: 2, Pos: 0, Len: 1, Hidden: []float32{5, 6}, Sampling: types.Sampling{Temperature: 0.5}},
	}, time.Now())
	req := stage.EncodeRequest(0, b, b.PadHidden(2), 2)
	require.Equal(t, 2, req.MaxLen)
	require.Len(t, req.Hidden, 3*2*4, "padding rows are not sent")

	steps, err := stage.DecodeRequest(req)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, []float32{1, 2, 3, 4}, steps[0].Hidden)
	require.Equal(t, 3, steps[0].Pos)
	require.True(t, dl.Equal(steps[0].Deadline))
	require.Equal(t, []float32{5, 6}, steps[1].Hidden)
	require.Equal(t, float32(0.5), steps[1].Sampling.Temperature)

	req.Hidden = req.Hidden[:4]
	_, err = stage.DecodeRequest(req)
	require.True(t, errs.IsInvalid(err))
}

func TestWireResults_KeepErrorKind(t *testing.T) {
	w := stage.ToWire([]batching.Result{
		{Seq: 1, Token: 7},
		{Seq: 2, Err: errs.ErrCacheExhausted(2, 10, 5)},
	})
	require.Nil(t, w.Results[0].Error)
	r := stage.FromWire(w.Results[1])
	require.True(t, errs.IsCacheExhausted(r.Err), "got %v", r.Err)
	require.Equal(t, int32(7), stage.FromWire(w.Results[0]).Token)
}

// rewrite copies a partition with edit applied to its tensors.
func rewrite(t *testing.T, src string, edit func([]weights.Tensor) []weights.Tensor) string {
	t.Helper()
	p, err := weights.Open(src)
	require.NoError(t, err)
	defer p.Close()
	var tt []weights.Tensor
	for _, name := range p.Names() {
		v, err := p.Lookup(name)
		require.NoError(t, err)
		tt = append(tt, weights.Tensor{
			Name: name, DType: v.DType, Shape: v.Shape, Scale: v.Scale,
			Data: append([]byte(nil), v.Bytes()...),
		})
	}
	out := filepath.Join(t.TempDir(), "edited.safetensors")
	require.NoError(t, weights.WriteFile(out, p.Meta(), edit(tt)))
	return out
}
