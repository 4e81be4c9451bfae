// Package worker assembles one pipeline stage: the mapped partition, its
// KV cache arena, the stage executor and the batching engine in front of
// it. The first stage also drives whole generations.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatloop/internal/batching"
	"chatloop/internal/errs"
	"chatloop/internal/kvcache"
	"chatloop/internal/metrics"
	"chatloop/internal/stage"
	"chatloop/internal/tensor"
	"chatloop/internal/weights"
	"chatloop/pkg/types"
)

// Defaults applied when Config fields are unset.
const (
	DefaultMaxTokens     = 64
	saturationRatio      = 0.9
	downstreamProbeLimit = 2 * time.Second
	releaseTimeout       = 5 * time.Second
)

// Config describes one stage worker.
type Config struct {
	Stage        int
	WeightsPath  string
	KVCacheBytes int64
	IdleTimeout  time.Duration
	Threads      int

	MaxBatchSize int
	MaxQueueSize int
	BatchWindow  time.Duration
	QueueTimeout time.Duration

	HandoffAttempts int
	HandoffBackoff  time.Duration

	DefaultMaxTokens int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Worker is one running stage.
type Worker struct {
	cfg     Config
	log     zerolog.Logger
	part    *weights.Partition
	model   *stage.Model
	arena   *kvcache.Arena
	exec    *stage.Executor
	engine  *batching.Engine
	next    stage.Downstream
	metrics *metrics.Metrics
	started time.Time

	seq       atomic.Uint64
	batches   atomic.Uint64
	evictions atomic.Uint64
	ready     atomic.Bool
	once      sync.Once
}

// New maps the partition and starts the stage. next is the following stage
// and must be nil exactly on the terminal stage. A malformed partition fails
// with a load error and no worker is created.
func New(cfg Config, next stage.Downstream) (*Worker, error) {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	log := cfg.Logger.With().Str("component", "worker").Int("stage", cfg.Stage).Logger()

	part, err := weights.Open(cfg.WeightsPath)
	if err != nil {
		return nil, err
	}
	model, err := stage.Bind(part)
	if err != nil {
		_ = part.Close()
		return nil, err
	}
	meta := model.Meta
	arena := kvcache.New(kvcache.Config{
		Layers:      meta.Layers(),
		KVDim:       meta.HiddenDim,
		BudgetBytes: cfg.KVCacheBytes,
		IdleTimeout: cfg.IdleTimeout,
	})

	w := &Worker{
		cfg:     cfg,
		log:     log,
		part:    part,
		model:   model,
		arena:   arena,
		next:    next,
		metrics: cfg.Metrics,
		started: time.Now(),
	}
	w.seq.Store(uint64(time.Now().UnixNano()))

	obs := observer{w: w}
	w.exec, err = stage.NewExecutor(stage.Config{
		Stage:           cfg.Stage,
		HandoffAttempts: cfg.HandoffAttempts,
		HandoffBackoff:  cfg.HandoffBackoff,
		Observer:        obs,
		Logger:          cfg.Logger,
	}, model, arena, tensor.NewPool(cfg.Threads), next)
	if err != nil {
		_ = part.Close()
		return nil, err
	}
	w.engine = batching.New(batching.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxQueueSize: cfg.MaxQueueSize,
		Window:       cfg.BatchWindow,
		QueueTimeout: cfg.QueueTimeout,
		Observer:     obs,
		Logger:       cfg.Logger,
	}, w.exec)
	w.ready.Store(true)

	log.Info().
		Str("weights", cfg.WeightsPath).
		Int("start_layer", meta.StartLayer).
		Int("end_layer", meta.EndLayer).
		Int("total_layers", meta.TotalLayers).
		Bool("mapped", part.Mapped()).
		Int64("kv_budget_bytes", cfg.KVCacheBytes).
		Msg("stage ready")
	return w, nil
}

// Meta returns the partition metadata.
func (w *Worker) Meta() weights.Metadata { return w.model.Meta }

// Ready reports whether the stage accepts work.
func (w *Worker) Ready() bool { return w.ready.Load() }

// Forward runs a batch handed over by the previous stage. The whole handoff
// is one batching entry, so its members stay together.
func (w *Worker) Forward(ctx context.Context, req types.ForwardRequest) (types.ForwardResponse, error) {
	if w.model.Meta.First() {
		return types.ForwardResponse{}, errs.ErrInvalid("stage %d is the first stage and takes prompts, not handoffs", w.cfg.Stage)
	}
	if req.Width != w.model.Meta.HiddenDim {
		return types.ForwardResponse{}, errs.ErrInvalid("handoff width %d, stage expects %d", req.Width, w.model.Meta.HiddenDim)
	}
	steps, err := stage.DecodeRequest(req)
	if err != nil {
		return types.ForwardResponse{}, err
	}
	results, err := w.engine.Submit(ctx, steps)
	if err != nil {
		return types.ForwardResponse{}, err
	}
	return stage.ToWire(results), nil
}

// Release drops the sequences locally and along the rest of the chain.
func (w *Worker) Release(ctx context.Context, seqs []uint64) error {
	w.exec.Release(seqs)
	if w.next == nil || len(seqs) == 0 {
		return nil
	}
	return w.next.Release(ctx, types.ReleaseRequest{SequenceIDs: seqs})
}

// release is the best-effort cleanup after a generation ends.
func (w *Worker) release(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := w.Release(ctx, []uint64{seq}); err != nil {
		w.log.Debug().Err(err).Uint64("seq", seq).Msg("release downstream failed")
	}
}

// Health reports load and liveness. The stage is unhealthy when not ready,
// when its queue is at least 90% full, or when the next stage is not
// healthy.
func (w *Worker) Health(ctx context.Context) types.HealthResponse {
	st := w.arena.Stats()
	depth, capacity := w.engine.Depth(), w.engine.Capacity()
	hr := types.HealthResponse{
		Healthy:         w.Ready(),
		Stage:           w.cfg.Stage,
		QueueDepth:      depth,
		Capacity:        capacity,
		State:           w.engine.State().String(),
		KVBytes:         st.UsedBytes,
		KVBudgetBytes:   st.BudgetBytes,
		ActiveSequences: st.Entries,
	}
	if !hr.Healthy {
		hr.Error = "stage not ready"
		return hr
	}
	if float64(depth) >= saturationRatio*float64(capacity) {
		hr.Healthy = false
		hr.Error = "queue saturated"
	}
	if w.next != nil {
		pctx, cancel := context.WithTimeout(ctx, downstreamProbeLimit)
		defer cancel()
		nh, err := w.next.Health(pctx)
		ok := err == nil && nh.Healthy
		hr.DownstreamOK = &ok
		if !ok && hr.Healthy {
			hr.Healthy = false
			if err != nil {
				hr.Error = "next stage unreachable: " + err.Error()
			} else {
				hr.Error = "next stage unhealthy: " + nh.Error
			}
		}
	}
	return hr
}

// Status returns a snapshot for operators.
func (w *Worker) Status(ctx context.Context) types.WorkerStatus {
	meta := w.model.Meta
	st := w.arena.Stats()
	ws := types.WorkerStatus{
		Stage:          w.cfg.Stage,
		StartLayer:     meta.StartLayer,
		EndLayer:       meta.EndLayer,
		TotalLayers:    meta.TotalLayers,
		First:          meta.First(),
		Terminal:       meta.Terminal(),
		WeightsPath:    w.part.Path(),
		Tensors:        len(w.part.Names()),
		Mapped:         w.part.Mapped(),
		BatchesTotal:   w.batches.Load(),
		EvictionsTotal: st.Evictions,
		KVEntries:      st.Entries,
		UptimeSeconds:  int64(time.Since(w.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		Health:         w.Health(ctx),
	}
	if w.next != nil {
		ws.NextStage = w.next.Endpoint()
	}
	return ws
}

// Close stops accepting work, fails queued entries and unmaps the
// partition once the running batch is done.
func (w *Worker) Close() error {
	var err error
	w.once.Do(func() {
		w.ready.Store(false)
		w.engine.Close()
		err = w.part.Close()
		w.log.Info().Msg("stage stopped")
	})
	return err
}

// observer counts batches and feeds the metrics.
type observer struct{ w *Worker }

// BatchDispatched runs under the engine lock and must not call back into it.
func (o observer) BatchDispatched(size int, oldestWait time.Duration) {
	o.w.batches.Add(1)
	if o.w.metrics != nil {
		o.w.metrics.BatchDispatched(size, oldestWait)
	}
}

func (o observer) Rejected(reason string) {
	if o.w.metrics != nil {
		o.w.metrics.Rejected(reason)
	}
}

func (o observer) ForwardDone(size int, d time.Duration, err error) {
	m := o.w.metrics
	if m == nil {
		return
	}
	m.ForwardDone(size, d, err)
	st := o.w.arena.Stats()
	m.Worker.QueueDepth.Set(float64(o.w.engine.Depth()))
	m.Worker.KVCacheBytes.Set(float64(st.UsedBytes))
	m.Worker.ActiveSequences.Set(float64(st.Entries))
	if prev := o.w.evictions.Swap(st.Evictions); st.Evictions > prev {
		m.Worker.Evictions.Add(float64(st.Evictions - prev))
	}
}

func (o observer) HandoffRetry() {
	if o.w.metrics != nil {
		o.w.metrics.HandoffRetry()
	}
}
