// Package router is the front node. It admits requests under a concurrency
// ceiling, routes each one to the least loaded healthy replica and runs the
// health-check loop that moves replicas between Healthy and Unhealthy.
//
// The replica table has a single writer, the health loop, and many readers
// on the request path, so it sits behind a readers-writer lock.
package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"chatloop/internal/errs"
	"chatloop/internal/metrics"
	"chatloop/internal/transport"
	"chatloop/pkg/types"
)

// State of a replica.
type State int

const (
	Healthy State = iota
	Unhealthy
)

func (s State) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Defaults applied when Config fields are unset.
const (
	DefaultHealthInterval    = 5 * time.Second
	DefaultFailureThreshold  = 3
	DefaultRecoveryThreshold = 1
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxConcurrent     = 256
	DefaultHealthTimeout     = 2 * time.Second
)

// Replica is the entry point of one pipeline replica, its first stage.
type Replica interface {
	Generate(ctx context.Context, req types.GenerateRequest) (types.InferResponse, error)
	Health(ctx context.Context) (types.HealthResponse, error)
	Endpoint() string
}

// Config tunes a Router.
type Config struct {
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	RequestTimeout    time.Duration
	MaxConcurrent     int64
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

type record struct {
	id       string
	replica  Replica
	state    State
	depth    int
	capacity int
	failures int
	recovers int
	checked  time.Time
	lastErr  string
}

func (r *record) load() float64 {
	if r.capacity <= 0 {
		return float64(r.depth)
	}
	return float64(r.depth) / float64(r.capacity)
}

// Router routes requests over replicas.
type Router struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	started time.Time

	mu      sync.RWMutex
	records []*record

	rr       atomic.Uint64
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

// New creates a router over replicas. Replicas start Healthy and are
// corrected by the first health sweep.
func New(cfg Config, replicas []Replica) (*Router, error) {
	if len(replicas) == 0 {
		return nil, errs.ErrInvalid("router needs at least one replica")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Router{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "router").Logger(),
		metrics: cfg.Metrics,
		started: cfg.Now(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	for i, rep := range replicas {
		r.records = append(r.records, &record{id: fmt.Sprintf("replica-%d", i), replica: rep})
	}
	r.updateGauges()
	return r, nil
}

// Infer admits, routes and forwards one request. Admission fails at once
// with an overload error when max_concurrent requests are in flight. A
// replica that cannot be dialled is skipped for the next best one; any
// answer from a replica, including a typed error, is final.
func (r *Router) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	if len(req.PromptTokens) == 0 && req.Prompt == "" {
		return types.InferResponse{}, errs.ErrInvalid("prompt or prompt_tokens is required")
	}
	if !r.sem.TryAcquire(1) {
		r.reject("max_concurrent")
		return types.InferResponse{}, errs.ErrOverload(fmt.Sprintf("%d requests in flight", r.cfg.MaxConcurrent))
	}
	defer r.sem.Release(1)
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	timeout := r.cfg.RequestTimeout
	if t := time.Duration(req.TimeoutMs) * time.Millisecond; t > 0 && t < timeout {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	id := uuid.New()
	gen := types.GenerateRequest{
		RequestID:    id.String(),
		SequenceID:   binary.BigEndian.Uint64(id[:8]) | 1,
		Prompt:       req.Prompt,
		PromptTokens: req.PromptTokens,
		Sampling: types.Sampling{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			MaxTokens:   req.MaxTokens,
			Seed:        req.Seed,
			StopTokens:  req.StopTokens,
		},
		DeadlineUnixMs: deadline.UnixMilli(),
	}
	log := r.log.With().Str("request_id", gen.RequestID).Logger()

	skip := map[string]bool{}
	for {
		rec, err := r.pick(skip)
		if err != nil {
			return types.InferResponse{}, err
		}
		if r.metrics != nil {
			r.metrics.Router.RequestsRouted.Inc()
			r.metrics.Router.Decisions.WithLabelValues(rec.id).Inc()
		}
		start := time.Now()
		resp, err := rec.replica.Generate(ctx, gen)
		if r.metrics != nil {
			r.metrics.Router.ReplicaResponse.WithLabelValues(rec.id).Observe(time.Since(start).Seconds())
		}
		if err != nil && transport.IsDialError(err) {
			log.Warn().Err(err).Str("replica", rec.id).Msg("replica unreachable, trying next")
			skip[rec.id] = true
			continue
		}
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
				err = errs.ErrTimeout(fmt.Sprintf("request exceeded %s", timeout))
			}
			log.Debug().Err(err).Str("replica", rec.id).Str("kind", errs.Kind(err)).Msg("replica failed request")
			return types.InferResponse{}, err
		}
		if resp.SequenceID != gen.SequenceID {
			return types.InferResponse{}, errs.ErrCompute("replica %s answered sequence %d for %d", rec.id, resp.SequenceID, gen.SequenceID)
		}
		resp.RequestID = gen.RequestID
		resp.Replica = rec.id
		return resp, nil
	}
}

func (r *Router) reject(reason string) {
	if r.metrics != nil {
		r.metrics.Router.Rejected.WithLabelValues(reason).Inc()
	}
}

// pick returns the healthy replica with the lowest queue_depth/capacity,
// breaking ties round-robin.
func (r *Router) pick(skip map[string]bool) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best []*record
	for _, rec := range r.records {
		if rec.state != Healthy || skip[rec.id] {
			continue
		}
		switch {
		case len(best) == 0 || rec.load() < best[0].load():
			best = append(best[:0], rec)
		case rec.load() == best[0].load():
			best = append(best, rec)
		}
	}
	if len(best) == 0 {
		if r.metrics != nil {
			r.metrics.Router.NoReplicaAvailable.Inc()
		}
		return nil, errs.ErrUnavailable("no healthy replica")
	}
	return best[int(r.rr.Add(1)-1)%len(best)], nil
}

// Run checks every replica each health interval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.CheckOnce(ctx)
		}
	}
}

type probe struct {
	health types.HealthResponse
	err    error
}

// CheckOnce probes every replica concurrently and applies the results.
// failure_threshold consecutive failures mark a replica Unhealthy;
// recovery_threshold consecutive successes bring it back.
func (r *Router) CheckOnce(ctx context.Context) {
	r.mu.RLock()
	recs := append([]*record(nil), r.records...)
	r.mu.RUnlock()

	probes := make([]probe, len(recs))
	var g errgroup.Group
	for i, rec := range recs {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
			defer cancel()
			h, err := rec.replica.Health(pctx)
			probes[i] = probe{health: h, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Now()
	r.mu.Lock()
	for i, rec := range recs {
		r.applyLocked(rec, probes[i], now)
	}
	r.mu.Unlock()
	r.updateGauges()
}

func (r *Router) applyLocked(rec *record, p probe, now time.Time) {
	rec.checked = now
	if p.err == nil {
		rec.depth, rec.capacity = p.health.QueueDepth, p.health.Capacity
	}
	if p.err == nil && p.health.Healthy {
		rec.failures = 0
		rec.lastErr = ""
		rec.recovers++
		if rec.state == Unhealthy && rec.recovers >= r.cfg.RecoveryThreshold {
			rec.state = Healthy
			r.log.Info().Str("replica", rec.id).Str("endpoint", rec.replica.Endpoint()).Msg("replica healthy")
		}
		return
	}

	rec.recovers = 0
	rec.failures++
	if p.err != nil {
		rec.lastErr = p.err.Error()
	} else {
		rec.lastErr = p.health.Error
	}
	if rec.state == Healthy && rec.failures >= r.cfg.FailureThreshold {
		rec.state = Unhealthy
		r.log.Warn().
			Str("replica", rec.id).
			Str("endpoint", rec.replica.Endpoint()).
			Int("failures", rec.failures).
			Str("error", rec.lastErr).
			Msg("replica unhealthy")
	}
}

func (r *Router) updateGauges() {
	if r.metrics == nil {
		return
	}
	healthy := r.Healthy()
	r.metrics.Router.HealthyReplicas.Set(float64(healthy))
	r.mu.RLock()
	n := len(r.records)
	r.mu.RUnlock()
	r.metrics.Router.UnhealthyReplicas.Set(float64(n - healthy))
}

// Healthy returns the number of healthy replicas.
func (r *Router) Healthy() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.state == Healthy {
			n++
		}
	}
	return n
}

// Ready reports whether any replica can take requests.
func (r *Router) Ready() bool { return r.Healthy() > 0 }

// Status returns the replica table.
func (r *Router) Status() types.RouterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := types.RouterStatus{
		Inflight:       r.inflight.Load(),
		MaxConcurrent:  r.cfg.MaxConcurrent,
		UptimeSeconds:  int64(r.cfg.Now().Sub(r.started).Seconds()),
		ServerTimeUnix: r.cfg.Now().Unix(),
	}
	for _, rec := range r.records {
		rs := types.ReplicaStatus{
			ID:                   rec.id,
			Endpoint:             rec.replica.Endpoint(),
			State:                rec.state.String(),
			QueueDepth:           rec.depth,
			Capacity:             rec.capacity,
			Load:                 rec.load(),
			ConsecutiveFailures:  rec.failures,
			ConsecutiveSuccesses: rec.recovers,
			LastError:            rec.lastErr,
		}
		if !rec.checked.IsZero() {
			rs.LastCheckUnix = rec.checked.Unix()
		}
		if rec.state == Healthy {
			st.Healthy++
		}
		st.Replicas = append(st.Replicas, rs)
	}
	return st
}
