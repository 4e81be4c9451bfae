// Package batching groups incoming steps into batches for a stage.
//
// The engine moves Idle -> Accumulating on the first arrival and starts the
// window timer. It dispatches when the window of the oldest queued entry has
// elapsed or when max_batch_size steps are pending. A full queue rejects new
// arrivals at once. A single dispatcher goroutine runs the executor, so at
// most one batch is in flight per stage.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatloop/internal/errs"
)

// State of the engine.
type State int

const (
	Idle State = iota
	Accumulating
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Dispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Defaults applied when Config fields are unset.
const (
	DefaultMaxBatchSize = 8
	DefaultMaxQueueSize = 64
	DefaultWindow       = 5 * time.Millisecond
	DefaultQueueTimeout = 30 * time.Second
)

// Executor runs one batch and returns one result per step, in step order.
type Executor interface {
	Execute(ctx context.Context, b *Batch) []Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, b *Batch) []Result

func (f ExecutorFunc) Execute(ctx context.Context, b *Batch) []Result { return f(ctx, b) }

// Reasons passed to Observer.Rejected.
const (
	RejectQueueFull    = "queue_full"
	RejectQueueTimeout = "queue_timeout"
	RejectCanceled     = "canceled"
	RejectDeadline     = "deadline"
)

// Observer receives engine events. Implementations must not block.
type Observer interface {
	BatchDispatched(size int, oldestWait time.Duration)
	Rejected(reason string)
}

type noopObserver struct{}

func (noopObserver) BatchDispatched(int, time.Duration) {}
func (noopObserver) Rejected(string)                    {}

// Config tunes an Engine.
type Config struct {
	MaxBatchSize int
	MaxQueueSize int
	Window       time.Duration
	QueueTimeout time.Duration
	Observer     Observer
	Logger       zerolog.Logger
}

type outcome struct {
	results []Result
	err     error
}

type entry struct {
	ctx     context.Context
	steps   []Step
	arrived time.Time
	res     chan outcome
}

// Engine batches submissions for one stage.
type Engine struct {
	cfg  Config
	exec Executor
	log  zerolog.Logger

	mu        sync.Mutex
	queue     []*entry
	pending   int
	state     State
	closed    bool
	timer     *time.Timer
	nextBatch uint64

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New starts an engine dispatching to exec.
func New(cfg Config, exec Executor) *Engine {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	e := &Engine{
		cfg:  cfg,
		exec: exec,
		log:  cfg.Logger.With().Str("component", "batching").Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.timer = time.AfterFunc(time.Hour, e.signal)
	e.timer.Stop()
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit queues steps as one entry and waits for their results. The entry
// is never split across batches. A full queue fails at once with an
// overload error; an entry that waited longer than the queue timeout fails
// with a timeout error.
func (e *Engine) Submit(ctx context.Context, steps []Step) ([]Result, error) {
	if len(steps) == 0 {
		return nil, errs.ErrInvalid("empty submission")
	}
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	ent := &entry{ctx: ctx, steps: steps, arrived: time.Now(), res: make(chan outcome, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errs.ErrUnavailable("batching engine closed")
	}
	e.sweepLocked(ent.arrived)
	if len(e.queue) >= e.cfg.MaxQueueSize {
		depth := len(e.queue)
		e.mu.Unlock()
		e.cfg.Observer.Rejected(RejectQueueFull)
		return nil, errs.ErrOverload(fmt.Sprintf("stage queue full (%d/%d)", depth, e.cfg.MaxQueueSize))
	}
	e.queue = append(e.queue, ent)
	e.pending += len(steps)
	if e.state == Idle {
		e.state = Accumulating
		e.timer.Reset(e.cfg.Window)
	}
	full := e.pending >= e.cfg.MaxBatchSize
	e.mu.Unlock()
	if full {
		e.signal()
	}

	select {
	case out := <-ent.res:
		return out.results, out.err
	case <-ctx.Done():
		// a dispatched entry runs to completion without us
		e.remove(ent)
		return nil, ctxError(ctx.Err())
	}
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.ErrTimeout("deadline exceeded while queued")
	}
	return err
}

func (e *Engine) remove(target *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ent := range e.queue {
		if ent == target {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			e.pending -= len(ent.steps)
			return
		}
	}
}

// sweepLocked fails queued entries that waited too long, were cancelled, or
// whose every step is past its deadline.
func (e *Engine) sweepLocked(now time.Time) {
	kept := e.queue[:0]
	for _, ent := range e.queue {
		var (
			err    error
			reason string
		)
		switch {
		case now.Sub(ent.arrived) > e.cfg.QueueTimeout:
			err = errs.ErrTimeout(fmt.Sprintf("queued for %s", now.Sub(ent.arrived).Round(time.Millisecond)))
			reason = RejectQueueTimeout
		case ent.ctx.Err() != nil:
			err = ctxError(ent.ctx.Err())
			reason = RejectCanceled
		case allExpired(ent.steps, now):
			err = errs.ErrTimeout("deadline passed while queued")
			reason = RejectDeadline
		}
		if err != nil {
			e.pending -= len(ent.steps)
			ent.res <- outcome{err: err}
			e.cfg.Observer.Rejected(reason)
			continue
		}
		kept = append(kept, ent)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = kept
}

func allExpired(steps []Step, now time.Time) bool {
	for _, s := range steps {
		if !s.Expired(now) {
			return false
		}
	}
	return true
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			b, ents := e.take()
			if b == nil {
				break
			}
			e.run(b, ents)
		}
	}
}

// take pops the next batch when a trigger fired, re-arming the window timer
// otherwise.
func (e *Engine) take() (*Batch, []*entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.sweepLocked(now)
	if e.closed || len(e.queue) == 0 {
		e.state = Idle
		return nil, nil
	}
	waited := now.Sub(e.queue[0].arrived)
	if e.pending < e.cfg.MaxBatchSize && waited < e.cfg.Window {
		e.state = Accumulating
		e.timer.Reset(e.cfg.Window - waited)
		return nil, nil
	}
	e.timer.Stop()

	var steps []Step
	n := 0
	for n < len(e.queue) {
		ent := e.queue[n]
		if n > 0 && len(steps)+len(ent.steps) > e.cfg.MaxBatchSize {
			break
		}
		steps = append(steps, ent.steps...)
		n++
	}
	ents := append([]*entry(nil), e.queue[:n]...)
	e.queue = append(e.queue[:0], e.queue[n:]...)
	e.pending -= len(steps)
	e.state = Dispatching
	e.nextBatch++
	e.cfg.Observer.BatchDispatched(len(steps), waited)
	return NewBatch(e.nextBatch, steps, now), ents
}

func (e *Engine) run(b *Batch, ents []*entry) {
	results := e.execute(b)
	if len(results) != b.Size() {
		results = b.FailAll(errs.ErrCompute("executor returned %d results for %d steps", len(results), b.Size()))
	}
	off := 0
	for _, ent := range ents {
		n := len(ent.steps)
		part := results[off : off+n]
		for i := range part {
			part[i].Queued = b.Created.Sub(ent.arrived)
		}
		ent.res <- outcome{results: part}
		off += n
	}
}

func (e *Engine) execute(b *Batch) (results []Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Uint64("batch", b.ID).Interface("panic", r).Msg("executor panic")
			results = b.FailAll(errs.ErrCompute("executor panic: %v", r))
		}
	}()
	return e.exec.Execute(e.ctx, b)
}

// Depth returns the number of queued entries.
func (e *Engine) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Capacity returns the queue bound.
func (e *Engine) Capacity() int { return e.cfg.MaxQueueSize }

// MaxBatchSize returns the configured batch bound.
func (e *Engine) MaxBatchSize() int { return e.cfg.MaxBatchSize }

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close fails queued entries, waits for the running batch and stops the
// dispatcher. Later submissions fail as unavailable.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.timer.Stop()
	for _, ent := range e.queue {
		ent.res <- outcome{err: errs.ErrUnavailable("batching engine closed")}
	}
	e.queue = nil
	e.pending = 0
	e.mu.Unlock()
	e.cancel()
	close(e.done)
	e.wg.Wait()
}
