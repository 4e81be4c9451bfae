// Package kvcache keeps per-sequence key/value projections for one stage.
//
// The Arena is keyed by sequence id and bounded by a byte budget. Growth for
// a forward pass is reserved up front; when the budget is short the least
// recently active entries that are completed or idle are evicted. Entries of
// the executing batch are pinned and never evicted.
package kvcache

import (
	"sync"
	"time"

	"chatloop/internal/errs"
)

// State of a cache entry.
type State int

const (
	// Active entries are pinned by the executing batch.
	Active State = iota
	// Idle entries wait for the next step of their sequence.
	Idle
	// Completed entries belong to finished sequences awaiting release.
	Completed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is how long an idle entry is protected from eviction.
const DefaultIdleTimeout = 30 * time.Second

// Config sizes an Arena.
type Config struct {
	// Layers held by the stage.
	Layers int
	// KVDim is the width of one token's key (and value) projection.
	KVDim int
	// BudgetBytes caps total entry bytes; 0 means unlimited.
	BudgetBytes int64
	// IdleTimeout protects recently active entries from eviction.
	IdleTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Entry is one sequence's cached projections. Keys and values are stored
// per layer, token-major, KVDim values per token.
type Entry struct {
	Seq      uint64
	Len      int
	Deadline time.Time

	keys       [][]float32
	values     [][]float32
	accounted  int
	state      State
	lastActive time.Time
}

// K returns layer's key buffer covering every reserved token.
func (e *Entry) K(layer int) []float32 { return e.keys[layer] }

// V returns layer's value buffer covering every reserved token.
func (e *Entry) V(layer int) []float32 { return e.values[layer] }

// Stats is a point-in-time view of the arena.
type Stats struct {
	UsedBytes int64
	// AllocatedBytes is the capacity of the entries' buffers.
	AllocatedBytes int64
	BudgetBytes    int64
	Entries        int
	Active         int
	Evictions      uint64
}

// Arena owns all entries of one stage.
type Arena struct {
	mu        sync.Mutex
	cfg       Config
	perToken  int64
	used      int64
	entries   map[uint64]*Entry
	evictions uint64
}

// New creates an arena.
func New(cfg Config) *Arena {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Arena{
		cfg:      cfg,
		perToken: int64(cfg.Layers) * 2 * int64(cfg.KVDim) * 4,
		entries:  make(map[uint64]*Entry),
	}
}

// BytesPerToken is the cache cost of one token across all layers.
func (a *Arena) BytesPerToken() int64 { return a.perToken }

// Reserve pins seq for a step writing n tokens at position pos and grows its
// buffers. A new entry is only created at position 0; an entry longer than
// pos is truncated to pos, so re-executing a step is idempotent. When the
// growth does not fit the budget even after eviction the call fails with a
// cache-exhausted error and nothing changes.
func (a *Arena) Reserve(seq uint64, pos, n int, deadline time.Time) (*Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entries[seq]
	switch {
	case e == nil && pos != 0:
		// evicted or never seen: the prefix is gone
		return nil, errs.ErrCacheExhausted(seq, 0, 0)
	case e == nil:
		e = &Entry{Seq: seq, keys: make([][]float32, a.cfg.Layers), values: make([][]float32, a.cfg.Layers)}
	case e.state == Active:
		return nil, errs.ErrInvalid("sequence %d is already executing", seq)
	case e.Len < pos:
		return nil, errs.ErrCacheExhausted(seq, 0, 0)
	}

	target := pos + n
	growth := int64(target-e.accounted) * a.perToken
	if growth > 0 && !a.fitLocked(growth, seq) {
		return nil, errs.ErrCacheExhausted(seq, a.used+growth, a.cfg.BudgetBytes)
	}
	a.used += growth
	e.accounted = target
	e.Len = min(e.Len, pos)
	for l := range e.keys {
		e.keys[l] = resize(e.keys[l], target*a.cfg.KVDim)
		e.values[l] = resize(e.values[l], target*a.cfg.KVDim)
	}
	e.state = Active
	if !deadline.IsZero() {
		e.Deadline = deadline
	}
	e.lastActive = a.cfg.Now()
	a.entries[seq] = e
	return e, nil
}

// resize returns a buffer of exactly n values holding buf's prefix. The
// capacity always equals the length, so the bytes held never exceed the
// bytes accounted against the budget.
func resize(buf []float32, n int) []float32 {
	if n == cap(buf) {
		return buf[:n]
	}
	out := make([]float32, n)
	copy(out, buf)
	return out
}

// fitLocked evicts until growth fits the budget. Returns false when the
// evictable entries are not enough.
func (a *Arena) fitLocked(growth int64, keep uint64) bool {
	if a.cfg.BudgetBytes <= 0 {
		return true
	}
	now := a.cfg.Now()
	for a.used+growth > a.cfg.BudgetBytes {
		var lru *Entry
		for _, e := range a.entries {
			if e.Seq == keep || !a.evictableLocked(e, now) {
				continue
			}
			if lru == nil || e.lastActive.Before(lru.lastActive) {
				lru = e
			}
		}
		if lru == nil {
			return false
		}
		a.dropLocked(lru)
		a.evictions++
	}
	return true
}

func (a *Arena) evictableLocked(e *Entry, now time.Time) bool {
	switch e.state {
	case Completed:
		return true
	case Idle:
		return now.Sub(e.lastActive) >= a.cfg.IdleTimeout
	default:
		return false
	}
}

func (a *Arena) dropLocked(e *Entry) {
	a.used -= int64(e.accounted) * a.perToken
	delete(a.entries, e.Seq)
}

// Commit marks a reserved step as written and unpins the entry.
func (a *Arena) Commit(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.entries[seq]; e != nil && e.state == Active {
		e.Len = e.accounted
		e.state = Idle
		e.lastActive = a.cfg.Now()
	}
}

// Abort returns a reserved step's growth and unpins the entry. A sequence
// whose entry is empty afterwards is dropped.
func (a *Arena) Abort(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[seq]
	if e == nil || e.state != Active {
		return
	}
	a.used -= int64(e.accounted-e.Len) * a.perToken
	e.accounted = e.Len
	for l := range e.keys {
		e.keys[l] = resize(e.keys[l], e.Len*a.cfg.KVDim)
		e.values[l] = resize(e.values[l], e.Len*a.cfg.KVDim)
	}
	e.state = Idle
	if e.Len == 0 {
		delete(a.entries, seq)
	}
}

// Complete marks a finished sequence; its entry becomes evictable at once.
func (a *Arena) Complete(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.entries[seq]; e != nil && e.state != Active {
		e.state = Completed
	}
}

// Release drops seq's entry. Returns false when none existed.
func (a *Arena) Release(seq uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[seq]
	if e == nil {
		return false
	}
	a.dropLocked(e)
	return true
}

// Sweep drops unpinned entries whose deadline has passed and returns their
// sequence ids.
func (a *Arena) Sweep() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.cfg.Now()
	var dropped []uint64
	for _, e := range a.entries {
		if e.state != Active && !e.Deadline.IsZero() && now.After(e.Deadline) {
			a.dropLocked(e)
			dropped = append(dropped, e.Seq)
		}
	}
	return dropped
}

// Lookup returns the state and committed length of seq.
func (a *Arena) Lookup(seq uint64) (State, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[seq]
	if e == nil {
		return 0, 0, false
	}
	return e.state, e.Len, true
}

// allocatedLocked is the size of every entry's buffers in bytes.
func (a *Arena) allocatedLocked() int64 {
	var n int64
	for _, e := range a.entries {
		for l := range e.keys {
			n += int64(cap(e.keys[l])+cap(e.values[l])) * 4
		}
	}
	return n
}

// Stats returns usage counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{UsedBytes: a.used, AllocatedBytes: a.allocatedLocked(), BudgetBytes: a.cfg.BudgetBytes, Entries: len(a.entries), Evictions: a.evictions}
	for _, e := range a.entries {
		if e.state == Active {
			s.Active++
		}
	}
	return s
}
