// Package tensor holds the CPU kernels used by the stage executor. Matrix
// kernels take weights as weights.View and switch on the view's dtype tag.
package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerTask keeps tiny matrices on the calling goroutine.
const minRowsPerTask = 16

// Pool bounds the goroutines used to spread one kernel across rows.
type Pool struct {
	threads int
}

// NewPool returns a pool running at most threads tasks at once; threads <= 0
// means GOMAXPROCS.
func NewPool(threads int) *Pool {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &Pool{threads: threads}
}

// Threads reports the pool's parallelism.
func (p *Pool) Threads() int {
	if p == nil {
		return 1
	}
	return p.threads
}

// For calls fn over disjoint [lo,hi) chunks covering [0,n) and waits for all
// of them. A panic inside fn is re-raised on the caller's goroutine.
func (p *Pool) For(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	tasks := p.Threads()
	if max := n / minRowsPerTask; max < tasks {
		tasks = max
	}
	if tasks <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + tasks - 1) / tasks
	var g errgroup.Group
	g.SetLimit(tasks)
	panics := make(chan any, tasks)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panics <- r
				}
			}()
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
	select {
	case r := <-panics:
		panic(r)
	default:
	}
}
