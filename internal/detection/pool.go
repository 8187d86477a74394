package detection

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent inference across all cameras. Work that does not
// fit is dropped immediately, never queued.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// PoolStats are the pool counters
type PoolStats struct {
	Workers   int
	Submitted uint64
	Dropped   uint64
}

// NewPool creates a pool with workers slots
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), size: workers}
}

// TrySubmit runs fn on its own goroutine if a slot is free and reports
// whether it did. fn receives ctx unchanged.
func (p *Pool) TrySubmit(ctx context.Context, fn func(ctx context.Context)) bool {
	if !p.sem.TryAcquire(1) {
		p.dropped.Add(1)
		return false
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return true
}

// Wait blocks until all submitted work has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns the pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.size,
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
	}
}
