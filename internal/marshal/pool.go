package marshal

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"go.klb.dev/handoff/internal/errs"
)

// DefaultWorkers bounds background byte copying when no size is configured.
const DefaultWorkers = 8

// Pool runs background byte-copying work (virtual-file pipes, snapshot
// copies) with bounded concurrency. It has no thread affinity.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool returns a Pool running at most n jobs at once.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n))}
}

// Go waits for a free slot and runs fn in the background.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errs.Cancelled(err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every job started with Go has returned.
func (p *Pool) Wait() { p.wg.Wait() }
