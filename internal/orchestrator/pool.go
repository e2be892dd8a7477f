package orchestrator

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/normanking/cortexcore/internal/faults"
)

// Pool bounds how many turns run at once. Each turn still runs its steps
// sequentially in one goroutine.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with size slots (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do runs fn in the caller's goroutine once a slot is free.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return faults.Cancelled("pool.do", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn in a new goroutine once a slot is free. It blocks until the
// slot is acquired or ctx is done. fn is not started when Go fails; callers
// track completion themselves.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return faults.Cancelled("pool.go", err)
	}
	go func() {
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return nil
}
