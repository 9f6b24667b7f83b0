package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool caps how many workflow instances advance at once. Each submitted
// unit is one instance advance; a pipeline's own stages still run strictly in
// order, the pool only bounds cross-instance parallelism.
type WorkerPool struct {
	slots   chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing chan struct{}
	closed  bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool advancing at most size instances concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
	}
}

// Submit schedules one instance advance. At capacity it blocks until a slot
// frees up (backpressure on workflow starts), honoring ctx while waiting.
// Returns ErrPoolShutdown once Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, advance func(ctx context.Context) error) error {
	if err := p.acquireSlot(ctx); err != nil {
		return err
	}

	go func() {
		defer p.releaseSlot()

		if err := advance(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()

	return nil
}

func (p *WorkerPool) acquireSlot(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}

	// Shutdown may have started while blocked on a slot. The wg.Add must
	// happen under the lock or it races Shutdown's wg.Wait.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	return nil
}

func (p *WorkerPool) releaseSlot() {
	if r := recover(); r != nil {
		p.panics.Add(1)
		p.failed.Add(1)
	}
	p.active.Add(-1)
	<-p.slots
	p.wg.Done()
}

// Wait blocks until every in-flight advance has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight advances to
// finish. Idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of pool activity.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
