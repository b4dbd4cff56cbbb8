// Package jobs runs post-commit work (embedding, synthesis, tag
// suggestion) on a bounded worker pool. The queue is the backpressure
// boundary: when it is full, enqueue fails with QuotaExceeded and the
// caller decides whether to park the work for a retry loop.
package jobs

import (
	"context"
	"sync"
	"time"

	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Job is one unit of deferred work.
type Job struct {
	Name string
	Run  func(context.Context) error
}

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	queue   chan Job
	workers int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool sizes the pool. workers <= 0 defaults to 2; maxPending <= 0
// defaults to 256.
func NewPool(workers, maxPending int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if maxPending <= 0 {
		maxPending = 256
	}
	return &Pool{queue: make(chan Job, maxPending), workers: workers}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	log := logging.Get(logging.CategoryScheduler)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-p.queue:
					if !ok {
						return
					}
					start := time.Now()
					if err := j.Run(ctx); err != nil {
						log.Warnw("job failed", "job", j.Name, "took", time.Since(start), "error", err)
					} else {
						log.Debugw("job done", "job", j.Name, "took", time.Since(start))
					}
				}
			}
		}()
	}
}

// Enqueue adds a job without blocking. A full queue fails with
// QuotaExceeded rather than stalling the committing request.
func (p *Pool) Enqueue(j Job) error {
	select {
	case p.queue <- j:
		return nil
	default:
		return types.E(types.ErrQuotaExceeded, "job queue full, dropping %s", j.Name)
	}
}

// Pending reports the queue depth, for the health snapshot.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting work and waits for in-flight jobs, bounded by
// ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
