// Package scheduler runs the named background loops (heartbeat tick, vault
// audit, embed retry, connection sweep) on persisted cadence state. A loop
// run is claimed with a compare-and-swap on its next-due time, so at most
// one run is ever in flight even across restarts, and a loop that keeps
// failing disables itself instead of burning cycles forever.
package scheduler

import (
	"context"
	"sync"
	"time"

	"mnemos/internal/logging"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// Loop is one registered background task.
type Loop struct {
	Name    string
	Cadence time.Duration
	Run     func(context.Context) error
}

// Scheduler ticks the registered loops.
type Scheduler struct {
	st          *store.LocalStore
	clock       types.Clock
	maxFailures int
	tickEvery   time.Duration

	mu    sync.Mutex
	loops []Loop
	stop  chan struct{}
	done  sync.WaitGroup
}

// New builds a scheduler. maxFailures is the consecutive-failure count at
// which a loop auto-disables.
func New(st *store.LocalStore, clock types.Clock, maxFailures int) *Scheduler {
	if clock == nil {
		clock = types.WallClock{}
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Scheduler{
		st:          st,
		clock:       clock,
		maxFailures: maxFailures,
		tickEvery:   time.Minute,
	}
}

// Register adds a loop and ensures its persisted state exists, due
// immediately on first registration.
func (s *Scheduler) Register(ctx context.Context, l Loop) error {
	if err := s.st.EnsureLoop(ctx, l.Name, s.clock.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.loops = append(s.loops, l)
	s.mu.Unlock()
	return nil
}

// Start launches the ticker goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.done.Add(1)
	go func() {
		defer s.done.Done()
		t := time.NewTicker(s.tickEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				s.TickOnce(ctx)
			}
		}
	}()
}

// TickOnce attempts to claim and run every due loop. Exposed for tests and
// for a synchronous kick after startup.
func (s *Scheduler) TickOnce(ctx context.Context) {
	s.mu.Lock()
	loops := make([]Loop, len(s.loops))
	copy(loops, s.loops)
	s.mu.Unlock()

	log := logging.Get(logging.CategoryScheduler)
	for _, l := range loops {
		claimed, err := s.st.ClaimLoop(ctx, l.Name, s.clock.Now(), l.Cadence)
		if err != nil {
			log.Errorw("loop claim failed", "loop", l.Name, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		start := time.Now()
		runErr := l.Run(ctx)
		if ferr := s.st.FinishLoop(ctx, l.Name, s.clock.Now(), runErr == nil, s.maxFailures); ferr != nil {
			log.Errorw("loop finish failed", "loop", l.Name, "error", ferr)
		}
		if runErr != nil {
			log.Warnw("loop run failed", "loop", l.Name, "took", time.Since(start), "error", runErr)
		} else {
			log.Debugw("loop run complete", "loop", l.Name, "took", time.Since(start))
		}
	}
}

// Stop halts the ticker and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	s.done.Wait()
}
