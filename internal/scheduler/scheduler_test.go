package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mnemos/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newScheduler(t *testing.T) (*Scheduler, *store.LocalStore, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(st, clock, 3), st, clock
}

func TestLoopRunsOnCadence(t *testing.T) {
	s, _, clock := newScheduler(t)
	ctx := context.Background()

	runs := 0
	require.NoError(t, s.Register(ctx, Loop{
		Name: "test", Cadence: time.Hour,
		Run: func(context.Context) error { runs++; return nil },
	}))

	// Due immediately on first registration.
	s.TickOnce(ctx)
	require.Equal(t, 1, runs)

	// Not due again until the cadence elapses.
	s.TickOnce(ctx)
	require.Equal(t, 1, runs)

	clock.Advance(time.Hour)
	s.TickOnce(ctx)
	require.Equal(t, 2, runs)
}

func TestFailingLoopAutoDisables(t *testing.T) {
	s, st, clock := newScheduler(t)
	ctx := context.Background()

	runs := 0
	require.NoError(t, s.Register(ctx, Loop{
		Name: "flaky", Cadence: time.Hour,
		Run: func(context.Context) error { runs++; return errors.New("boom") },
	}))

	// maxFailures is 3; the third failure disables the loop.
	for i := 0; i < 3; i++ {
		s.TickOnce(ctx)
		clock.Advance(time.Hour)
	}
	require.Equal(t, 3, runs)

	s.TickOnce(ctx)
	require.Equal(t, 3, runs, "disabled loop must not run")

	loops, err := st.GetLoops(ctx)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	require.False(t, loops[0].Enabled)
	require.Equal(t, 3, loops[0].Failures)

	// Re-enabling clears the streak and resumes runs.
	require.NoError(t, st.SetLoopEnabled(ctx, "flaky", true, clock.Now()))
	s.TickOnce(ctx)
	require.Equal(t, 4, runs)
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	s, st, clock := newScheduler(t)
	ctx := context.Background()

	fail := true
	require.NoError(t, s.Register(ctx, Loop{
		Name: "recovering", Cadence: time.Hour,
		Run: func(context.Context) error {
			if fail {
				return errors.New("transient")
			}
			return nil
		},
	}))

	s.TickOnce(ctx)
	clock.Advance(time.Hour)
	s.TickOnce(ctx)
	clock.Advance(time.Hour)

	fail = false
	s.TickOnce(ctx)

	loops, err := st.GetLoops(ctx)
	require.NoError(t, err)
	require.True(t, loops[0].Enabled)
	require.Zero(t, loops[0].Failures)
	require.NotNil(t, loops[0].LastRunAt)
}

func TestClaimIsExclusive(t *testing.T) {
	s, st, _ := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, Loop{
		Name: "exclusive", Cadence: time.Hour,
		Run: func(context.Context) error { return nil },
	}))

	ok, err := st.ClaimLoop(ctx, "exclusive", s.clock.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// The scheduler's own tick cannot claim what is already claimed.
	ran := false
	s.mu.Lock()
	s.loops[0].Run = func(context.Context) error { ran = true; return nil }
	s.mu.Unlock()
	s.TickOnce(ctx)
	require.False(t, ran)
}
