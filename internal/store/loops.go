package store

import (
	"context"
	"database/sql"
	"time"
)

// LoopState is the persisted record for one named background loop.
type LoopState struct {
	Name      string
	LastRunAt *time.Time
	NextRunAt time.Time
	Enabled   bool
	Failures  int
}

// EnsureLoop registers a loop if unseen, due immediately.
func (s *LocalStore) EnsureLoop(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_state (name, next_run_at, enabled)
		VALUES (?, ?, 1)
		ON CONFLICT(name) DO NOTHING`, name, now.UTC())
	return translateErr(err)
}

// ClaimLoop atomically claims a due, enabled loop by compare-and-swapping
// next_run_at forward. Returns false when the loop is not due or another
// ticker already claimed it — the at-most-one-in-flight guarantee.
func (s *LocalStore) ClaimLoop(ctx context.Context, name string, now time.Time, cadence time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loop_state SET next_run_at = ?
		WHERE name = ? AND enabled = 1 AND next_run_at <= ?`,
		now.UTC().Add(cadence), name, now.UTC())
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishLoop records the outcome of a claimed run. Success stamps
// last_run_at and clears the failure streak; failure increments it and
// auto-disables at maxFailures. next_run_at was already advanced by the
// claim, so a permanently failing loop cannot hot-loop.
func (s *LocalStore) FinishLoop(ctx context.Context, name string, now time.Time, success bool, maxFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		_, err := s.db.ExecContext(ctx, `
			UPDATE loop_state SET last_run_at = ?, failures = 0 WHERE name = ?`,
			now.UTC(), name)
		return translateErr(err)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE loop_state SET failures = failures + 1,
			enabled = CASE WHEN failures + 1 >= ? THEN 0 ELSE enabled END
		WHERE name = ?`, maxFailures, name)
	return translateErr(err)
}

// SetLoopEnabled flips a loop's enable flag and resets its failure streak.
func (s *LocalStore) SetLoopEnabled(ctx context.Context, name string, enabled bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE loop_state SET enabled = ?, failures = 0,
			next_run_at = CASE WHEN ? THEN ? ELSE next_run_at END
		WHERE name = ?`,
		boolInt(enabled), boolInt(enabled), now.UTC(), name)
	return translateErr(err)
}

// GetLoops returns every registered loop.
func (s *LocalStore) GetLoops(ctx context.Context) ([]*LoopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, last_run_at, next_run_at, enabled, failures
		FROM loop_state ORDER BY name`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*LoopState
	for rows.Next() {
		var ls LoopState
		var last sql.NullTime
		var enabled int
		if err := rows.Scan(&ls.Name, &last, &ls.NextRunAt, &enabled, &ls.Failures); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			ls.LastRunAt = &t
		}
		ls.Enabled = enabled != 0
		out = append(out, &ls)
	}
	return out, rows.Err()
}
