package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// Alert is one dispatched escalation notification. (Level, TriggerDay) is
// the idempotency key: a re-run of the daily tick cannot duplicate it.
type Alert struct {
	ID           string
	Level        types.AlertLevel
	TriggerDay   string // YYYY-MM-DD of the tick that fired it
	DispatchedAt time.Time
}

// RecordCheckin appends a successful liveness proof.
func (s *LocalStore) RecordCheckin(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_checkins (id, created_at) VALUES (?, ?)`,
		uuid.NewString(), at.UTC())
	return translateErr(err)
}

// LastCheckin returns the most recent check-in time, or zero when none.
func (s *LocalStore) LastCheckin(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t sql.NullTime
	// MAX() strips the column's declared TIMESTAMP type, so the driver
	// would return a raw string; selecting the column directly keeps the
	// declared type and lets the driver parse the time.
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM heartbeat_checkins
		 ORDER BY created_at DESC LIMIT 1`).Scan(&t)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, translateErr(err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// SaveChallenge stores an issued challenge until it expires or is used.
func (s *LocalStore) SaveChallenge(ctx context.Context, challenge string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_challenges (challenge, expires_at, created_at)
		VALUES (?, ?, ?)`, challenge, expiresAt.UTC(), time.Now().UTC())
	return translateErr(err)
}

// ConsumeChallenge marks a live challenge used, exactly once. Expired,
// unknown, or replayed challenges return NotFound.
func (s *LocalStore) ConsumeChallenge(ctx context.Context, challenge string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_challenges SET used = 1
		WHERE challenge = ? AND used = 0 AND expires_at > ?`,
		challenge, now.UTC())
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.E(types.ErrNotFound, "challenge unknown, expired, or already used")
	}
	return nil
}

// RecordAlert inserts an alert under its idempotency key. Returns
// created=false when this (level, day) already fired.
func (s *LocalStore) RecordAlert(ctx context.Context, level types.AlertLevel, triggerDay string, at time.Time) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_alerts (id, level, trigger_day, dispatched_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), level.String(), triggerDay, at.UTC())
	err = translateErr(err)
	if err != nil {
		if types.KindOf(err) == types.KindConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListAlerts returns dispatched alerts, newest first. A check-in resets the
// ladder but never erases this trail.
func (s *LocalStore) ListAlerts(ctx context.Context) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, trigger_day, dispatched_at
		FROM heartbeat_alerts ORDER BY dispatched_at DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		var a Alert
		var level string
		if err := rows.Scan(&a.ID, &level, &a.TriggerDay, &a.DispatchedAt); err != nil {
			return nil, err
		}
		a.Level = parseAlertLevel(level)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func parseAlertLevel(s string) types.AlertLevel {
	for l := types.AlertFresh; l <= types.AlertInheritance; l++ {
		if l.String() == s {
			return l
		}
	}
	return types.AlertFresh
}
