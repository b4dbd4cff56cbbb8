package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// Suggestion is a pending AI-proposed action with an encrypted payload.
// Accepted and dismissed are terminal.
type Suggestion struct {
	ID         string
	MemoryID   types.MemoryID
	Kind       string // e.g. "tag", "enrichment"
	PayloadEnv []byte
	Status     types.SuggestionStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CreateSuggestion inserts a pending suggestion.
func (s *LocalStore) CreateSuggestion(ctx context.Context, sg *Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.Status == "" {
		sg.Status = types.SuggestionPending
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, memory_id, kind, payload_env, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sg.ID, nullStr(string(sg.MemoryID)), sg.Kind, sg.PayloadEnv,
		string(sg.Status), sg.CreatedAt)
	return translateErr(err)
}

// ListSuggestions returns suggestions, optionally filtered by status.
func (s *LocalStore) ListSuggestions(ctx context.Context, status types.SuggestionStatus) ([]*Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := `SELECT id, COALESCE(memory_id, ''), kind, payload_env, status, created_at, resolved_at
		FROM suggestions`
	var args []interface{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Suggestion
	for rows.Next() {
		var sg Suggestion
		var memID, st string
		var resolved *time.Time
		if err := rows.Scan(&sg.ID, &memID, &sg.Kind, &sg.PayloadEnv, &st,
			&sg.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		sg.MemoryID = types.MemoryID(memID)
		sg.Status = types.SuggestionStatus(st)
		sg.ResolvedAt = resolved
		out = append(out, &sg)
	}
	return out, rows.Err()
}

// ResolveSuggestion transitions pending → accepted|dismissed. A transition
// on an already-terminal row is a Conflict.
func (s *LocalStore) ResolveSuggestion(ctx context.Context, id string, to types.SuggestionStatus) error {
	if to != types.SuggestionAccepted && to != types.SuggestionDismissed {
		return types.E(types.ErrPreconditionFailed, "invalid target status %q", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE suggestions SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(to), time.Now().UTC(), id)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing from terminal.
		var st string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM suggestions WHERE id = ?`, id).Scan(&st)
		if err != nil {
			return types.E(types.ErrNotFound, "suggestion %s", id)
		}
		return types.E(types.ErrConflict, "suggestion already %s", st)
	}
	return nil
}
