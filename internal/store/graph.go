package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// Connection is a directional typed edge between two memories with an
// encrypted explanation.
type Connection struct {
	ID             string
	SourceID       types.MemoryID
	TargetID       types.MemoryID
	Kind           types.RelationshipKind
	ExplanationEnv []byte
	Strength       float64
	Provenance     string // "user", "model:<id>", or "similarity"
	UserPromoted   bool
	CreatedAt      time.Time
}

// UpsertConnection inserts an edge; an existing (source, target, kind,
// provenance) row is left untouched and no error is returned, making
// synthesis idempotent.
func (s *LocalStore) UpsertConnection(ctx context.Context, c *Connection) error {
	if c.SourceID == c.TargetID {
		return types.E(types.ErrPreconditionFailed, "self-loop on %s", c.SourceID)
	}
	if !types.ValidRelationship(c.Kind) {
		return types.E(types.ErrPreconditionFailed, "unknown relationship kind %q", c.Kind)
	}
	if c.Strength < 0 || c.Strength > 1 {
		return types.E(types.ErrPreconditionFailed, "strength %f out of range", c.Strength)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, source_id, target_id, kind,
			explanation_env, strength, provenance, user_promoted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.SourceID), string(c.TargetID), string(c.Kind),
		c.ExplanationEnv, c.Strength, c.Provenance, boolInt(c.UserPromoted),
		c.CreatedAt)
	err = translateErr(err)
	if err != nil && types.KindOf(err) == types.KindConflict {
		return nil
	}
	return err
}

// ListConnections returns edges touching a memory, either direction.
func (s *LocalStore) ListConnections(ctx context.Context, id types.MemoryID) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, kind, explanation_env, strength,
			provenance, user_promoted, created_at
		FROM connections WHERE source_id = ? OR target_id = ?
		ORDER BY strength DESC`, string(id), string(id))
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var c Connection
		var src, tgt, kind string
		var promoted int
		if err := rows.Scan(&c.ID, &src, &tgt, &kind, &c.ExplanationEnv,
			&c.Strength, &c.Provenance, &promoted, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.SourceID = types.MemoryID(src)
		c.TargetID = types.MemoryID(tgt)
		c.Kind = types.RelationshipKind(kind)
		c.UserPromoted = promoted != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PromoteConnection marks an edge user-authored: provenance is stripped to
// "user" and the promoted flag set.
func (s *LocalStore) PromoteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET provenance = 'user', user_promoted = 1
		WHERE id = ?`, id)
	if err != nil {
		err = translateErr(err)
		// Promotion can collide with an existing user edge of the same triple.
		if types.KindOf(err) == types.KindConflict {
			return types.E(types.ErrConflict, "user edge already exists")
		}
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.E(types.ErrNotFound, "connection %s", id)
	}
	return nil
}

// HasModelConnections reports whether synthesis already ran for a memory
// under the given provenance, so the sweep loop can skip it.
func (s *LocalStore) HasModelConnections(ctx context.Context, id types.MemoryID, provenance string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connections WHERE source_id = ? AND provenance = ?`,
		string(id), provenance).Scan(&n)
	if err != nil && !errors.Is(err, context.Canceled) {
		return false, translateErr(err)
	}
	return n > 0, nil
}
