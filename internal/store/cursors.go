package store

import (
	"context"
	"time"

	"mnemos/internal/types"
)

// Embed retry cursors park memories whose embedding permanently failed so
// the retry loop can pick them up without rescanning everything.

// ParkEmbed records a failed embedding attempt for a memory.
func (s *LocalStore) ParkEmbed(ctx context.Context, id types.MemoryID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embed_cursor (memory_id, attempts, last_error, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET attempts = attempts + 1,
			last_error = excluded.last_error, updated_at = excluded.updated_at`,
		string(id), errMsg, time.Now().UTC())
	return translateErr(err)
}

// ClearEmbed removes the cursor after a successful embed.
func (s *LocalStore) ClearEmbed(ctx context.Context, id types.MemoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embed_cursor WHERE memory_id = ?`, string(id))
	return translateErr(err)
}

// ListParkedEmbeds returns memories awaiting an embedding retry, oldest
// first.
func (s *LocalStore) ListParkedEmbeds(ctx context.Context, limit int) ([]types.MemoryID, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id FROM embed_cursor ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var ids []types.MemoryID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.MemoryID(id))
	}
	return ids, rows.Err()
}

// Re-key progress rows make passphrase rotation resumable: each rewrapped
// object is marked done, and a restart skips completed ones.

// MarkRekeyed records one object as rewrapped.
func (s *LocalStore) MarkRekeyed(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rekey_progress (object_kind, object_id, done)
		VALUES (?, ?, 1)
		ON CONFLICT(object_kind, object_id) DO UPDATE SET done = 1`, kind, id)
	return translateErr(err)
}

// IsRekeyed reports whether an object was already rewrapped in the current
// re-key window.
func (s *LocalStore) IsRekeyed(ctx context.Context, kind, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var done int
	err := s.db.QueryRowContext(ctx, `
		SELECT done FROM rekey_progress WHERE object_kind = ? AND object_id = ?`,
		kind, id).Scan(&done)
	if err != nil {
		if types.KindOf(translateErr(err)) == types.KindNotFound {
			return false, nil
		}
		return false, translateErr(err)
	}
	return done != 0, nil
}

// ResetRekeyProgress clears the progress table when a re-key completes.
func (s *LocalStore) ResetRekeyProgress(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM rekey_progress`)
	return translateErr(err)
}
