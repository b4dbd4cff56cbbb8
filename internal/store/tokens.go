package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mnemos/internal/types"
)

// SearchToken is one blind-index entry. Token values are opaque HMAC hex;
// the same value may appear under many memories.
type SearchToken struct {
	MemoryID types.MemoryID
	Type     types.TokenType
	Token    string
}

// InsertTokensTx bulk-inserts tokens inside the ingestion transaction.
func InsertTokensTx(tx *sql.Tx, tokens []SearchToken) error {
	if len(tokens) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO search_tokens (memory_id, token_type, token) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare token insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range tokens {
		if _, err := stmt.Exec(string(t.MemoryID), string(t.Type), t.Token); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// ReplaceTokens swaps a memory's token set, used on content update and
// blind-index rebuild.
func (s *LocalStore) ReplaceTokens(ctx context.Context, id types.MemoryID, tokens []SearchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM search_tokens WHERE memory_id = ?`, string(id)); err != nil {
			return translateErr(err)
		}
		return InsertTokensTx(tx, tokens)
	})
}

// TokenHit is a keyword match count for one memory.
type TokenHit struct {
	MemoryID   types.MemoryID
	Matched    int
	CapturedAt time.Time
}

// MatchTokens returns, per live memory, how many of the query tokens it
// carries, most matches first. Equality-only: the server never sees terms.
func (s *LocalStore) MatchTokens(ctx context.Context, tokens []string, publicOnly bool) ([]TokenHit, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(tokens))
	placeholders = placeholders[:len(placeholders)-1]
	q := fmt.Sprintf(`
		SELECT st.memory_id, COUNT(DISTINCT st.token) AS matched, m.captured_at
		FROM search_tokens st
		JOIN memories m ON m.id = st.memory_id
		WHERE st.token IN (%s) AND m.deleted_at IS NULL %s
		GROUP BY st.memory_id
		ORDER BY matched DESC, m.captured_at DESC`, placeholders,
		map[bool]string{true: "AND m.visibility = 'public'", false: ""}[publicOnly])

	args := make([]interface{}, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var hits []TokenHit
	for rows.Next() {
		var h TokenHit
		var id string
		if err := rows.Scan(&id, &h.Matched, &h.CapturedAt); err != nil {
			return nil, err
		}
		h.MemoryID = types.MemoryID(id)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
