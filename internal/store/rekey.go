package store

import (
	"context"
	"encoding/json"
	"time"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

// Envelope-swap helpers for the re-key pass. Each replaces ciphertext
// columns only; the surrounding row is untouched.

// RekeyPending is the uncommitted target of an in-flight passphrase
// rotation. It lands before the first object is resealed so a resumed run
// derives exactly the keys the interrupted run used; auth_state only flips
// once every object is done.
type RekeyPending struct {
	Salt     []byte
	KDF      crypto.KDFParams
	Verifier []byte
}

// GetRekeyPending returns the pending target, or NotFound when no rotation
// is in flight.
func (s *LocalStore) GetRekeyPending(ctx context.Context) (*RekeyPending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p RekeyPending
	var params string
	err := s.db.QueryRowContext(ctx, `
		SELECT salt, kdf_params, verifier FROM rekey_pending WHERE id = 1`).
		Scan(&p.Salt, &params, &p.Verifier)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := json.Unmarshal([]byte(params), &p.KDF); err != nil {
		return nil, types.E(types.ErrInternal, "corrupt pending kdf params")
	}
	return &p, nil
}

// PutRekeyPending records the rotation target.
func (s *LocalStore) PutRekeyPending(ctx context.Context, p *RekeyPending) error {
	params, err := json.Marshal(p.KDF)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rekey_pending (id, salt, kdf_params, verifier, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET salt = excluded.salt,
			kdf_params = excluded.kdf_params, verifier = excluded.verifier`,
		p.Salt, string(params), p.Verifier, time.Now().UTC())
	return translateErr(err)
}

// ClearRekeyPending removes the target once the rotation has committed.
func (s *LocalStore) ClearRekeyPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM rekey_pending`)
	return translateErr(err)
}

// UpdateSourceEnvs swaps a source's filename and data-key envelopes.
func (s *LocalStore) UpdateSourceEnvs(ctx context.Context, id types.SourceID, filenameEnv, dekEnv, preservedDekEnv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET filename_env = ?, dek_env = ?, preserved_dek_env = ?
		WHERE id = ?`,
		filenameEnv, dekEnv, preservedDekEnv, string(id))
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrNotFound, "source %s", id)
	}
	return nil
}

// UpdateConnectionExplanation swaps an edge's explanation envelope.
func (s *LocalStore) UpdateConnectionExplanation(ctx context.Context, id string, env []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET explanation_env = ? WHERE id = ?`, env, id)
	return translateErr(err)
}

// UpdateSuggestionPayload swaps a suggestion's payload envelope.
func (s *LocalStore) UpdateSuggestionPayload(ctx context.Context, id string, env []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET payload_env = ? WHERE id = ?`, env, id)
	return translateErr(err)
}

// UpdateMessageContent swaps a conversation message's content envelope.
func (s *LocalStore) UpdateMessageContent(ctx context.Context, id string, env []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_messages SET content_env = ? WHERE id = ?`, env, id)
	return translateErr(err)
}

// UpdatePersonNameEnv swaps a person's name envelope.
func (s *LocalStore) UpdatePersonNameEnv(ctx context.Context, id string, env []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE persons SET name_env = ? WHERE id = ?`, env, id)
	return translateErr(err)
}

// ListEnvelopeIDs returns (id, env) pairs for a re-key kind. Rows with a
// NULL envelope are skipped.
func (s *LocalStore) ListEnvelopeIDs(ctx context.Context, kind string) (ids []string, envs [][]byte, err error) {
	var q string
	switch kind {
	case "connection":
		q = `SELECT id, explanation_env FROM connections WHERE explanation_env IS NOT NULL`
	case "suggestion":
		q = `SELECT id, payload_env FROM suggestions`
	case "message":
		q = `SELECT id, content_env FROM conversation_messages`
	case "person":
		q = `SELECT id, name_env FROM persons WHERE name_env IS NOT NULL`
	default:
		return nil, nil, types.E(types.ErrInternal, "unknown envelope kind %q", kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, nil, translateErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var env []byte
		if err := rows.Scan(&id, &env); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		envs = append(envs, env)
	}
	return ids, envs, rows.Err()
}
