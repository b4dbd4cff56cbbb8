package store

import (
	"context"
	"encoding/json"
	"time"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

// AuthState is the persisted login bootstrap: the KDF salt and parameters
// the client needs to re-derive the master, and the verifier the server
// checks it against. No key material is stored.
type AuthState struct {
	Salt      []byte
	KDF       crypto.KDFParams
	Verifier  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetAuthState returns the singleton, or NotFound before setup.
func (s *LocalStore) GetAuthState(ctx context.Context) (*AuthState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var a AuthState
	var params string
	err := s.db.QueryRowContext(ctx, `
		SELECT salt, kdf_params, verifier, created_at, updated_at
		FROM auth_state WHERE id = 1`).
		Scan(&a.Salt, &params, &a.Verifier, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := json.Unmarshal([]byte(params), &a.KDF); err != nil {
		return nil, types.E(types.ErrInternal, "corrupt kdf params")
	}
	return &a, nil
}

// PutAuthState writes the singleton, replacing it on re-key.
func (s *LocalStore) PutAuthState(ctx context.Context, a *AuthState) error {
	params, err := json.Marshal(a.KDF)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_state (id, salt, kdf_params, verifier, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET salt = excluded.salt,
			kdf_params = excluded.kdf_params, verifier = excluded.verifier,
			updated_at = excluded.updated_at`,
		a.Salt, string(params), a.Verifier, now, now)
	return translateErr(err)
}
