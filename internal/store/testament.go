package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// TestamentConfig is the singleton k-of-n inheritance configuration.
type TestamentConfig struct {
	Threshold       int
	TotalShares     int
	SharesGenerated bool
	HeirModeActive  bool
	UpdatedAt       time.Time
}

// Heir is a keyholder contact, optionally bound to a share index.
type Heir struct {
	ID         string
	Name       string
	Email      string
	Phone      string
	ShareIndex *int
	CreatedAt  time.Time
}

// AuditEntry is one append-only audit row, used among other things to prove
// heir activity.
type AuditEntry struct {
	ID        int64
	Action    string
	Detail    string
	CreatedAt time.Time
}

// GetTestamentConfig returns the singleton, defaulting to 3-of-5 before any
// explicit configuration.
func (s *LocalStore) GetTestamentConfig(ctx context.Context) (*TestamentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c TestamentConfig
	var gen, heir int
	err := s.db.QueryRowContext(ctx, `
		SELECT threshold, total_shares, shares_generated, heir_mode_active, updated_at
		FROM testament_config WHERE id = 1`).
		Scan(&c.Threshold, &c.TotalShares, &gen, &heir, &c.UpdatedAt)
	if err != nil {
		if types.KindOf(translateErr(err)) == types.KindNotFound {
			return &TestamentConfig{Threshold: 3, TotalShares: 5}, nil
		}
		return nil, translateErr(err)
	}
	c.SharesGenerated = gen != 0
	c.HeirModeActive = heir != 0
	return &c, nil
}

// PutTestamentConfig upserts the singleton. Changing k/n after shares were
// generated is a Conflict: old shares would silently stop matching.
func (s *LocalStore) PutTestamentConfig(ctx context.Context, c *TestamentConfig) error {
	if c.Threshold < 2 || c.TotalShares < c.Threshold || c.TotalShares > 255 {
		return types.E(types.ErrPreconditionFailed, "invalid k=%d n=%d", c.Threshold, c.TotalShares)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := struct {
		k, n, gen int
	}{}
	err := s.db.QueryRowContext(ctx, `
		SELECT threshold, total_shares, shares_generated FROM testament_config WHERE id = 1`).
		Scan(&existing.k, &existing.n, &existing.gen)
	if err == nil && existing.gen != 0 &&
		(existing.k != c.Threshold || existing.n != c.TotalShares) {
		return types.E(types.ErrConflict, "shares already generated for %d-of-%d", existing.k, existing.n)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO testament_config (id, threshold, total_shares, shares_generated, heir_mode_active, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET threshold = excluded.threshold,
			total_shares = excluded.total_shares,
			shares_generated = excluded.shares_generated,
			heir_mode_active = excluded.heir_mode_active,
			updated_at = excluded.updated_at`,
		c.Threshold, c.TotalShares, boolInt(c.SharesGenerated),
		boolInt(c.HeirModeActive), time.Now().UTC())
	return translateErr(err)
}

// SetHeirMode flips the heir-mode flag.
func (s *LocalStore) SetHeirMode(ctx context.Context, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE testament_config SET heir_mode_active = ?, updated_at = ? WHERE id = 1`,
		boolInt(active), time.Now().UTC())
	return translateErr(err)
}

// CreateHeir adds a keyholder.
func (s *LocalStore) CreateHeir(ctx context.Context, h *Heir) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	var idx interface{}
	if h.ShareIndex != nil {
		idx = *h.ShareIndex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heirs (id, name, email, phone, share_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.Email, nullStr(h.Phone), idx, h.CreatedAt)
	return translateErr(err)
}

// ListHeirs returns all keyholders.
func (s *LocalStore) ListHeirs(ctx context.Context) ([]*Heir, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, COALESCE(phone, ''), share_index, created_at
		FROM heirs ORDER BY created_at`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Heir
	for rows.Next() {
		var h Heir
		if err := rows.Scan(&h.ID, &h.Name, &h.Email, &h.Phone, &h.ShareIndex, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// DeleteHeir removes a keyholder.
func (s *LocalStore) DeleteHeir(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM heirs WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.E(types.ErrNotFound, "heir %s", id)
	}
	return nil
}

// AppendAudit writes an append-only audit row. This is the one write heir
// mode permits.
func (s *LocalStore) AppendAudit(ctx context.Context, action, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, detail, created_at) VALUES (?, ?, ?)`,
		action, nullStr(detail), time.Now().UTC())
	return translateErr(err)
}

// ListAudit returns the newest limit audit rows.
func (s *LocalStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, COALESCE(detail, ''), created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
