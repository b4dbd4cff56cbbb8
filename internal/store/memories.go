package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"mnemos/internal/types"
)

// Memory is the manifest row for one captured atom. Envelope columns carry
// ciphertext only; Digest is the hash of the plaintext taken pre-encryption.
type Memory struct {
	ID          types.MemoryID
	CapturedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ContentType types.ContentType
	SourceClass types.SourceClass
	TitleEnv    []byte
	ContentEnv  []byte
	MetaEnv     []byte
	Digest      string
	ParentID    types.MemoryID
	SourceID    types.SourceID
	Visibility  types.Visibility
	HasLocation bool
	DeletedAt   *time.Time
}

// MemoryFilter narrows ListMemories. Zero values mean "no constraint".
// HasLocation is tri-state: nil is unset, true restricts to memories with
// coordinates, false to memories without.
type MemoryFilter struct {
	Skip           int
	Limit          int
	ContentType    types.ContentType
	TagIDs         []string
	PersonIDs      []string
	Year           int
	Visibility     string // public, private, or all
	DateFrom       *time.Time
	DateTo         *time.Time
	HasLocation    *bool
	IncludeDeleted bool
	// PublicOnly is forced on for heir-mode sessions regardless of the
	// requested visibility.
	PublicOnly bool
}

// InsertMemoryTx writes a memory row inside the ingestion transaction.
func InsertMemoryTx(tx *sql.Tx, m *Memory) error {
	_, err := tx.Exec(`
		INSERT INTO memories (id, captured_at, created_at, updated_at,
			content_type, source_class, title_env, content_env, meta_env,
			digest, parent_id, source_id, visibility, has_location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.CapturedAt, m.CreatedAt, m.UpdatedAt,
		string(m.ContentType), string(m.SourceClass),
		m.TitleEnv, m.ContentEnv, m.MetaEnv,
		m.Digest, nullStr(string(m.ParentID)), nullStr(string(m.SourceID)),
		string(m.Visibility), boolInt(m.HasLocation))
	return translateErr(err)
}

// GetMemory fetches a memory by id. Soft-deleted rows are NotFound unless
// includeDeleted is set.
func (s *LocalStore) GetMemory(ctx context.Context, id types.MemoryID, includeDeleted bool) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := memorySelect + ` WHERE id = ?`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	row := s.db.QueryRowContext(ctx, q, string(id))
	return scanMemory(row)
}

// FindByDigest returns the live memory with the given plaintext digest, for
// ingest deduplication.
func (s *LocalStore) FindByDigest(ctx context.Context, digest string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		memorySelect+` WHERE digest = ? AND deleted_at IS NULL`, digest)
	return scanMemory(row)
}

// ListMemories applies the filter and returns rows newest-captured first.
func (s *LocalStore) ListMemories(ctx context.Context, f MemoryFilter) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []interface{}
	if !f.IncludeDeleted {
		conds = append(conds, "m.deleted_at IS NULL")
	}
	if f.ContentType != "" {
		conds = append(conds, "m.content_type = ?")
		args = append(args, string(f.ContentType))
	}
	if f.PublicOnly {
		conds = append(conds, "m.visibility = 'public'")
	} else if f.Visibility != "" && f.Visibility != "all" {
		conds = append(conds, "m.visibility = ?")
		args = append(args, f.Visibility)
	}
	if f.Year != 0 {
		conds = append(conds, "CAST(strftime('%Y', m.captured_at) AS INTEGER) = ?")
		args = append(args, f.Year)
	}
	if f.DateFrom != nil {
		conds = append(conds, "m.captured_at >= ?")
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		conds = append(conds, "m.captured_at <= ?")
		args = append(args, *f.DateTo)
	}
	if f.HasLocation != nil {
		conds = append(conds, "m.has_location = ?")
		args = append(args, boolInt(*f.HasLocation))
	}
	for _, tagID := range f.TagIDs {
		conds = append(conds, "EXISTS (SELECT 1 FROM memory_tags mt WHERE mt.memory_id = m.id AND mt.tag_id = ?)")
		args = append(args, tagID)
	}
	for _, personID := range f.PersonIDs {
		conds = append(conds, "EXISTS (SELECT 1 FROM memory_persons mp WHERE mp.memory_id = m.id AND mp.person_id = ?)")
		args = append(args, personID)
	}

	q := memorySelectAliased
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY m.captured_at DESC, m.id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateEnvelopes atomically replaces a field set. All three envelopes, the
// digest, and has_location move together so a plaintext field can never
// diverge from its envelope.
func (s *LocalStore) UpdateEnvelopes(ctx context.Context, id types.MemoryID, titleEnv, contentEnv, metaEnv []byte, digest string, hasLocation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET title_env = ?, content_env = ?, meta_env = ?,
			digest = ?, has_location = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		titleEnv, contentEnv, metaEnv, digest, boolInt(hasLocation),
		time.Now().UTC(), string(id))
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, id)
}

// SetVisibility flips a memory between public and private.
func (s *LocalStore) SetVisibility(ctx context.Context, id types.MemoryID, v types.Visibility) error {
	if v != types.VisibilityPublic && v != types.VisibilityPrivate {
		return types.E(types.ErrPreconditionFailed, "invalid visibility %q", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET visibility = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(v), time.Now().UTC(), string(id))
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, id)
}

// SoftDelete stamps the deletion time.
func (s *LocalStore) SoftDelete(ctx context.Context, id types.MemoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), string(id))
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, id)
}

// Purge hard-deletes a memory row. Sources, tokens, connections, and joins
// cascade; the caller removes the vault files and vector points.
func (s *LocalStore) Purge(ctx context.Context, id types.MemoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, string(id))
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, id)
}

// ListMemoryIDs returns all live memory ids, oldest first, for bulk jobs
// (re-key, token rebuild, connection sweep).
func (s *LocalStore) ListMemoryIDs(ctx context.Context) ([]types.MemoryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE deleted_at IS NULL ORDER BY created_at ASC`)
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

// CountMemories reports live rows, for list totals.
func (s *LocalStore) CountMemories(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&n)
	return n, translateErr(err)
}

const memorySelect = `SELECT id, captured_at, created_at, updated_at,
	content_type, source_class, title_env, content_env, meta_env, digest,
	COALESCE(parent_id, ''), COALESCE(source_id, ''), visibility,
	has_location, deleted_at FROM memories`

const memorySelectAliased = `SELECT m.id, m.captured_at, m.created_at, m.updated_at,
	m.content_type, m.source_class, m.title_env, m.content_env, m.meta_env, m.digest,
	COALESCE(m.parent_id, ''), COALESCE(m.source_id, ''), m.visibility,
	m.has_location, m.deleted_at FROM memories m`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var id, ct, sc, parent, source, vis string
	var hasLoc int
	var deleted sql.NullTime
	err := row.Scan(&id, &m.CapturedAt, &m.CreatedAt, &m.UpdatedAt,
		&ct, &sc, &m.TitleEnv, &m.ContentEnv, &m.MetaEnv, &m.Digest,
		&parent, &source, &vis, &hasLoc, &deleted)
	if err != nil {
		return nil, translateErr(err)
	}
	m.ID = types.MemoryID(id)
	m.ContentType = types.ContentType(ct)
	m.SourceClass = types.SourceClass(sc)
	m.ParentID = types.MemoryID(parent)
	m.SourceID = types.SourceID(source)
	m.Visibility = types.Visibility(vis)
	m.HasLocation = hasLoc != 0
	if deleted.Valid {
		t := deleted.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

func requireRow(res sql.Result, id types.MemoryID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.E(types.ErrNotFound, "memory %s", id)
	}
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
