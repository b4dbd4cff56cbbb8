package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// Tag is a shared, case-normalized label.
type Tag struct {
	ID        string
	Label     string
	Color     string
	CreatedAt time.Time
}

// Person is a named entity, optionally with an encrypted name envelope.
type Person struct {
	ID          string
	DisplayName string
	NameEnv     []byte
	ExternalID  string
	Relation    types.PersonRelation
	Deceased    bool
	CreatedAt   time.Time
}

// OwnerProfile is the singleton owner record.
type OwnerProfile struct {
	DisplayName  string
	Birthdate    *time.Time
	Bio          string
	SelfPersonID string
}

// EnsureTag creates a tag if its normalized label is new, returning the
// existing row otherwise.
func (s *LocalStore) EnsureTag(ctx context.Context, label, color string) (*Tag, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return nil, types.E(types.ErrPreconditionFailed, "empty tag label")
	}
	if color == "" {
		color = "#888888"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Tag{ID: uuid.NewString(), Label: label, Color: color, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (id, label, color, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Label, t.Color, t.CreatedAt)
	if err = translateErr(err); err != nil {
		if types.KindOf(err) != types.KindConflict {
			return nil, err
		}
		row := s.db.QueryRowContext(ctx,
			`SELECT id, label, color, created_at FROM tags WHERE label = ?`, label)
		var existing Tag
		if err := row.Scan(&existing.ID, &existing.Label, &existing.Color, &existing.CreatedAt); err != nil {
			return nil, translateErr(err)
		}
		return &existing, nil
	}
	return t, nil
}

// ListTags returns all tags alphabetically.
func (s *LocalStore) ListTags(ctx context.Context) ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, color, created_at FROM tags ORDER BY label`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Label, &t.Color, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// LinkTag attaches a tag to a memory. Re-linking is not an error.
func (s *LocalStore) LinkTag(ctx context.Context, memoryID types.MemoryID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_tags (memory_id, tag_id) VALUES (?, ?)`,
		string(memoryID), tagID)
	err = translateErr(err)
	if err != nil && types.KindOf(err) == types.KindConflict {
		return nil
	}
	return err
}

// TagsForMemory returns the tags linked to a memory, for display and for
// blind-index rebuild.
func (s *LocalStore) TagsForMemory(ctx context.Context, memoryID types.MemoryID) ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.label, t.color, t.created_at
		FROM tags t JOIN memory_tags mt ON mt.tag_id = t.id
		WHERE mt.memory_id = ? ORDER BY t.label`, string(memoryID))
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Label, &t.Color, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UnlinkTag detaches a tag; the tag itself survives.
func (s *LocalStore) UnlinkTag(ctx context.Context, memoryID types.MemoryID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_tags WHERE memory_id = ? AND tag_id = ?`,
		string(memoryID), tagID)
	return translateErr(err)
}

// CreatePerson inserts a person.
func (s *LocalStore) CreatePerson(ctx context.Context, p *Person) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persons (id, display_name, name_env, external_id, relation, deceased, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, p.NameEnv, nullStr(p.ExternalID),
		nullStr(string(p.Relation)), boolInt(p.Deceased), p.CreatedAt)
	return translateErr(err)
}

// GetPerson fetches a person by id.
func (s *LocalStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, name_env, COALESCE(external_id, ''),
			COALESCE(relation, ''), deceased, created_at
		FROM persons WHERE id = ?`, id)
	return scanPerson(row)
}

// ListPersons returns everyone, alphabetically by display name.
func (s *LocalStore) ListPersons(ctx context.Context) ([]*Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, name_env, COALESCE(external_id, ''),
			COALESCE(relation, ''), deceased, created_at
		FROM persons ORDER BY display_name`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LinkPerson associates a person with a memory under a provenance. The same
// pair may exist once per provenance; a duplicate link returns created=false
// with no error.
func (s *LocalStore) LinkPerson(ctx context.Context, memoryID types.MemoryID, personID string, source types.PersonLinkSource, confidence *float64) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conf interface{}
	if confidence != nil {
		conf = *confidence
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_persons (memory_id, person_id, source, confidence)
		VALUES (?, ?, ?, ?)`,
		string(memoryID), personID, string(source), conf)
	err = translateErr(err)
	if err != nil {
		if types.KindOf(err) == types.KindConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnlinkPerson removes one provenance's association.
func (s *LocalStore) UnlinkPerson(ctx context.Context, memoryID types.MemoryID, personID string, source types.PersonLinkSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_persons WHERE memory_id = ? AND person_id = ? AND source = ?`,
		string(memoryID), personID, string(source))
	return translateErr(err)
}

// GetOwnerProfile returns the singleton, or NotFound before setup.
func (s *LocalStore) GetOwnerProfile(ctx context.Context) (*OwnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT display_name, birthdate, COALESCE(bio, ''), COALESCE(self_person_id, '')
		FROM owner_profile WHERE id = 1`)
	var p OwnerProfile
	var bd sql.NullTime
	if err := row.Scan(&p.DisplayName, &bd, &p.Bio, &p.SelfPersonID); err != nil {
		return nil, translateErr(err)
	}
	if bd.Valid {
		t := bd.Time
		p.Birthdate = &t
	}
	return &p, nil
}

// PutOwnerProfile upserts the singleton. Setting the self link stamps that
// person's relation as "self" — the only path that creates it.
func (s *LocalStore) PutOwnerProfile(ctx context.Context, p *OwnerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var bd interface{}
		if p.Birthdate != nil {
			bd = *p.Birthdate
		}
		_, err := tx.Exec(`
			INSERT INTO owner_profile (id, display_name, birthdate, bio, self_person_id)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
				birthdate = excluded.birthdate, bio = excluded.bio,
				self_person_id = excluded.self_person_id`,
			p.DisplayName, bd, nullStr(p.Bio), nullStr(p.SelfPersonID))
		if err != nil {
			return translateErr(err)
		}
		if p.SelfPersonID != "" {
			if _, err := tx.Exec(`UPDATE persons SET relation = 'self' WHERE id = ?`, p.SelfPersonID); err != nil {
				return translateErr(err)
			}
		}
		return nil
	})
}

func scanPerson(row rowScanner) (*Person, error) {
	var p Person
	var rel string
	var deceased int
	err := row.Scan(&p.ID, &p.DisplayName, &p.NameEnv, &p.ExternalID, &rel,
		&deceased, &p.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	p.Relation = types.PersonRelation(rel)
	p.Deceased = deceased != 0
	return &p, nil
}
