package store

import (
	"context"
	"database/sql"
	"time"

	"mnemos/internal/types"
)

// Source is the manifest row for an original file in the vault. DekEnv
// wraps the file's data key under the file sub-key, separate from the
// memory envelopes so the file-recipient layer can rotate independently.
type Source struct {
	ID                    types.SourceID
	MemoryID              types.MemoryID
	VaultPath             string // original rendition, YYYY/MM/<uuid>.enc
	PreservedPath         string // archival rendition; empty when VaultPath is already archival
	OriginalSize          int64
	EncryptedSize         int64
	MIME                  string
	PreservationFormat    string
	Digest                string // plaintext digest, pre-conversion
	CipherDigest          string // digest of the encrypted original, for the audit
	PreservedCipherDigest string
	FilenameEnv           []byte
	DekEnv                []byte
	PreservedDekEnv       []byte
	CreatedAt             time.Time
}

// InsertSourceTx writes a source row inside the ingestion transaction.
func InsertSourceTx(tx *sql.Tx, src *Source) error {
	_, err := tx.Exec(`
		INSERT INTO sources (id, memory_id, vault_path, preserved_path,
			original_size, encrypted_size, mime, preservation_format,
			digest, cipher_digest, preserved_cipher_digest,
			filename_env, dek_env, preserved_dek_env, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(src.ID), string(src.MemoryID), src.VaultPath,
		nullStr(src.PreservedPath), src.OriginalSize, src.EncryptedSize,
		src.MIME, src.PreservationFormat, src.Digest, src.CipherDigest,
		nullStr(src.PreservedCipherDigest), src.FilenameEnv, src.DekEnv,
		src.PreservedDekEnv, src.CreatedAt)
	return translateErr(err)
}

// GetSource fetches a source by id.
func (s *LocalStore) GetSource(ctx context.Context, id types.SourceID) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE id = ?`, string(id))
	return scanSource(row)
}

// GetSourceByMemory fetches the source owned by a memory, if any.
func (s *LocalStore) GetSourceByMemory(ctx context.Context, id types.MemoryID) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE memory_id = ?`, string(id))
	return scanSource(row)
}

// ListSources streams every manifest row to fn, for the integrity audit.
// Runs on a plain read so concurrent ingests are not blocked.
func (s *LocalStore) ListSources(ctx context.Context, fn func(*Source) error) error {
	rows, err := s.db.QueryContext(ctx, sourceSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return translateErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return err
		}
		if err := fn(src); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteSource removes a manifest row (purge path).
func (s *LocalStore) DeleteSource(ctx context.Context, id types.SourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, string(id))
	return translateErr(err)
}

const sourceSelect = `SELECT id, memory_id, vault_path,
	COALESCE(preserved_path, ''), original_size, encrypted_size, mime,
	preservation_format, digest, cipher_digest,
	COALESCE(preserved_cipher_digest, ''), filename_env, dek_env,
	preserved_dek_env, created_at
	FROM sources`

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var id, memID string
	err := row.Scan(&id, &memID, &src.VaultPath, &src.PreservedPath,
		&src.OriginalSize, &src.EncryptedSize, &src.MIME,
		&src.PreservationFormat, &src.Digest, &src.CipherDigest,
		&src.PreservedCipherDigest, &src.FilenameEnv, &src.DekEnv,
		&src.PreservedDekEnv, &src.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	src.ID = types.SourceID(id)
	src.MemoryID = types.MemoryID(memID)
	return &src, nil
}
