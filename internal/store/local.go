// Package store implements the Mnemos manifest: a single SQLite database
// holding memories, sources, blind-index tokens, the connection graph,
// people and tags, the heartbeat ledger, testament state, and background
// loop state. Only ciphertext and structural metadata land here — every
// sensitive column is an envelope blob.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"mnemos/internal/types"
)

// LocalStore wraps the SQLite handle. Single writer, many readers; WAL
// journaling keeps the long audit scans off the write path.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the database at path, creating the directory and schema
// as needed. ":memory:" is supported for tests.
func Open(path string) (*LocalStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The modernc driver serializes writes; one connection avoids SQLITE_BUSY
	// storms between the loops and the request path.
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *LocalStore) Close() error { return s.db.Close() }

// DB exposes the handle for the vector store, which shares the database
// file.
func (s *LocalStore) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *LocalStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *LocalStore) initialize() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}
	for _, ddl := range schema {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// translateErr maps driver errors onto the shared error kinds.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return types.ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") {
		return types.E(types.ErrConflict, "unique key collision")
	}
	return err
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auth_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		salt BLOB NOT NULL,
		kdf_params TEXT NOT NULL,
		verifier BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		captured_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		content_type TEXT NOT NULL,
		source_class TEXT NOT NULL,
		title_env BLOB,
		content_env BLOB,
		meta_env BLOB,
		digest TEXT NOT NULL,
		parent_id TEXT REFERENCES memories(id) ON DELETE SET NULL,
		source_id TEXT,
		visibility TEXT NOT NULL DEFAULT 'private',
		has_location INTEGER NOT NULL DEFAULT 0,
		deleted_at TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_digest
		ON memories(digest) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_memories_captured ON memories(captured_at);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(content_type);`,

	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		vault_path TEXT NOT NULL,
		preserved_path TEXT,
		original_size INTEGER NOT NULL,
		encrypted_size INTEGER NOT NULL,
		mime TEXT NOT NULL,
		preservation_format TEXT NOT NULL,
		digest TEXT NOT NULL,
		cipher_digest TEXT NOT NULL,
		preserved_cipher_digest TEXT,
		filename_env BLOB,
		dek_env BLOB NOT NULL,
		preserved_dek_env BLOB,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sources_memory ON sources(memory_id);`,

	`CREATE TABLE IF NOT EXISTS search_tokens (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		token_type TEXT NOT NULL,
		token TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_token ON search_tokens(token);
	CREATE INDEX IF NOT EXISTS idx_tokens_memory ON search_tokens(memory_id);`,

	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		explanation_env BLOB,
		strength REAL NOT NULL CHECK (strength >= 0 AND strength <= 1),
		provenance TEXT NOT NULL,
		user_promoted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		CHECK (source_id <> target_id),
		UNIQUE (source_id, target_id, kind, provenance)
	);
	CREATE INDEX IF NOT EXISTS idx_connections_source ON connections(source_id);
	CREATE INDEX IF NOT EXISTS idx_connections_target ON connections(target_id);`,

	`CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL UNIQUE,
		color TEXT NOT NULL DEFAULT '#888888',
		created_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS persons (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		name_env BLOB,
		external_id TEXT,
		relation TEXT,
		deceased INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		UNIQUE (memory_id, tag_id)
	);`,

	`CREATE TABLE IF NOT EXISTS memory_persons (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		person_id TEXT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
		source TEXT NOT NULL DEFAULT 'manual',
		confidence REAL,
		UNIQUE (memory_id, person_id, source)
	);`,

	`CREATE TABLE IF NOT EXISTS owner_profile (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		display_name TEXT NOT NULL,
		birthdate TIMESTAMP,
		bio TEXT,
		self_person_id TEXT REFERENCES persons(id) ON DELETE SET NULL
	);`,

	`CREATE TABLE IF NOT EXISTS suggestions (
		id TEXT PRIMARY KEY,
		memory_id TEXT REFERENCES memories(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload_env BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content_env BLOB NOT NULL,
		cited_ids TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (conversation_id, seq)
	);`,

	`CREATE TABLE IF NOT EXISTS heartbeat_checkins (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS heartbeat_challenges (
		challenge TEXT PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS heartbeat_alerts (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		trigger_day TEXT NOT NULL,
		dispatched_at TIMESTAMP NOT NULL,
		UNIQUE (level, trigger_day)
	);`,

	`CREATE TABLE IF NOT EXISTS testament_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		threshold INTEGER NOT NULL,
		total_shares INTEGER NOT NULL,
		shares_generated INTEGER NOT NULL DEFAULT 0,
		heir_mode_active INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS heirs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT,
		share_index INTEGER,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		detail TEXT,
		created_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS loop_state (
		name TEXT PRIMARY KEY,
		last_run_at TIMESTAMP,
		next_run_at TIMESTAMP NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		failures INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE IF NOT EXISTS embed_cursor (
		memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS rekey_progress (
		object_kind TEXT NOT NULL,
		object_id TEXT NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (object_kind, object_id)
	);
	CREATE TABLE IF NOT EXISTS rekey_pending (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		salt BLOB NOT NULL,
		kdf_params TEXT NOT NULL,
		verifier BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
}
