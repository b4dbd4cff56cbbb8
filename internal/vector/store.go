// Package vector stores embedding points in the manifest database. Each
// point is <memory id, chunk index> with a float32 vector and the encrypted
// chunk payload; the plaintext chunk never lands here. Similarity is cosine,
// computed by the vector_distance_cos SQL function registered in
// compat.go (pure Go) or by the sqlite-vec extension under the
// sqlite_vec+cgo build tag.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"mnemos/internal/types"
)

// Point is one chunk embedding with its encrypted payload.
type Point struct {
	MemoryID   types.MemoryID
	ChunkIndex int
	Model      string
	Vector     []float32
	PayloadEnv []byte
}

// Hit is a retrieval result. Score is cosine similarity in [-1, 1].
type Hit struct {
	MemoryID   types.MemoryID
	ChunkIndex int
	Score      float64
	PayloadEnv []byte
}

// Store is the chunk-point collection. The embedding model and dimension
// are fixed at creation; mixed-model reads are rejected with ModelMismatch.
type Store struct {
	db    *sql.DB
	model string
	dims  int
}

// New opens (or creates) the collection on the shared database, pinning the
// declared model and dimension. Reopening with a different model fails with
// ModelMismatch — re-embedding, not silent mixing, is the upgrade path.
func New(db *sql.DB, model string, dims int) (*Store, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS vector_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			model TEXT NOT NULL,
			dims INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_chunks (
			memory_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			payload_env BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (memory_id, chunk_index)
		);`,
	}
	for _, q := range ddl {
		if _, err := db.Exec(q); err != nil {
			return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
		}
	}

	var storedModel string
	var storedDims int
	err := db.QueryRow(`SELECT model, dims FROM vector_meta WHERE id = 1`).
		Scan(&storedModel, &storedDims)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO vector_meta (id, model, dims) VALUES (1, ?, ?)`,
			model, dims); err != nil {
			return nil, fmt.Errorf("failed to pin vector collection: %w", err)
		}
	case err != nil:
		return nil, err
	case storedModel != model || storedDims != dims:
		return nil, types.E(types.ErrModelMismatch,
			"collection is %s/%d, requested %s/%d", storedModel, storedDims, model, dims)
	}
	return &Store{db: db, model: model, dims: dims}, nil
}

// Model returns the pinned model identifier.
func (s *Store) Model() string { return s.model }

// Upsert writes a point, replacing any previous embedding for the same
// (memory, chunk).
func (s *Store) Upsert(ctx context.Context, p Point) error {
	if p.Model != s.model {
		return types.E(types.ErrModelMismatch, "point model %s, collection %s", p.Model, s.model)
	}
	if len(p.Vector) != s.dims {
		return types.E(types.ErrModelMismatch, "vector has %d dims, collection %d", len(p.Vector), s.dims)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (memory_id, chunk_index, model, embedding, payload_env, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, chunk_index) DO UPDATE SET model = excluded.model,
			embedding = excluded.embedding, payload_env = excluded.payload_env,
			created_at = excluded.created_at`,
		string(p.MemoryID), p.ChunkIndex, p.Model,
		EncodeVector(p.Vector), p.PayloadEnv, time.Now().UTC())
	return err
}

// Chunks returns a memory's points in chunk order, for connection
// synthesis and re-key.
func (s *Store) Chunks(ctx context.Context, id types.MemoryID) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, model, embedding, payload_env
		FROM memory_chunks WHERE memory_id = ? ORDER BY chunk_index ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p := Point{MemoryID: id}
		var blob []byte
		if err := rows.Scan(&p.ChunkIndex, &p.Model, &blob, &p.PayloadEnv); err != nil {
			return nil, err
		}
		if p.Vector, err = DecodeVector(blob); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// UpdatePayload swaps a point's encrypted chunk payload, for re-key. The
// embedding is untouched.
func (s *Store) UpdatePayload(ctx context.Context, id types.MemoryID, chunkIndex int, payloadEnv []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_chunks SET payload_env = ?
		WHERE memory_id = ? AND chunk_index = ?`,
		payloadEnv, string(id), chunkIndex)
	return err
}

// DeleteMemory removes all points for a memory (purge, re-chunk).
func (s *Store) DeleteMemory(ctx context.Context, id types.MemoryID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_chunks WHERE memory_id = ?`, string(id))
	return err
}

// Search returns the top-k points by cosine similarity to query. exclude
// removes one memory's own chunks, for connection synthesis self-exclusion.
func (s *Store) Search(ctx context.Context, query []float32, model string, k int, exclude types.MemoryID) ([]Hit, error) {
	if model != s.model {
		return nil, types.E(types.ErrModelMismatch, "query model %s, collection %s", model, s.model)
	}
	if len(query) != s.dims {
		return nil, types.E(types.ErrModelMismatch, "query has %d dims, collection %d", len(query), s.dims)
	}
	if k <= 0 {
		k = 10
	}

	q := `SELECT memory_id, chunk_index, payload_env,
		vector_distance_cos(embedding, ?) AS dist
		FROM memory_chunks`
	args := []interface{}{EncodeVector(query)}
	if exclude != "" {
		q += ` WHERE memory_id <> ?`
		args = append(args, string(exclude))
	}
	q += ` ORDER BY dist ASC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var id string
		var dist float64
		if err := rows.Scan(&id, &h.ChunkIndex, &h.PayloadEnv, &dist); err != nil {
			return nil, err
		}
		h.MemoryID = types.MemoryID(id)
		h.Score = 1 - dist // distance back to cosine similarity
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// EncodeVector serializes a float32 slice little-endian, the sqlite-vec
// blob layout.
func EncodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector parses an EncodeVector blob.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// CosineSimilarity computes similarity between two equal-length vectors.
// Zero vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
