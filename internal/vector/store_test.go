package vector

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mnemos/internal/store"
	"mnemos/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	vs, err := New(st.DB(), "test-model", 3)
	require.NoError(t, err)
	return vs
}

func TestEncodeDecodeVector(t *testing.T) {
	v := []float32{1.5, -2.25, 0, math.MaxFloat32}
	got, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	require.Equal(t, v, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	require.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	require.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	require.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	require.Error(t, err)
}

func TestModelPinning(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = New(st.DB(), "model-a", 3)
	require.NoError(t, err)

	// Reopening with the same model is fine.
	_, err = New(st.DB(), "model-a", 3)
	require.NoError(t, err)

	// A different model or dimension is refused, not mixed.
	_, err = New(st.DB(), "model-b", 3)
	require.Equal(t, types.KindModelMismatch, types.KindOf(err))
	_, err = New(st.DB(), "model-a", 4)
	require.Equal(t, types.KindModelMismatch, types.KindOf(err))
}

func TestUpsertRejectsMismatch(t *testing.T) {
	vs := openTestStore(t)
	ctx := context.Background()

	err := vs.Upsert(ctx, Point{MemoryID: "m1", Model: "other", Vector: []float32{1, 0, 0}})
	require.Equal(t, types.KindModelMismatch, types.KindOf(err))

	err = vs.Upsert(ctx, Point{MemoryID: "m1", Model: "test-model", Vector: []float32{1, 0}})
	require.Equal(t, types.KindModelMismatch, types.KindOf(err))
}

func TestSearchRanksBySimilarity(t *testing.T) {
	vs := openTestStore(t)
	ctx := context.Background()

	points := []Point{
		{MemoryID: "m1", ChunkIndex: 0, Model: "test-model", Vector: []float32{1, 0, 0}, PayloadEnv: []byte("a")},
		{MemoryID: "m2", ChunkIndex: 0, Model: "test-model", Vector: []float32{0.9, 0.1, 0}, PayloadEnv: []byte("b")},
		{MemoryID: "m3", ChunkIndex: 0, Model: "test-model", Vector: []float32{0, 0, 1}, PayloadEnv: []byte("c")},
	}
	for _, p := range points {
		require.NoError(t, vs.Upsert(ctx, p))
	}

	hits, err := vs.Search(ctx, []float32{1, 0, 0}, "test-model", 2, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, types.MemoryID("m1"), hits[0].MemoryID)
	require.Equal(t, types.MemoryID("m2"), hits[1].MemoryID)
	require.Greater(t, hits[0].Score, hits[1].Score)
	require.InDelta(t, 1.0, hits[0].Score, 1e-6)

	// Self-exclusion for connection synthesis.
	hits, err = vs.Search(ctx, []float32{1, 0, 0}, "test-model", 10, "m1")
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, types.MemoryID("m1"), h.MemoryID)
	}

	_, err = vs.Search(ctx, []float32{1, 0, 0}, "other", 2, "")
	require.Equal(t, types.KindModelMismatch, types.KindOf(err))
}

func TestChunksAndPayloadUpdate(t *testing.T) {
	vs := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx, Point{
		MemoryID: "m1", ChunkIndex: 1, Model: "test-model",
		Vector: []float32{0, 1, 0}, PayloadEnv: []byte("one"),
	}))
	require.NoError(t, vs.Upsert(ctx, Point{
		MemoryID: "m1", ChunkIndex: 0, Model: "test-model",
		Vector: []float32{1, 0, 0}, PayloadEnv: []byte("zero"),
	}))

	chunks, err := vs.Chunks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].ChunkIndex)
	require.Equal(t, []float32{1, 0, 0}, chunks[0].Vector)

	// Upsert replaces in place.
	require.NoError(t, vs.Upsert(ctx, Point{
		MemoryID: "m1", ChunkIndex: 0, Model: "test-model",
		Vector: []float32{0, 0, 1}, PayloadEnv: []byte("replaced"),
	}))
	chunks, err = vs.Chunks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, []byte("replaced"), chunks[0].PayloadEnv)

	// Re-key swaps only the payload envelope.
	require.NoError(t, vs.UpdatePayload(ctx, "m1", 0, []byte("rewrapped")))
	chunks, err = vs.Chunks(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []byte("rewrapped"), chunks[0].PayloadEnv)
	require.Equal(t, []float32{0, 0, 1}, chunks[0].Vector)

	require.NoError(t, vs.DeleteMemory(ctx, "m1"))
	chunks, err = vs.Chunks(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, chunks)
}
