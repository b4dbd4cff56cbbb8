package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"mnemos/internal/types"
)

type stubEngine struct {
	name string
	vec  []float32
	err  error
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return len(s.vec) }
func (s *stubEngine) Name() string    { return s.name }

func TestEmbedBatchModelAttributesFallback(t *testing.T) {
	primary := &stubEngine{name: "primary-embed", vec: []float32{1, 0, 0}, err: errors.New("connection refused")}
	fallback := &stubEngine{name: "standby-embed", vec: []float32{0, 1, 0}}
	eng := &retryEngine{primary: primary, fallback: fallback, attempts: 1}

	vectors, model, err := EmbedBatchModel(context.Background(), eng, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	require.Equal(t, "standby-embed", model, "the provider that served the batch, not the pinned one")

	// Name still reports the collection's pinned model.
	require.Equal(t, "primary-embed", eng.Name())
}

func TestEmbedBatchModelPermanentFailure(t *testing.T) {
	primary := &stubEngine{name: "primary-embed", err: errors.New("connection refused")}
	eng := &retryEngine{primary: primary, attempts: 1}

	_, _, err := EmbedBatchModel(context.Background(), eng, []string{"a"})
	require.Equal(t, types.KindModelUnavailable, types.KindOf(err))
}

func TestEmbedBatchModelPassthrough(t *testing.T) {
	plain := &stubEngine{name: "direct-embed", vec: []float32{1}}

	vectors, model, err := EmbedBatchModel(context.Background(), plain, []string{"a"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	require.Equal(t, "direct-embed", model)
}
