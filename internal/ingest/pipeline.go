package ingest

import (
	"context"
	"encoding/json"

	"mnemos/internal/chunker"
	"mnemos/internal/embedding"
	"mnemos/internal/envelope"
	"mnemos/internal/llm"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/synthesis"
	"mnemos/internal/types"
	"mnemos/internal/vector"
)

// Pipeline is the post-commit stage of ingestion: chunk, embed, discover
// connections, suggest tags. It also serves the embed retry loop.
type Pipeline struct {
	st     *store.LocalStore
	vs     *vector.Store
	eng    embedding.Engine
	client llm.Client
	synth  *synthesis.Synthesizer
	sess   *session.Session
}

// NewPipeline wires the post-commit stage.
func NewPipeline(st *store.LocalStore, vs *vector.Store, eng embedding.Engine,
	client llm.Client, synth *synthesis.Synthesizer, sess *session.Session) *Pipeline {
	return &Pipeline{st: st, vs: vs, eng: eng, client: client, synth: synth, sess: sess}
}

// Process runs the full post-commit pipeline for one memory. Embedding
// failure parks the memory and stops; synthesis and tag suggestion only
// run over fresh embeddings.
func (p *Pipeline) Process(ctx context.Context, id types.MemoryID) error {
	if err := p.EmbedMemory(ctx, id); err != nil {
		// ModelMismatch parks too: a fallback provider answered but the
		// collection is pinned to the primary, so the memory waits for it.
		if kind := types.KindOf(err); kind == types.KindModelUnavailable || kind == types.KindModelMismatch {
			if perr := p.st.ParkEmbed(ctx, id, err.Error()); perr != nil {
				return perr
			}
			return nil
		}
		return err
	}
	if _, err := p.synth.Synthesize(ctx, id); err != nil {
		logging.Get(logging.CategoryCortex).Warnw("synthesis failed", "memory", id, "error", err)
	}
	if err := p.SuggestTags(ctx, id); err != nil {
		logging.Get(logging.CategoryCortex).Warnw("tag suggestion failed", "memory", id, "error", err)
	}
	return nil
}

// EmbedMemory chunks and embeds a memory's content, replacing any previous
// points. A memory with no text body is a no-op.
func (p *Pipeline) EmbedMemory(ctx context.Context, id types.MemoryID) error {
	content, err := p.decryptContent(ctx, id)
	if err != nil {
		return err
	}
	chunks := chunker.Split(content)
	if len(chunks) == 0 {
		return p.st.ClearEmbed(ctx, id)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, model, err := embedding.EmbedBatchModel(ctx, p.eng, texts)
	if err != nil {
		return err
	}

	if err := p.vs.DeleteMemory(ctx, id); err != nil {
		return err
	}
	for i, c := range chunks {
		var payloadEnv []byte
		err := p.sess.WithKeys(func(k *session.Keys) error {
			env, err := envelope.Seal(k.KEK, []byte(c.Text))
			if err != nil {
				return err
			}
			payloadEnv, err = env.Marshal()
			return err
		})
		if err != nil {
			return err
		}
		err = p.vs.Upsert(ctx, vector.Point{
			MemoryID:   id,
			ChunkIndex: c.Index,
			Model:      model,
			Vector:     vectors[i],
			PayloadEnv: payloadEnv,
		})
		if err != nil {
			return err
		}
	}
	logging.Get(logging.CategoryCortex).Infow("memory embedded", "memory", id, "chunks", len(chunks))
	return p.st.ClearEmbed(ctx, id)
}

// DropVectors removes a memory's points, used by the purge path.
func (p *Pipeline) DropVectors(ctx context.Context, id types.MemoryID) error {
	return p.vs.DeleteMemory(ctx, id)
}

// RetryParked re-runs the pipeline for memories whose embedding previously
// failed. Called by the embed-retry loop.
func (p *Pipeline) RetryParked(ctx context.Context, limit int) error {
	ids, err := p.st.ListParkedEmbeds(ctx, limit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.Process(ctx, id); err != nil {
			logging.Get(logging.CategoryCortex).Warnw("embed retry failed", "memory", id, "error", err)
		}
	}
	return nil
}

// SuggestTags asks the labelling model for tags and records them as pending
// suggestions with encrypted payloads.
func (p *Pipeline) SuggestTags(ctx context.Context, id types.MemoryID) error {
	content, err := p.decryptContent(ctx, id)
	if err != nil {
		return err
	}
	if content == "" {
		return nil
	}

	existing, err := p.st.ListTags(ctx)
	if err != nil {
		return err
	}
	labels := make([]string, len(existing))
	for i, t := range existing {
		labels[i] = t.Label
	}

	system, user := llm.TagPrompt(content, labels)
	answer, err := p.client.Complete(ctx, system, user)
	if err != nil {
		return err
	}
	tags := llm.ParseTags(answer, 5)
	if len(tags) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{"tags": tags})
	if err != nil {
		return err
	}
	var payloadEnv []byte
	err = p.sess.WithKeys(func(k *session.Keys) error {
		env, err := envelope.Seal(k.KEK, payload)
		if err != nil {
			return err
		}
		payloadEnv, err = env.Marshal()
		return err
	})
	if err != nil {
		return err
	}
	return p.st.CreateSuggestion(ctx, &store.Suggestion{
		MemoryID:   id,
		Kind:       "tag",
		PayloadEnv: payloadEnv,
	})
}

func (p *Pipeline) decryptContent(ctx context.Context, id types.MemoryID) (string, error) {
	mem, err := p.st.GetMemory(ctx, id, false)
	if err != nil {
		return "", err
	}
	if len(mem.ContentEnv) == 0 {
		return "", nil
	}
	var content string
	err = p.sess.WithKeys(func(k *session.Keys) error {
		env, err := envelope.Unmarshal(mem.ContentEnv)
		if err != nil {
			return err
		}
		pt, err := envelope.Open(k.KEK, env)
		if err != nil {
			return err
		}
		content = string(pt)
		return nil
	})
	return content, err
}
