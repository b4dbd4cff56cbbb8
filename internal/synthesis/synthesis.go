// Package synthesis discovers connections between memories: for each chunk
// of a newly embedded memory it retrieves the nearest foreign chunks, keeps
// neighbours above the similarity threshold, and asks the labelling model
// which relationship holds. Edges land idempotently; re-running a sweep
// never duplicates them.
package synthesis

import (
	"context"
	"fmt"
	"sort"

	"mnemos/internal/envelope"
	"mnemos/internal/llm"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
	"mnemos/internal/vector"
)

const (
	// Neighbours considered per memory.
	topK = 10
	// Cosine similarity floor; below this, proximity is noise.
	threshold = 0.75
	// Excerpt length handed to the labelling model.
	excerptRunes = 600
)

// Synthesizer runs connection discovery for one memory at a time.
type Synthesizer struct {
	st     *store.LocalStore
	vs     *vector.Store
	client llm.Client
	sess   *session.Session
}

// New builds a synthesizer.
func New(st *store.LocalStore, vs *vector.Store, client llm.Client, sess *session.Session) *Synthesizer {
	return &Synthesizer{st: st, vs: vs, client: client, sess: sess}
}

// Provenance is the edge provenance this synthesizer writes.
func (sy *Synthesizer) Provenance() string {
	return "model:" + sy.client.Name()
}

// Synthesize discovers and stores edges for id. Returns the number of new
// neighbour relationships considered (not necessarily inserted; existing
// edges are skipped silently by the store).
func (sy *Synthesizer) Synthesize(ctx context.Context, id types.MemoryID) (int, error) {
	log := logging.Get(logging.CategoryCortex)

	chunks, err := sy.vs.Chunks(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	// Best foreign chunk per neighbour memory across all of our chunks.
	type neighbour struct {
		score      float64
		payloadEnv []byte
	}
	best := make(map[types.MemoryID]neighbour)
	for _, c := range chunks {
		hits, err := sy.vs.Search(ctx, c.Vector, c.Model, topK, id)
		if err != nil {
			return 0, err
		}
		for _, h := range hits {
			if h.Score < threshold {
				continue
			}
			if prev, ok := best[h.MemoryID]; !ok || h.Score > prev.score {
				best[h.MemoryID] = neighbour{score: h.Score, payloadEnv: h.PayloadEnv}
			}
		}
	}
	if len(best) == 0 {
		return 0, nil
	}

	ids := make([]types.MemoryID, 0, len(best))
	for nid := range best {
		ids = append(ids, nid)
	}
	sort.Slice(ids, func(i, j int) bool { return best[ids[i]].score > best[ids[j]].score })
	if len(ids) > topK {
		ids = ids[:topK]
	}

	ownExcerpt, err := sy.decryptExcerpt(chunks[0].PayloadEnv)
	if err != nil {
		return 0, err
	}

	made := 0
	for _, nid := range ids {
		n := best[nid]
		theirExcerpt, err := sy.decryptExcerpt(n.payloadEnv)
		if err != nil {
			return made, err
		}

		kind, explanation := sy.label(ctx, ownExcerpt, theirExcerpt)

		var explEnv []byte
		if explanation != "" {
			err = sy.sess.WithKeys(func(k *session.Keys) error {
				env, err := envelope.Seal(k.KEK, []byte(explanation))
				if err != nil {
					return err
				}
				explEnv, err = env.Marshal()
				return err
			})
			if err != nil {
				return made, err
			}
		}

		err = sy.st.UpsertConnection(ctx, &store.Connection{
			SourceID:       id,
			TargetID:       nid,
			Kind:           kind,
			ExplanationEnv: explEnv,
			Strength:       n.score,
			Provenance:     sy.Provenance(),
		})
		if err != nil {
			return made, err
		}
		made++
	}
	log.Infow("synthesis complete", "memory", id, "neighbours", made)
	return made, nil
}

// label asks the model for a relationship. A model failure degrades to the
// generic related edge rather than failing the sweep.
func (sy *Synthesizer) label(ctx context.Context, a, b string) (types.RelationshipKind, string) {
	system, user := llm.ConnectionPrompt(a, b)
	answer, err := sy.client.Complete(ctx, system, user)
	if err != nil {
		logging.Get(logging.CategoryCortex).Warnw("labelling failed, using related", "error", err)
		return types.RelRelated, ""
	}
	return llm.ParseRelationship(answer), fmt.Sprintf("model answer: %s", answer)
}

func (sy *Synthesizer) decryptExcerpt(payloadEnv []byte) (string, error) {
	var text string
	err := sy.sess.WithKeys(func(k *session.Keys) error {
		env, err := envelope.Unmarshal(payloadEnv)
		if err != nil {
			return err
		}
		pt, err := envelope.Open(k.KEK, env)
		if err != nil {
			return err
		}
		r := []rune(string(pt))
		if len(r) > excerptRunes {
			r = r[:excerptRunes]
		}
		text = string(r)
		return nil
	})
	return text, err
}
