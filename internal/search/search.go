// Package search resolves queries three ways: blind-index keyword match,
// semantic vector retrieval, and a hybrid of the two fused with reciprocal
// rank fusion. Results carry both ranks so a client can explain why a
// memory surfaced.
package search

import (
	"context"
	"sort"
	"time"

	"mnemos/internal/blindex"
	"mnemos/internal/embedding"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
	"mnemos/internal/vector"
)

// rrfC is the reciprocal rank fusion constant. 60 keeps single-list
// dominance in check without flattening the head of either list.
const rrfC = 60

// DefaultLimit bounds result sets when the caller does not.
const DefaultLimit = 20

// Result is one scored memory. Ranks are 1-based; 0 means the memory did
// not appear in that list. The per-list sub-scores survive fusion; only
// Score is replaced by the fused value.
type Result struct {
	MemoryID      types.MemoryID `json:"memory_id"`
	Score         float64        `json:"score"`
	KeywordRank   int            `json:"keyword_rank,omitempty"`
	SemanticRank  int            `json:"semantic_rank,omitempty"`
	MatchedTokens int            `json:"matched_tokens,omitempty"`
	KeywordScore  float64        `json:"keyword_score,omitempty"`
	VectorScore   float64        `json:"vector_score,omitempty"`
	CapturedAt    time.Time      `json:"captured_at,omitempty"`
}

// Response is a resolved query. TokensGenerated counts the blind tokens
// derived from the query text; zero in semantic mode.
type Response struct {
	Hits            []Result         `json:"hits"`
	Total           int              `json:"total"`
	TokensGenerated int              `json:"query_tokens_generated"`
	Mode            types.SearchMode `json:"mode"`
}

// Searcher resolves queries against the blind index and the vector store.
type Searcher struct {
	st   *store.LocalStore
	vs   *vector.Store
	eng  embedding.Engine
	sess *session.Session
}

// New builds a searcher.
func New(st *store.LocalStore, vs *vector.Store, eng embedding.Engine, sess *session.Session) *Searcher {
	return &Searcher{st: st, vs: vs, eng: eng, sess: sess}
}

// Search resolves query in the given mode. Heir sessions see public
// memories only.
func (s *Searcher) Search(ctx context.Context, query string, mode types.SearchMode, limit int) (*Response, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if mode == "" {
		mode = types.ModeHybrid
	}
	publicOnly := s.sess.HeirMode()

	var keyword, semantic []Result
	var generated int
	var err error
	switch mode {
	case types.ModeKeyword:
		keyword, generated, err = s.keyword(ctx, query, publicOnly)
	case types.ModeSemantic:
		semantic, err = s.semantic(ctx, query, limit, publicOnly)
	case types.ModeHybrid:
		keyword, generated, err = s.keyword(ctx, query, publicOnly)
		if err == nil {
			semantic, err = s.semantic(ctx, query, limit, publicOnly)
		}
	default:
		return nil, types.E(types.ErrPreconditionFailed, "unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	fused := fuse(keyword, semantic)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	logging.Get(logging.CategoryCortex).Debugw("search resolved",
		"mode", mode, "keyword", len(keyword), "semantic", len(semantic), "returned", len(fused))
	return &Response{Hits: fused, Total: len(fused), TokensGenerated: generated, Mode: mode}, nil
}

// keyword matches the query's blind tokens against the index. The score
// saturates with match count so one term repeated cannot swamp the list.
func (s *Searcher) keyword(ctx context.Context, query string, publicOnly bool) ([]Result, int, error) {
	var tokens []string
	err := s.sess.WithKeys(func(k *session.Keys) error {
		tokens = blindex.QueryTokens(k.Search, query, types.TokenBody)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	hits, err := s.st.MatchTokens(ctx, tokens, publicOnly)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			MemoryID:      h.MemoryID,
			KeywordRank:   i + 1,
			MatchedTokens: h.Matched,
			KeywordScore:  saturate(h.Matched),
			Score:         saturate(h.Matched),
			CapturedAt:    h.CapturedAt,
		}
	}
	return results, len(tokens), nil
}

// semantic embeds the query and aggregates chunk hits per memory by best
// chunk score. Heir filtering happens after retrieval since the vector
// table carries no visibility column.
func (s *Searcher) semantic(ctx context.Context, query string, limit int, publicOnly bool) ([]Result, error) {
	if !s.sess.Unlocked() {
		return nil, types.E(types.ErrSessionLocked, "no keys in memory")
	}
	qv, err := s.eng.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	// Over-fetch chunks: several may collapse into one memory.
	hits, err := s.vs.Search(ctx, qv, s.eng.Name(), limit*4, "")
	if err != nil {
		return nil, err
	}

	best := make(map[types.MemoryID]float64)
	order := make([]types.MemoryID, 0, len(hits))
	for _, h := range hits {
		if prev, ok := best[h.MemoryID]; !ok || h.Score > prev {
			if !ok {
				order = append(order, h.MemoryID)
			}
			best[h.MemoryID] = h.Score
		}
	}

	var results []Result
	for _, id := range order {
		if publicOnly {
			mem, err := s.st.GetMemory(ctx, id, false)
			if err != nil || mem.Visibility != types.VisibilityPublic {
				continue
			}
		}
		results = append(results, Result{
			MemoryID:    id,
			VectorScore: best[id],
			Score:       best[id],
		})
		if len(results) == limit {
			break
		}
	}
	for i := range results {
		results[i].SemanticRank = i + 1
	}
	return results, nil
}

// fuse combines the two ranked lists with reciprocal rank fusion. A memory
// present in only one list still scores; ties break on most recent capture.
func fuse(keyword, semantic []Result) []Result {
	if len(semantic) == 0 {
		return keyword
	}
	if len(keyword) == 0 {
		return semantic
	}

	merged := make(map[types.MemoryID]*Result)
	for i := range keyword {
		r := keyword[i]
		merged[r.MemoryID] = &r
	}
	for i := range semantic {
		s := semantic[i]
		if r, ok := merged[s.MemoryID]; ok {
			r.SemanticRank = s.SemanticRank
			r.VectorScore = s.VectorScore
		} else {
			merged[s.MemoryID] = &s
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		r.Score = rrf(r.KeywordRank) + rrf(r.SemanticRank)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	return out
}

func rrf(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1 / float64(rrfC+rank)
}

// saturate maps a match count into (0, 1) with diminishing returns.
func saturate(matched int) float64 {
	return float64(matched) / float64(matched+2)
}
