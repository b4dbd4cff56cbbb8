package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemos/internal/blindex"
	"mnemos/internal/crypto"
	"mnemos/internal/envelope"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// Update is a partial mutation of a memory's encrypted fields. Nil pointers
// leave the field alone; a pointer to the empty string clears it.
type Update struct {
	Title   *string
	Content *string
	Meta    *Meta
}

// UpdateMemory re-encrypts the changed fields, replaces their envelopes and
// the blind-index tokens atomically, and re-runs the pipeline when the
// content changed.
func (o *Orchestrator) UpdateMemory(ctx context.Context, id types.MemoryID, up Update) (*store.Memory, error) {
	if err := o.writable(); err != nil {
		return nil, err
	}
	mem, err := o.st.GetMemory(ctx, id, false)
	if err != nil {
		return nil, err
	}

	var title, content string
	var meta *Meta
	var tokens []store.SearchToken
	contentChanged := false

	err = o.sess.WithKeys(func(k *session.Keys) error {
		var err error
		if title, err = openString(k.KEK, mem.TitleEnv); err != nil {
			return err
		}
		if content, err = openString(k.KEK, mem.ContentEnv); err != nil {
			return err
		}
		if len(mem.MetaEnv) > 0 {
			e, err := envelope.Unmarshal(mem.MetaEnv)
			if err != nil {
				return err
			}
			raw, err := envelope.Open(k.KEK, e)
			if err != nil {
				return err
			}
			meta = &Meta{}
			if err := json.Unmarshal(raw, meta); err != nil {
				return fmt.Errorf("failed to parse metadata: %w", err)
			}
		}

		if up.Title != nil {
			title = *up.Title
		}
		if up.Content != nil {
			// File memories may carry no body; clearing text content is not
			// allowed.
			if *up.Content == "" {
				return types.E(types.ErrPreconditionFailed, "empty content")
			}
			if *up.Content != content {
				content = *up.Content
				contentChanged = true
			}
		}
		if up.Meta != nil {
			meta = up.Meta
		}

		// File memories keep the original file digest; only a text change
		// moves it.
		if contentChanged {
			mem.Digest = crypto.DigestHex([]byte(content))
		}
		mem.HasLocation = meta != nil && meta.Location != nil
		mem.UpdatedAt = time.Now().UTC()
		if mem.TitleEnv, err = sealString(k.KEK, title); err != nil {
			return err
		}
		if mem.ContentEnv, err = sealString(k.KEK, content); err != nil {
			return err
		}
		mem.MetaEnv = nil
		if meta != nil {
			raw, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			env, err := envelope.Seal(k.KEK, raw)
			if err != nil {
				return err
			}
			if mem.MetaEnv, err = env.Marshal(); err != nil {
				return err
			}
		}

		tags, err := o.st.TagsForMemory(ctx, id)
		if err != nil {
			return err
		}
		add := func(toks []string, tt types.TokenType) {
			for _, t := range toks {
				tokens = append(tokens, store.SearchToken{MemoryID: id, Type: tt, Token: t})
			}
		}
		add(blindex.TokenizeText(k.Search, title, types.TokenTitle), types.TokenTitle)
		add(blindex.TokenizeText(k.Search, content, types.TokenBody), types.TokenBody)
		add(blindex.TokenizeDate(k.Search, mem.CapturedAt), types.TokenDate)
		for _, tag := range tags {
			if tok, ok := blindex.TokenizeWhole(k.Search, tag.Label, types.TokenTag); ok {
				add([]string{tok}, types.TokenTag)
			}
		}
		if meta != nil && meta.Location != nil && meta.Location.Label != "" {
			if tok, ok := blindex.TokenizeWhole(k.Search, meta.Location.Label, types.TokenLocation); ok {
				add([]string{tok}, types.TokenLocation)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM search_tokens WHERE memory_id = ?`, string(id)); err != nil {
			return err
		}
		if err := store.InsertTokensTx(tx, tokens); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE memories SET title_env = ?, content_env = ?, meta_env = ?,
				digest = ?, has_location = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL`,
			mem.TitleEnv, mem.ContentEnv, mem.MetaEnv, mem.Digest,
			boolToInt(mem.HasLocation), mem.UpdatedAt, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}

	if contentChanged {
		o.afterCommit(id)
	}
	logging.Get(logging.CategoryIngest).Infow("memory updated",
		"memory", id, "content_changed", contentChanged)
	return mem, nil
}

// Purge hard-deletes a memory: vault blobs, vector points, then the row.
// Sources, tokens, joins, and connections cascade with the row.
func (o *Orchestrator) Purge(ctx context.Context, id types.MemoryID) error {
	if err := o.writable(); err != nil {
		return err
	}
	src, err := o.st.GetSourceByMemory(ctx, id)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		return err
	}
	if src != nil {
		if err := o.vlt.Remove(src.VaultPath); err != nil {
			return err
		}
		if src.PreservedPath != "" {
			if err := o.vlt.Remove(src.PreservedPath); err != nil {
				return err
			}
		}
	}
	if err := o.pipeline.DropVectors(ctx, id); err != nil {
		return err
	}
	if err := o.st.Purge(ctx, id); err != nil {
		return err
	}
	logging.Get(logging.CategoryIngest).Infow("memory purged", "memory", id)
	return nil
}

func openString(kek, env []byte) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	e, err := envelope.Unmarshal(env)
	if err != nil {
		return "", err
	}
	plain, err := envelope.Open(kek, e)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
