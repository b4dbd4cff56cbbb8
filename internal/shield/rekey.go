package shield

import (
	"context"
	"encoding/json"

	"mnemos/internal/blindex"
	"mnemos/internal/crypto"
	"mnemos/internal/envelope"
	"mnemos/internal/logging"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// keySet is one generation of derived sub-keys.
type keySet struct {
	kek, search, file []byte
}

func deriveSet(master []byte) (*keySet, error) {
	kek, err := crypto.DeriveSubKey(master, crypto.PurposeKEK)
	if err != nil {
		return nil, err
	}
	search, err := crypto.DeriveSubKey(master, crypto.PurposeSearch)
	if err != nil {
		return nil, err
	}
	file, err := crypto.DeriveSubKey(master, crypto.PurposeFile)
	if err != nil {
		return nil, err
	}
	return &keySet{kek: kek, search: search, file: file}, nil
}

func (k *keySet) zero() {
	crypto.Zero(k.kek)
	crypto.Zero(k.search)
	crypto.Zero(k.file)
}

// metaFields is the slice of the encrypted metadata the blind-index rebuild
// needs. Unknown fields are preserved untouched because the envelope is
// resealed whole, not re-marshaled.
type metaFields struct {
	Location *struct {
		Label string `json:"label"`
	} `json:"location,omitempty"`
}

// Rekey rotates the passphrase: every envelope is resealed under the new
// KEK, vault data keys are rewrapped without rewriting blobs, and the blind
// index is rebuilt under the new search key. The new salt and KDF params are
// persisted as a pending target before the first reseal and progress is
// marked per object, so an interrupted run resumes with the same derived
// keys when called again with the same passphrases. The session ends up
// unlocked with the new keys.
func (sh *Shield) Rekey(ctx context.Context, oldPassphrase, newPassphrase string) error {
	if newPassphrase == "" {
		return types.E(types.ErrPreconditionFailed, "empty passphrase")
	}
	auth, err := sh.st.GetAuthState(ctx)
	if err != nil {
		return err
	}
	oldMaster := crypto.DeriveMaster(oldPassphrase, auth.Salt, auth.KDF)
	if !crypto.CheckVerifier(oldMaster, auth.Verifier) {
		crypto.Zero(oldMaster)
		return types.E(types.ErrBadPassphrase, "verifier mismatch")
	}

	// Resume an interrupted run with its recorded target, or record a fresh
	// one before any envelope is touched. Minting a new salt mid-run would
	// reseal the remaining objects under keys no passphrase can re-derive.
	pending, err := sh.st.GetRekeyPending(ctx)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		crypto.Zero(oldMaster)
		return err
	}
	if pending == nil {
		salt, err := crypto.RandomBytes(crypto.KeySize)
		if err != nil {
			crypto.Zero(oldMaster)
			return err
		}
		pending = &store.RekeyPending{Salt: salt, KDF: crypto.DefaultKDFParams()}
		master := crypto.DeriveMaster(newPassphrase, pending.Salt, pending.KDF)
		pending.Verifier = crypto.Verifier(master)
		crypto.Zero(master)
		if err := sh.st.PutRekeyPending(ctx, pending); err != nil {
			crypto.Zero(oldMaster)
			return err
		}
	}
	newMaster := crypto.DeriveMaster(newPassphrase, pending.Salt, pending.KDF)
	if !crypto.CheckVerifier(newMaster, pending.Verifier) {
		crypto.Zero(oldMaster)
		crypto.Zero(newMaster)
		return types.E(types.ErrBadPassphrase,
			"an interrupted re-key is in progress with a different new passphrase")
	}
	newVerifier := crypto.Verifier(newMaster)

	oldKeys, err := deriveSet(oldMaster)
	crypto.Zero(oldMaster)
	if err != nil {
		return err
	}
	defer oldKeys.zero()
	newKeys, err := deriveSet(newMaster)
	if err != nil {
		return err
	}
	defer newKeys.zero()

	log := logging.Get(logging.CategoryShield)
	log.Info("re-key started")

	if err := sh.rekeyMemories(ctx, oldKeys, newKeys); err != nil {
		return err
	}
	if err := sh.rekeySources(ctx, oldKeys, newKeys); err != nil {
		return err
	}
	for _, pass := range []struct {
		kind   string
		update func(context.Context, string, []byte) error
	}{
		{"connection", sh.st.UpdateConnectionExplanation},
		{"suggestion", sh.st.UpdateSuggestionPayload},
		{"message", sh.st.UpdateMessageContent},
		{"person", sh.st.UpdatePersonNameEnv},
	} {
		if err := sh.rekeyEnvelopes(ctx, pass.kind, oldKeys.kek, newKeys.kek, pass.update); err != nil {
			return err
		}
	}

	// Only after every object is rewrapped does the verifier flip. A crash
	// before this point leaves the old passphrase fully valid.
	if err := sh.st.PutAuthState(ctx, &store.AuthState{
		Salt: pending.Salt, KDF: pending.KDF, Verifier: newVerifier,
	}); err != nil {
		return err
	}
	if err := sh.st.ResetRekeyProgress(ctx); err != nil {
		return err
	}
	if err := sh.st.ClearRekeyPending(ctx); err != nil {
		return err
	}
	if err := sh.sess.Unlock(newMaster, newVerifier); err != nil {
		return err
	}
	log.Info("re-key complete")
	return nil
}

// rekeyMemories reseals the three memory envelopes, rebuilds the memory's
// blind-index tokens under the new search key, and rewraps its chunk
// payloads. One progress mark covers the whole unit.
func (sh *Shield) rekeyMemories(ctx context.Context, oldK, newK *keySet) error {
	ids, err := sh.st.ListMemoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := sh.st.IsRekeyed(ctx, "memory", string(id))
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := sh.rekeyMemory(ctx, id, oldK, newK); err != nil {
			return types.E(err, "re-key memory %s", id)
		}
		if err := sh.st.MarkRekeyed(ctx, "memory", string(id)); err != nil {
			return err
		}
	}
	return nil
}

func (sh *Shield) rekeyMemory(ctx context.Context, id types.MemoryID, oldK, newK *keySet) error {
	mem, err := sh.st.GetMemory(ctx, id, false)
	if err != nil {
		return err
	}

	var title, content string
	var meta metaFields
	reseal := func(env []byte, out *string, decode bool) ([]byte, error) {
		if len(env) == 0 {
			return nil, nil
		}
		e, err := envelope.Unmarshal(env)
		if err != nil {
			return nil, err
		}
		plain, err := envelope.Open(oldK.kek, e)
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(plain)
		if out != nil {
			*out = string(plain)
		}
		if decode {
			// Best effort: a meta blob that fails to parse still reseals.
			_ = json.Unmarshal(plain, &meta)
		}
		ne, err := envelope.Seal(newK.kek, plain)
		if err != nil {
			return nil, err
		}
		return ne.Marshal()
	}

	titleEnv, err := reseal(mem.TitleEnv, &title, false)
	if err != nil {
		return err
	}
	contentEnv, err := reseal(mem.ContentEnv, &content, false)
	if err != nil {
		return err
	}
	metaEnv, err := reseal(mem.MetaEnv, nil, true)
	if err != nil {
		return err
	}
	if err := sh.st.UpdateEnvelopes(ctx, id, titleEnv, contentEnv, metaEnv, mem.Digest, mem.HasLocation); err != nil {
		return err
	}

	// Token rebuild mirrors ingest: title, body, date, tags, place label.
	var tokens []store.SearchToken
	add := func(toks []string, tt types.TokenType) {
		for _, t := range toks {
			tokens = append(tokens, store.SearchToken{MemoryID: id, Type: tt, Token: t})
		}
	}
	add(blindex.TokenizeText(newK.search, title, types.TokenTitle), types.TokenTitle)
	add(blindex.TokenizeText(newK.search, content, types.TokenBody), types.TokenBody)
	add(blindex.TokenizeDate(newK.search, mem.CapturedAt), types.TokenDate)
	tags, err := sh.st.TagsForMemory(ctx, id)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if tok, ok := blindex.TokenizeWhole(newK.search, tag.Label, types.TokenTag); ok {
			add([]string{tok}, types.TokenTag)
		}
	}
	if meta.Location != nil && meta.Location.Label != "" {
		if tok, ok := blindex.TokenizeWhole(newK.search, meta.Location.Label, types.TokenLocation); ok {
			add([]string{tok}, types.TokenLocation)
		}
	}
	if err := sh.st.ReplaceTokens(ctx, id, tokens); err != nil {
		return err
	}

	points, err := sh.vs.Chunks(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range points {
		e, err := envelope.Unmarshal(p.PayloadEnv)
		if err != nil {
			return err
		}
		ne, err := envelope.Reseal(oldK.kek, newK.kek, e)
		if err != nil {
			return err
		}
		env, err := ne.Marshal()
		if err != nil {
			return err
		}
		if err := sh.vs.UpdatePayload(ctx, id, p.ChunkIndex, env); err != nil {
			return err
		}
	}
	return nil
}

// rekeySources rewraps each source's filename envelope under the new KEK and
// its data-key envelope under the new file key. The vault blobs themselves
// are never rewritten.
func (sh *Shield) rekeySources(ctx context.Context, oldK, newK *keySet) error {
	return sh.st.ListSources(ctx, func(src *store.Source) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := sh.st.IsRekeyed(ctx, "source", string(src.ID))
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		filenameEnv := src.FilenameEnv
		if len(filenameEnv) > 0 {
			e, err := envelope.Unmarshal(filenameEnv)
			if err != nil {
				return err
			}
			ne, err := envelope.Reseal(oldK.kek, newK.kek, e)
			if err != nil {
				return types.E(err, "re-key source %s filename", src.ID)
			}
			if filenameEnv, err = ne.Marshal(); err != nil {
				return err
			}
		}

		rewrapDek := func(raw []byte) ([]byte, error) {
			keyEnv, err := envelope.Unmarshal(raw)
			if err != nil {
				return nil, err
			}
			rewrapped, err := envelope.RewrapDetached(oldK.file, newK.file, keyEnv)
			if err != nil {
				return nil, types.E(err, "re-key source %s data key", src.ID)
			}
			return rewrapped.Marshal()
		}
		dekEnv, err := rewrapDek(src.DekEnv)
		if err != nil {
			return err
		}
		preservedDekEnv := src.PreservedDekEnv
		if len(preservedDekEnv) > 0 {
			if preservedDekEnv, err = rewrapDek(src.PreservedDekEnv); err != nil {
				return err
			}
		}

		if err := sh.st.UpdateSourceEnvs(ctx, src.ID, filenameEnv, dekEnv, preservedDekEnv); err != nil {
			return err
		}
		return sh.st.MarkRekeyed(ctx, "source", string(src.ID))
	})
}

// rekeyEnvelopes reseals one envelope column across a table.
func (sh *Shield) rekeyEnvelopes(ctx context.Context, kind string, oldKEK, newKEK []byte, update func(context.Context, string, []byte) error) error {
	ids, envs, err := sh.st.ListEnvelopeIDs(ctx, kind)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := sh.st.IsRekeyed(ctx, kind, id)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		e, err := envelope.Unmarshal(envs[i])
		if err != nil {
			return err
		}
		ne, err := envelope.Reseal(oldKEK, newKEK, e)
		if err != nil {
			return types.E(err, "re-key %s %s", kind, id)
		}
		env, err := ne.Marshal()
		if err != nil {
			return err
		}
		if err := update(ctx, id, env); err != nil {
			return err
		}
		if err := sh.st.MarkRekeyed(ctx, kind, id); err != nil {
			return err
		}
	}
	return nil
}
