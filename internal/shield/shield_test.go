package shield

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mnemos/internal/blindex"
	"mnemos/internal/crypto"
	"mnemos/internal/envelope"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
	"mnemos/internal/vector"
)

func newShield(t *testing.T) (*Shield, *store.LocalStore, *session.Session, *int) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shield.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	vs, err := vector.New(st.DB(), "test-model", 3)
	require.NoError(t, err)

	sess := session.New(0, nil)
	unlocks := 0
	sh := New(st, vs, sess, func(context.Context) { unlocks++ })
	return sh, st, sess, &unlocks
}

func sessionKeys(t *testing.T, sess *session.Session) (kek, search, file []byte) {
	t.Helper()
	require.NoError(t, sess.WithKeys(func(k *session.Keys) error {
		kek = append([]byte(nil), k.KEK...)
		search = append([]byte(nil), k.Search...)
		file = append([]byte(nil), k.File...)
		return nil
	}))
	return
}

func TestSetupAndLogin(t *testing.T) {
	sh, _, sess, unlocks := newShield(t)
	ctx := context.Background()

	require.NoError(t, sh.Setup(ctx, "correct horse"))
	require.True(t, sess.Unlocked())
	require.Equal(t, 1, *unlocks)

	err := sh.Setup(ctx, "another pass")
	require.Equal(t, types.KindConflict, types.KindOf(err))

	sh.Lock()
	require.False(t, sess.Unlocked())

	err = sh.Login(ctx, "wrong horse")
	require.Equal(t, types.KindBadPassphrase, types.KindOf(err))
	require.False(t, sess.Unlocked())

	require.NoError(t, sh.Login(ctx, "correct horse"))
	require.True(t, sess.Unlocked())
	require.Equal(t, 2, *unlocks)
}

func TestLoginBeforeSetup(t *testing.T) {
	sh, _, _, _ := newShield(t)
	err := sh.Login(context.Background(), "anything")
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))
}

func TestSetupRejectsEmptyPassphrase(t *testing.T) {
	sh, _, _, _ := newShield(t)
	err := sh.Setup(context.Background(), "")
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))
}

func TestSaltAndParamsOmitsVerifier(t *testing.T) {
	sh, _, _, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "pass"))

	a, err := sh.SaltAndParams(ctx)
	require.NoError(t, err)
	require.Len(t, a.Salt, crypto.KeySize)
	require.NotZero(t, a.KDF.MemoryKiB)
	require.Empty(t, a.Verifier)
}

func TestClientSideDerivation(t *testing.T) {
	sh, _, sess, _ := newShield(t)
	ctx := context.Background()

	salt, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	params := crypto.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: crypto.KeySize}
	master := crypto.DeriveMaster("client pass", salt, params)
	verifier := crypto.Verifier(master)

	// A verifier that does not match the uploaded master is refused.
	wrong, _ := crypto.NewKey()
	err = sh.SetupWithMaster(ctx, salt, params, crypto.Verifier(wrong), append([]byte(nil), master...))
	require.Equal(t, types.KindBadPassphrase, types.KindOf(err))

	require.NoError(t, sh.SetupWithMaster(ctx, salt, params, verifier, append([]byte(nil), master...)))
	require.True(t, sess.Unlocked())

	err = sh.SetupWithMaster(ctx, salt, params, verifier, append([]byte(nil), master...))
	require.Equal(t, types.KindConflict, types.KindOf(err))

	sh.Lock()
	require.NoError(t, sh.LoginWithMaster(ctx, append([]byte(nil), master...)))
	require.True(t, sess.Unlocked())

	// Server-side login still works: the stored KDF parameters reproduce the
	// same master from the passphrase.
	sh.Lock()
	require.NoError(t, sh.Login(ctx, "client pass"))
}

func TestRekeyRotatesEverything(t *testing.T) {
	sh, st, sess, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "first pass"))
	oldKEK, oldSearch, oldFile := sessionKeys(t, sess)

	now := time.Now().UTC()
	seal := func(key []byte, plain string) []byte {
		env, err := envelope.Seal(key, []byte(plain))
		require.NoError(t, err)
		raw, err := env.Marshal()
		require.NoError(t, err)
		return raw
	}

	// One memory with title, content, tokens, and an embedded chunk.
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return store.InsertMemoryTx(tx, &store.Memory{
			ID: "m1", Digest: "d1", CapturedAt: now, CreatedAt: now, UpdatedAt: now,
			ContentType: types.ContentText, SourceClass: types.SourceManual,
			Visibility: types.VisibilityPrivate,
			TitleEnv:   seal(oldKEK, "rye notes"),
			ContentEnv: seal(oldKEK, "the rye loaf needs more hydration"),
		})
	}))
	var tokens []store.SearchToken
	for _, tok := range blindex.TokenizeText(oldSearch, "the rye loaf needs more hydration", types.TokenBody) {
		tokens = append(tokens, store.SearchToken{MemoryID: "m1", Type: types.TokenBody, Token: tok})
	}
	require.NoError(t, st.ReplaceTokens(ctx, "m1", tokens))
	require.NoError(t, sh.vs.Upsert(ctx, vector.Point{
		MemoryID: "m1", ChunkIndex: 0, Model: "test-model",
		Vector: []float32{1, 0, 0}, PayloadEnv: seal(oldKEK, "the rye loaf"),
	}))

	// One source whose data key wraps a detached ciphertext; the blob bytes
	// must survive the rotation untouched.
	blob := []byte("file bytes in the vault")
	ct, keyEnv, err := envelope.SealDetached(oldFile, blob)
	require.NoError(t, err)
	dekEnv, err := keyEnv.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return store.InsertSourceTx(tx, &store.Source{
			ID: "s1", MemoryID: "m1", VaultPath: "2026/01/s1.enc",
			OriginalSize: int64(len(blob)), EncryptedSize: int64(len(ct)),
			MIME: "application/octet-stream", PreservationFormat: "original",
			Digest: "d1", CipherDigest: "cd1",
			FilenameEnv: seal(oldKEK, "secret.bin"), DekEnv: dekEnv, CreatedAt: now,
		})
	}))

	// One model connection with an encrypted explanation.
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return store.InsertMemoryTx(tx, &store.Memory{
			ID: "m2", Digest: "d2", CapturedAt: now, CreatedAt: now, UpdatedAt: now,
			ContentType: types.ContentText, SourceClass: types.SourceManual,
			Visibility: types.VisibilityPrivate,
		})
	}))
	require.NoError(t, st.UpsertConnection(ctx, &store.Connection{
		SourceID: "m1", TargetID: "m2", Kind: types.RelRelated,
		ExplanationEnv: seal(oldKEK, "both about rye"), Strength: 0.9, Provenance: "model:x",
	}))

	require.NoError(t, sh.Rekey(ctx, "first pass", "second pass"))

	// The old passphrase is dead, the new one lives.
	sh.Lock()
	err = sh.Login(ctx, "first pass")
	require.Equal(t, types.KindBadPassphrase, types.KindOf(err))
	require.NoError(t, sh.Login(ctx, "second pass"))
	newKEK, newSearch, newFile := sessionKeys(t, sess)

	open := func(key, raw []byte) string {
		env, err := envelope.Unmarshal(raw)
		require.NoError(t, err)
		pt, err := envelope.Open(key, env)
		require.NoError(t, err)
		return string(pt)
	}

	mem, err := st.GetMemory(ctx, "m1", false)
	require.NoError(t, err)
	require.Equal(t, "rye notes", open(newKEK, mem.TitleEnv))
	env, err := envelope.Unmarshal(mem.TitleEnv)
	require.NoError(t, err)
	_, err = envelope.Open(oldKEK, env)
	require.Equal(t, types.KindTamperDetected, types.KindOf(err))

	// Blind index answers under the new search key only.
	hits, err := st.MatchTokens(ctx, blindex.QueryTokens(newSearch, "rye loaf", types.TokenBody), false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	hits, err = st.MatchTokens(ctx, blindex.QueryTokens(oldSearch, "rye loaf", types.TokenBody), false)
	require.NoError(t, err)
	require.Empty(t, hits)

	// The detached ciphertext never moved; only its key envelope did.
	src, err := st.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "secret.bin", open(newKEK, src.FilenameEnv))
	newKeyEnv, err := envelope.Unmarshal(src.DekEnv)
	require.NoError(t, err)
	got, err := envelope.OpenDetached(newFile, newKeyEnv, ct)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	// Chunk payloads and connection explanations followed the KEK.
	chunks, err := sh.vs.Chunks(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "the rye loaf", open(newKEK, chunks[0].PayloadEnv))
	conns, err := st.ListConnections(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "both about rye", open(newKEK, conns[0].ExplanationEnv))

	// Progress marks are spent; a fresh rotation starts clean.
	done, err := st.IsRekeyed(ctx, "memory", "m1")
	require.NoError(t, err)
	require.False(t, done)
}

func TestRekeyResumesInterruptedRun(t *testing.T) {
	sh, st, sess, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "first pass"))
	oldKEK, oldSearch, oldFile := sessionKeys(t, sess)

	now := time.Now().UTC()
	seal := func(key []byte, plain string) []byte {
		env, err := envelope.Seal(key, []byte(plain))
		require.NoError(t, err)
		raw, err := env.Marshal()
		require.NoError(t, err)
		return raw
	}
	for _, m := range []struct{ id, title string }{
		{"m1", "sourdough starter"},
		{"m2", "garden layout"},
	} {
		id, title := types.MemoryID(m.id), m.title
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return store.InsertMemoryTx(tx, &store.Memory{
				ID: id, Digest: "d-" + string(id), CapturedAt: now, CreatedAt: now, UpdatedAt: now,
				ContentType: types.ContentText, SourceClass: types.SourceManual,
				Visibility: types.VisibilityPrivate,
				TitleEnv:   seal(oldKEK, title),
			})
		}))
	}

	// Replay a first run that died after finishing m1: the pending target is
	// on disk, m1 is resealed under its keys and marked done, m2 is not.
	salt, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	params := crypto.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: crypto.KeySize}
	interruptedMaster := crypto.DeriveMaster("second pass", salt, params)
	require.NoError(t, st.PutRekeyPending(ctx, &store.RekeyPending{
		Salt: salt, KDF: params, Verifier: crypto.Verifier(interruptedMaster),
	}))
	interruptedKeys, err := deriveSet(interruptedMaster)
	require.NoError(t, err)
	oldKeys := &keySet{kek: oldKEK, search: oldSearch, file: oldFile}
	require.NoError(t, sh.rekeyMemory(ctx, "m1", oldKeys, interruptedKeys))
	require.NoError(t, st.MarkRekeyed(ctx, "memory", "m1"))

	// The second run must pick up the recorded salt, not mint a new one:
	// otherwise m1, already sealed under the interrupted run's keys, is lost.
	require.NoError(t, sh.Rekey(ctx, "first pass", "second pass"))

	sh.Lock()
	require.NoError(t, sh.Login(ctx, "second pass"))
	newKEK, _, _ := sessionKeys(t, sess)
	open := func(raw []byte) string {
		env, err := envelope.Unmarshal(raw)
		require.NoError(t, err)
		pt, err := envelope.Open(newKEK, env)
		require.NoError(t, err)
		return string(pt)
	}
	m1, err := st.GetMemory(ctx, "m1", false)
	require.NoError(t, err)
	require.Equal(t, "sourdough starter", open(m1.TitleEnv))
	m2, err := st.GetMemory(ctx, "m2", false)
	require.NoError(t, err)
	require.Equal(t, "garden layout", open(m2.TitleEnv))

	// Target consumed along with the progress marks.
	_, err = st.GetRekeyPending(ctx)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestRekeyResumeRejectsDifferentNewPassphrase(t *testing.T) {
	sh, st, _, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "first pass"))

	salt, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	params := crypto.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: crypto.KeySize}
	master := crypto.DeriveMaster("second pass", salt, params)
	require.NoError(t, st.PutRekeyPending(ctx, &store.RekeyPending{
		Salt: salt, KDF: params, Verifier: crypto.Verifier(master),
	}))

	err = sh.Rekey(ctx, "first pass", "third pass")
	require.Equal(t, types.KindBadPassphrase, types.KindOf(err))

	// The stalled target stays; finishing with the right passphrase works.
	require.NoError(t, sh.Rekey(ctx, "first pass", "second pass"))
	sh.Lock()
	require.NoError(t, sh.Login(ctx, "second pass"))
}

func TestRekeyWrongOldPassphrase(t *testing.T) {
	sh, st, _, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "right"))
	before, err := st.GetAuthState(ctx)
	require.NoError(t, err)

	err = sh.Rekey(ctx, "wrong", "newpass")
	require.Equal(t, types.KindBadPassphrase, types.KindOf(err))

	// Auth state is untouched; the old passphrase still logs in.
	after, err := st.GetAuthState(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Verifier, after.Verifier)
	sh.Lock()
	require.NoError(t, sh.Login(ctx, "right"))
}

func TestRekeyRejectsEmptyNewPassphrase(t *testing.T) {
	sh, _, _, _ := newShield(t)
	ctx := context.Background()
	require.NoError(t, sh.Setup(ctx, "pass"))
	err := sh.Rekey(ctx, "pass", "")
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))
}
