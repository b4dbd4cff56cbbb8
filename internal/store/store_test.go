package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func insertMemory(t *testing.T, st *LocalStore, m *Memory) {
	t.Helper()
	now := time.Now().UTC()
	if m.CapturedAt.IsZero() {
		m.CapturedAt = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	if m.Visibility == "" {
		m.Visibility = types.VisibilityPrivate
	}
	if m.ContentType == "" {
		m.ContentType = types.ContentText
	}
	if m.SourceClass == "" {
		m.SourceClass = types.SourceManual
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return InsertMemoryTx(tx, m)
	}))
}

func TestMemoryLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := &Memory{ID: "m1", TitleEnv: []byte("t"), ContentEnv: []byte("c"), Digest: "d1"}
	insertMemory(t, st, m)

	got, err := st.GetMemory(ctx, "m1", false)
	require.NoError(t, err)
	require.Equal(t, types.MemoryID("m1"), got.ID)
	require.Equal(t, "d1", got.Digest)

	// Soft delete hides the row unless asked for.
	require.NoError(t, st.SoftDelete(ctx, "m1"))
	_, err = st.GetMemory(ctx, "m1", false)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
	got, err = st.GetMemory(ctx, "m1", true)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	require.NoError(t, st.Purge(ctx, "m1"))
	_, err = st.GetMemory(ctx, "m1", true)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestFindByDigest(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "abc"})

	got, err := st.FindByDigest(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, types.MemoryID("m1"), got.ID)

	_, err = st.FindByDigest(ctx, "nope")
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestListMemoriesFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	jan := time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1", CapturedAt: jan,
		Visibility: types.VisibilityPublic})
	insertMemory(t, st, &Memory{ID: "m2", Digest: "2", CapturedAt: jun,
		ContentType: types.ContentPhoto})
	insertMemory(t, st, &Memory{ID: "m3", Digest: "3", CapturedAt: jun,
		HasLocation: true})

	all, err := st.ListMemories(ctx, MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byYear, err := st.ListMemories(ctx, MemoryFilter{Year: 2023})
	require.NoError(t, err)
	require.Len(t, byYear, 1)
	require.Equal(t, types.MemoryID("m1"), byYear[0].ID)

	byType, err := st.ListMemories(ctx, MemoryFilter{ContentType: types.ContentPhoto})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	public, err := st.ListMemories(ctx, MemoryFilter{PublicOnly: true})
	require.NoError(t, err)
	require.Len(t, public, 1)
	require.Equal(t, types.MemoryID("m1"), public[0].ID)

	loc := true
	withLoc, err := st.ListMemories(ctx, MemoryFilter{HasLocation: &loc})
	require.NoError(t, err)
	require.Len(t, withLoc, 1)
	require.Equal(t, types.MemoryID("m3"), withLoc[0].ID)

	paged, err := st.ListMemories(ctx, MemoryFilter{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
}

func TestInsertDuplicateDigestConflicts(t *testing.T) {
	st := openTestStore(t)
	insertMemory(t, st, &Memory{ID: "m1", Digest: "same"})

	m := &Memory{ID: "m2", Digest: "same", Visibility: types.VisibilityPrivate,
		ContentType: types.ContentText, SourceClass: types.SourceManual,
		CapturedAt: time.Now().UTC(), CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return InsertMemoryTx(tx, m)
	})
	require.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestSetVisibility(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})

	require.NoError(t, st.SetVisibility(ctx, "m1", types.VisibilityPublic))
	got, err := st.GetMemory(ctx, "m1", false)
	require.NoError(t, err)
	require.Equal(t, types.VisibilityPublic, got.Visibility)

	err = st.SetVisibility(ctx, "m1", "secret")
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))
	err = st.SetVisibility(ctx, "missing", types.VisibilityPublic)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestTokenMatching(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1", Visibility: types.VisibilityPublic})
	insertMemory(t, st, &Memory{ID: "m2", Digest: "2"})

	require.NoError(t, st.ReplaceTokens(ctx, "m1", []SearchToken{
		{MemoryID: "m1", Type: types.TokenBody, Token: "aaa"},
		{MemoryID: "m1", Type: types.TokenBody, Token: "bbb"},
	}))
	require.NoError(t, st.ReplaceTokens(ctx, "m2", []SearchToken{
		{MemoryID: "m2", Type: types.TokenBody, Token: "aaa"},
	}))

	hits, err := st.MatchTokens(ctx, []string{"aaa", "bbb"}, false)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, types.MemoryID("m1"), hits[0].MemoryID)
	require.Equal(t, 2, hits[0].Matched)

	// Heir-mode matching never sees private rows.
	hits, err = st.MatchTokens(ctx, []string{"aaa"}, true)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, types.MemoryID("m1"), hits[0].MemoryID)

	// Replacing tokens drops the old set.
	require.NoError(t, st.ReplaceTokens(ctx, "m1", []SearchToken{
		{MemoryID: "m1", Type: types.TokenBody, Token: "ccc"},
	}))
	hits, err = st.MatchTokens(ctx, []string{"aaa", "bbb"}, false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, types.MemoryID("m2"), hits[0].MemoryID)
}

func TestSuggestionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})

	sg := &Suggestion{MemoryID: "m1", Kind: "tag", PayloadEnv: []byte("env")}
	require.NoError(t, st.CreateSuggestion(ctx, sg))
	require.NotEmpty(t, sg.ID)

	pending, err := st.ListSuggestions(ctx, types.SuggestionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.ResolveSuggestion(ctx, sg.ID, types.SuggestionAccepted))

	// Terminal states are sticky.
	err = st.ResolveSuggestion(ctx, sg.ID, types.SuggestionDismissed)
	require.Equal(t, types.KindConflict, types.KindOf(err))

	err = st.ResolveSuggestion(ctx, "missing", types.SuggestionAccepted)
	require.Equal(t, types.KindNotFound, types.KindOf(err))

	err = st.ResolveSuggestion(ctx, sg.ID, types.SuggestionPending)
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))
}

func TestAuthStateRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.GetAuthState(ctx)
	require.Equal(t, types.KindNotFound, types.KindOf(err))

	a := &AuthState{
		Salt:     []byte("0123456789abcdef"),
		KDF:      crypto.DefaultKDFParams(),
		Verifier: []byte("verifier"),
	}
	require.NoError(t, st.PutAuthState(ctx, a))

	got, err := st.GetAuthState(ctx)
	require.NoError(t, err)
	require.Equal(t, a.Salt, got.Salt)
	require.Equal(t, a.Verifier, got.Verifier)
	require.Equal(t, a.KDF.MemoryKiB, got.KDF.MemoryKiB)

	// Re-key overwrites in place.
	a.Verifier = []byte("rotated")
	require.NoError(t, st.PutAuthState(ctx, a))
	got, err = st.GetAuthState(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("rotated"), got.Verifier)
}

func TestChallengeConsumeOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveChallenge(ctx, "ch1", now.Add(time.Minute)))
	require.NoError(t, st.ConsumeChallenge(ctx, "ch1", now))

	// Replay is rejected.
	err := st.ConsumeChallenge(ctx, "ch1", now)
	require.Equal(t, types.KindNotFound, types.KindOf(err))

	// Expired challenges are rejected.
	require.NoError(t, st.SaveChallenge(ctx, "ch2", now.Add(-time.Minute)))
	err = st.ConsumeChallenge(ctx, "ch2", now)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestRecordAlertIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := st.RecordAlert(ctx, types.AlertReminded, "2026-08-24", now)
	require.NoError(t, err)
	require.True(t, created)

	created, err = st.RecordAlert(ctx, types.AlertReminded, "2026-08-24", now)
	require.NoError(t, err)
	require.False(t, created)

	created, err = st.RecordAlert(ctx, types.AlertUrgentReminder, "2026-08-24", now)
	require.NoError(t, err)
	require.True(t, created)

	alerts, err := st.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
}

func TestLoopClaimAndAutoDisable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.EnsureLoop(ctx, "sweep", now))

	ok, err := st.ClaimLoop(ctx, "sweep", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// The claim moved next_run_at forward; a second claim is refused.
	ok, err = st.ClaimLoop(ctx, "sweep", now, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	// Two failures hit the auto-disable threshold.
	require.NoError(t, st.FinishLoop(ctx, "sweep", now, false, 2))
	require.NoError(t, st.FinishLoop(ctx, "sweep", now, false, 2))

	ok, err = st.ClaimLoop(ctx, "sweep", now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "disabled loop must not be claimable")

	require.NoError(t, st.SetLoopEnabled(ctx, "sweep", true, now.Add(2*time.Hour)))
	ok, err = st.ClaimLoop(ctx, "sweep", now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	loops, err := st.GetLoops(ctx)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	require.Zero(t, loops[0].Failures)
}

func TestTagsAndLinks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})

	tag, err := st.EnsureTag(ctx, "Baking", "")
	require.NoError(t, err)
	again, err := st.EnsureTag(ctx, "baking", "")
	require.NoError(t, err)
	require.Equal(t, tag.ID, again.ID, "EnsureTag must be case-insensitive idempotent")

	require.NoError(t, st.LinkTag(ctx, "m1", tag.ID))
	// Re-linking is a no-op, not an error.
	require.NoError(t, st.LinkTag(ctx, "m1", tag.ID))

	tags, err := st.TagsForMemory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, tags, 1)

	require.NoError(t, st.UnlinkTag(ctx, "m1", tag.ID))
	tags, err = st.TagsForMemory(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestPersonLinks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})

	p := &Person{NameEnv: []byte("sealed-name"), Relation: types.RelationFriend}
	require.NoError(t, st.CreatePerson(ctx, p))
	require.NotEmpty(t, p.ID)

	conf := 0.9
	created, err := st.LinkPerson(ctx, "m1", p.ID, types.LinkInference, &conf)
	require.NoError(t, err)
	require.True(t, created)

	// Same (memory, person, source) is idempotent.
	created, err = st.LinkPerson(ctx, "m1", p.ID, types.LinkInference, &conf)
	require.NoError(t, err)
	require.False(t, created)

	// A manual link alongside the inferred one is distinct.
	created, err = st.LinkPerson(ctx, "m1", p.ID, types.LinkManual, nil)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, st.UnlinkPerson(ctx, "m1", p.ID, types.LinkInference))
}

func TestConnectionsAndPromotion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})
	insertMemory(t, st, &Memory{ID: "m2", Digest: "2"})

	c := &Connection{
		SourceID: "m1", TargetID: "m2", Kind: types.RelRelated,
		ExplanationEnv: []byte("why"), Strength: 0.8, Provenance: "model:test",
	}
	require.NoError(t, st.UpsertConnection(ctx, c))
	require.NotEmpty(t, c.ID)

	// Same (source, target, kind, provenance) is silently idempotent.
	dup := &Connection{SourceID: "m1", TargetID: "m2", Kind: types.RelRelated,
		Strength: 0.5, Provenance: "model:test"}
	require.NoError(t, st.UpsertConnection(ctx, dup))

	err := st.UpsertConnection(ctx, &Connection{SourceID: "m1", TargetID: "m1",
		Kind: types.RelRelated, Provenance: "user"})
	require.Equal(t, types.KindPreconditionFailed, types.KindOf(err))

	has, err := st.HasModelConnections(ctx, "m1", "model:test")
	require.NoError(t, err)
	require.True(t, has)

	conns, err := st.ListConnections(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.False(t, conns[0].UserPromoted)

	require.NoError(t, st.PromoteConnection(ctx, conns[0].ID))
	conns, err = st.ListConnections(ctx, "m1")
	require.NoError(t, err)
	require.True(t, conns[0].UserPromoted)

	err = st.PromoteConnection(ctx, "missing")
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestRekeyProgress(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	done, err := st.IsRekeyed(ctx, "memory", "m1")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, st.MarkRekeyed(ctx, "memory", "m1"))
	// Marking twice is fine; re-key passes resume blindly.
	require.NoError(t, st.MarkRekeyed(ctx, "memory", "m1"))

	done, err = st.IsRekeyed(ctx, "memory", "m1")
	require.NoError(t, err)
	require.True(t, done)

	// Kinds are scoped.
	done, err = st.IsRekeyed(ctx, "source", "m1")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, st.ResetRekeyProgress(ctx))
	done, err = st.IsRekeyed(ctx, "memory", "m1")
	require.NoError(t, err)
	require.False(t, done)
}

func TestParkedEmbeds(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertMemory(t, st, &Memory{ID: "m1", Digest: "1"})

	require.NoError(t, st.ParkEmbed(ctx, "m1", "model unavailable"))
	ids, err := st.ListParkedEmbeds(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []types.MemoryID{"m1"}, ids)

	require.NoError(t, st.ClearEmbed(ctx, "m1"))
	ids, err = st.ListParkedEmbeds(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTestamentConfigAndHeirs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cfg, err := st.GetTestamentConfig(ctx)
	require.NoError(t, err)
	require.False(t, cfg.HeirModeActive)

	cfg.Threshold = 3
	cfg.TotalShares = 5
	require.NoError(t, st.PutTestamentConfig(ctx, cfg))
	cfg, err = st.GetTestamentConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Threshold)
	require.Equal(t, 5, cfg.TotalShares)

	h := &Heir{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, st.CreateHeir(ctx, h))
	heirs, err := st.ListHeirs(ctx)
	require.NoError(t, err)
	require.Len(t, heirs, 1)

	require.NoError(t, st.SetHeirMode(ctx, true))
	cfg, err = st.GetTestamentConfig(ctx)
	require.NoError(t, err)
	require.True(t, cfg.HeirModeActive)

	require.NoError(t, st.AppendAudit(ctx, "heir_mode_activated", "3 shares"))
	audit, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)

	require.NoError(t, st.DeleteHeir(ctx, h.ID))
	heirs, err = st.ListHeirs(ctx)
	require.NoError(t, err)
	require.Empty(t, heirs)
}

func TestConversations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	convo, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, st.AppendMessage(ctx, &ConversationMessage{
		ConversationID: convo.ID, Role: types.RoleUser, ContentEnv: []byte("q"),
	}))
	require.NoError(t, st.AppendMessage(ctx, &ConversationMessage{
		ConversationID: convo.ID, Role: types.RoleAssistant, ContentEnv: []byte("a"),
		CitedIDs: []types.MemoryID{"m1", "m2"},
	}))

	msgs, err := st.ListMessages(ctx, convo.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, types.RoleUser, msgs[0].Role)
	require.Less(t, msgs[0].Seq, msgs[1].Seq)
	require.Equal(t, []types.MemoryID{"m1", "m2"}, msgs[1].CitedIDs)

	require.NoError(t, st.UpdateConversationTitle(ctx, convo.ID, "bread talk"))
	convos, err := st.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convos, 1)
	require.Equal(t, "bread talk", convos[0].Title)
}
