package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mnemos/internal/config"
	"mnemos/internal/crypto"
	"mnemos/internal/heartbeat"
	"mnemos/internal/ingest"
	"mnemos/internal/jobs"
	"mnemos/internal/search"
	"mnemos/internal/session"
	"mnemos/internal/shield"
	"mnemos/internal/store"
	"mnemos/internal/synthesis"
	"mnemos/internal/testament"
	"mnemos/internal/vault"
	"mnemos/internal/vector"
)

type fakeEngine struct{}

func (fakeEngine) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (fakeEngine) Dimensions() int { return 3 }
func (fakeEngine) Name() string    { return "fake-embed" }

type mockLLMClient struct{}

func (mockLLMClient) Complete(context.Context, string, string) (string, error) {
	return "related", nil
}

func (mockLLMClient) Stream(context.Context, string, string) (<-chan string, <-chan error) {
	text := make(chan string, 2)
	errs := make(chan error)
	text <- "The tomatoes "
	text <- "ripened."
	close(text)
	close(errs)
	return text, errs
}

func (mockLLMClient) Name() string { return "mock-model" }

type testServer struct {
	srv *Server
	st  *store.LocalStore
	tst *testament.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.RequestBudget = "10s"

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := fakeEngine{}
	vs, err := vector.New(st.DB(), eng.Name(), eng.Dimensions())
	require.NoError(t, err)

	vlt, err := vault.New(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	conv := vault.NewConverter(cfg.Convert)
	aud := vault.NewAuditor(vlt, st)

	sess := session.New(0, nil)
	client := mockLLMClient{}
	synth := synthesis.New(st, vs, client, sess)
	pipe := ingest.NewPipeline(st, vs, eng, client, synth, sess)
	pool := jobs.NewPool(1, 16)
	orch := ingest.NewOrchestrator(st, vlt, conv, sess, pool, pipe, cfg.MaxUploadBytes, false)

	hb := heartbeat.New(st, cfg.Heartbeat, nil, nil)
	tst := testament.New(st, sess)
	sh := shield.New(st, vs, sess, nil)

	srv := New(Deps{
		Config:       cfg,
		Store:        st,
		Vault:        vlt,
		Auditor:      aud,
		Session:      sess,
		Shield:       sh,
		Orchestrator: orch,
		Pipeline:     pipe,
		Searcher:     search.New(st, vs, eng, sess),
		Heartbeat:    hb,
		Testament:    tst,
		Pool:         pool,
		LLM:          client,
	})
	return &testServer{srv: srv, st: st, tst: tst}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.http.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// keyMaterial is what a client derives locally before talking to the server.
type keyMaterial struct {
	salt, verifier, master []byte
	params                 crypto.KDFParams
	passphrase             string
}

func deriveClientKeys(t *testing.T, passphrase string) *keyMaterial {
	t.Helper()
	salt, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	params := crypto.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: crypto.KeySize}
	master := crypto.DeriveMaster(passphrase, salt, params)
	return &keyMaterial{
		salt: salt, verifier: crypto.Verifier(master), master: master,
		params: params, passphrase: passphrase,
	}
}

// setup runs first-boot setup and returns the key material and access token.
func (ts *testServer) setup(t *testing.T) (*keyMaterial, string) {
	t.Helper()
	km := deriveClientKeys(t, "owner passphrase")
	w := ts.do(t, http.MethodPost, "/api/auth/setup", "", map[string]interface{}{
		"salt":       base64.StdEncoding.EncodeToString(km.salt),
		"kdf_params": km.params,
		"verifier":   base64.StdEncoding.EncodeToString(km.verifier),
		"master_key": base64.StdEncoding.EncodeToString(km.master),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return km, decode(t, w)["access"].(string)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSetupAndLoginFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/auth/salt-and-params", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["setup_required"])

	km, token := ts.setup(t)

	// Bootstrap data now includes the salt but never the verifier.
	w = ts.do(t, http.MethodGet, "/api/auth/salt-and-params", "", nil)
	body := decode(t, w)
	require.Equal(t, false, body["setup_required"])
	require.Equal(t, base64.StdEncoding.EncodeToString(km.salt), body["salt"])
	require.NotContains(t, body, "verifier")

	// A second setup is refused.
	w = ts.do(t, http.MethodPost, "/api/auth/setup", "", map[string]interface{}{
		"salt":       base64.StdEncoding.EncodeToString(km.salt),
		"kdf_params": km.params,
		"verifier":   base64.StdEncoding.EncodeToString(km.verifier),
		"master_key": base64.StdEncoding.EncodeToString(km.master),
	})
	require.Equal(t, http.StatusConflict, w.Code)

	// Protected routes demand the bearer token.
	w = ts.do(t, http.MethodGet, "/api/memories", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(t, http.MethodGet, "/api/memories", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Locking keeps the token valid but the keys gone: 423, not 401.
	w = ts.do(t, http.MethodPost, "/api/auth/lock", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/search?q=anything", token, nil)
	require.Equal(t, http.StatusLocked, w.Code)

	// Login with the client-held master key restores service.
	w = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]interface{}{
		"master_key": base64.StdEncoding.EncodeToString(km.master),
	})
	require.Equal(t, http.StatusOK, w.Code)
	token = decode(t, w)["access"].(string)
	w = ts.do(t, http.MethodGet, "/api/search?q=anything&mode=keyword", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Logout revokes every outstanding token.
	w = ts.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/memories", token, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRotatesPair(t *testing.T) {
	ts := newTestServer(t)
	km := deriveClientKeys(t, "pass")
	w := ts.do(t, http.MethodPost, "/api/auth/setup", "", map[string]interface{}{
		"salt":       base64.StdEncoding.EncodeToString(km.salt),
		"kdf_params": km.params,
		"verifier":   base64.StdEncoding.EncodeToString(km.verifier),
		"master_key": base64.StdEncoding.EncodeToString(km.master),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	refresh := decode(t, w)["refresh"].(string)

	// An access token is not accepted on the refresh endpoint and vice versa.
	w = ts.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]interface{}{"refresh": refresh})
	require.Equal(t, http.StatusOK, w.Code)
	access := decode(t, w)["access"].(string)
	w = ts.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]interface{}{"refresh": access})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMemoryLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.setup(t)

	w := ts.do(t, http.MethodPost, "/api/ingest/text", token, map[string]interface{}{
		"title":   "garden notes",
		"content": "the tomatoes finally ripened this week",
		"tags":    []string{"garden"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["memory_id"].(string)

	// Same content dedupes with a 200.
	w = ts.do(t, http.MethodPost, "/api/ingest/text", token, map[string]interface{}{
		"content": "the tomatoes finally ripened this week",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["duplicate"])

	// Keyword search finds it through the blind index.
	w = ts.do(t, http.MethodGet, "/api/search?q=tomatoes+ripened&mode=keyword", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decode(t, w)["total"])

	// The detail view decrypts title, content, and tags.
	w = ts.do(t, http.MethodGet, "/api/memories/"+id, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "garden notes", body["title"])
	require.Equal(t, "the tomatoes finally ripened this week", body["content"])

	newTitle := "harvest notes"
	w = ts.do(t, http.MethodPatch, "/api/memories/"+id, token, map[string]interface{}{
		"title": newTitle, "visibility": "public",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	require.Equal(t, newTitle, body["title"])
	require.Equal(t, "public", body["visibility"])

	w = ts.do(t, http.MethodDelete, "/api/memories/"+id, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/api/memories/"+id, token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchUnknownModeIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.setup(t)
	w := ts.do(t, http.MethodGet, "/api/search?q=x&mode=psychic", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatCheckinOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	km, token := ts.setup(t)

	// Challenge and check-in work without a bearer token.
	w := ts.do(t, http.MethodPost, "/api/heartbeat/challenge", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	challenge := body["challenge"].(string)
	require.NotEmpty(t, body["expires_at"])

	verifier := crypto.Verifier(crypto.DeriveMaster(km.passphrase, km.salt, km.params))
	w = ts.do(t, http.MethodPost, "/api/heartbeat/checkin", "", map[string]interface{}{
		"challenge": challenge,
		"response":  heartbeat.Sign(verifier, challenge),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	require.Equal(t, true, body["ok"])
	require.NotEmpty(t, body["next_due"])

	w = ts.do(t, http.MethodGet, "/api/heartbeat/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	require.Equal(t, "fresh", status["current_alert_level"])
	require.Equal(t, false, status["is_overdue"])
	require.NotEmpty(t, status["next_due"])
	require.NotNil(t, status["alerts"])

	// A wrong response is a 401.
	w = ts.do(t, http.MethodPost, "/api/heartbeat/challenge", "", nil)
	challenge = decode(t, w)["challenge"].(string)
	w = ts.do(t, http.MethodPost, "/api/heartbeat/checkin", "", map[string]interface{}{
		"challenge": challenge, "response": "00ff",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHeirSessionIsReadOnly(t *testing.T) {
	ts := newTestServer(t)
	km, ownerToken := ts.setup(t)
	ctx := context.Background()

	shares, err := ts.tst.GenerateShares(ctx, km.passphrase, "")
	require.NoError(t, err)

	// Activation needs no prior token and issues heir credentials.
	w := ts.do(t, http.MethodPost, "/api/testament/activate", "", map[string]interface{}{
		"shares": shares[:3],
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	heirToken := decode(t, w)["access"].(string)

	w = ts.do(t, http.MethodGet, "/api/memories", heirToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/ingest/text", heirToken, map[string]interface{}{
		"content": "heirs cannot write",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	w = ts.do(t, http.MethodPost, "/api/testament/shares", heirToken, map[string]interface{}{
		"owner_passphrase": "whatever",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	// The owner passphrase hands the archive back.
	w = ts.do(t, http.MethodPost, "/api/testament/deactivate", heirToken, map[string]interface{}{
		"passphrase": km.passphrase,
	})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/ingest/text", ownerToken, map[string]interface{}{
		"content": "the owner is back",
	})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestInsufficientSharesIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	km, _ := ts.setup(t)
	shares, err := ts.tst.GenerateShares(context.Background(), km.passphrase, "")
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/testament/activate", "", map[string]interface{}{
		"shares": shares[:2],
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestTestamentConfigLockedAfterGeneration(t *testing.T) {
	ts := newTestServer(t)
	km, token := ts.setup(t)

	w := ts.do(t, http.MethodPut, "/api/testament/config", token, map[string]interface{}{
		"threshold": 2, "total_shares": 4,
	})
	require.Equal(t, http.StatusOK, w.Code)

	shares, err := ts.tst.GenerateShares(context.Background(), km.passphrase, "")
	require.NoError(t, err)
	require.Len(t, shares, 4)

	w = ts.do(t, http.MethodPut, "/api/testament/config", token, map[string]interface{}{
		"threshold": 3, "total_shares": 5,
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestVaultAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.setup(t)
	w := ts.do(t, http.MethodPost, "/api/vault/audit", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Contains(t, body, "checked_at")
	require.Empty(t, body["findings"])
}

func TestListMemoriesNearFilter(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.setup(t)

	located := func(content string, lat, lng float64) {
		w := ts.do(t, http.MethodPost, "/api/ingest/text", token, map[string]interface{}{
			"content": content,
			"meta":    map[string]interface{}{"location": map[string]interface{}{"lat": lat, "lng": lng}},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	located("coffee by the river", 48.8600, 2.3500)
	located("hike above the fjord", 60.3913, 5.3221)
	w := ts.do(t, http.MethodPost, "/api/ingest/text", token, map[string]interface{}{
		"content": "desk note without a place",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodGet, "/api/memories?near=48.8566,2.3522,5", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	mems := decode(t, w)["memories"].([]interface{})
	require.Len(t, mems, 1)

	// A wide radius picks up both located memories, never the placeless one.
	w = ts.do(t, http.MethodGet, "/api/memories?near=48.8566,2.3522,2000", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mems = decode(t, w)["memories"].([]interface{})
	require.Len(t, mems, 2)

	w = ts.do(t, http.MethodGet, "/api/memories?near=48.85,2.35", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestFileResponseDescribesSource(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.setup(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("ship the vault audit next week"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("mime", "text/plain"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	ts.srv.http.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	require.Equal(t, "text/plain", body["mime"])
	require.Equal(t, "text", body["preservation_format"])
	require.NotEmpty(t, body["source_id"])
}
