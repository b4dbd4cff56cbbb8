package vault

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mnemos/internal/config"
	"mnemos/internal/crypto"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

func testConvertConfig() config.ConvertConfig {
	return config.ConvertConfig{
		Timeout:     "5s",
		ImageMagick: "magick",
		FFmpeg:      "ffmpeg",
		LibreOffice: "soffice",
	}
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := newTestVault(t)
	fileKey, _ := crypto.NewKey()
	data := []byte("original file bytes")

	res, err := v.Write(fileKey, data)
	require.NoError(t, err)
	require.NotEmpty(t, res.RelPath)
	require.NotEmpty(t, res.CipherDigest)
	require.Greater(t, res.EncryptedSize, int64(len(data)), "AEAD overhead expected")

	// The blob on disk is ciphertext.
	raw, err := os.ReadFile(filepath.Join(v.Root(), res.RelPath))
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, data))

	got, err := v.Read(fileKey, res.RelPath, res.KeyEnv)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Wrong file key cannot unwrap the DEK.
	other, _ := crypto.NewKey()
	_, err = v.Read(other, res.RelPath, res.KeyEnv)
	require.Equal(t, types.KindTamperDetected, types.KindOf(err))
}

func TestReadMissingBlob(t *testing.T) {
	v := newTestVault(t)
	fileKey, _ := crypto.NewKey()
	res, err := v.Write(fileKey, []byte("x"))
	require.NoError(t, err)

	_, err = v.Read(fileKey, "2020/01/nope.enc", res.KeyEnv)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestResolveRejectsEscape(t *testing.T) {
	v := newTestVault(t)
	fileKey, _ := crypto.NewKey()

	_, err := v.Read(fileKey, "../outside.enc", []byte("{}"))
	require.Error(t, err)
	_, err = v.Read(fileKey, "/etc/passwd", []byte("{}"))
	require.Error(t, err)
}

func TestRemoveIsIdempotent(t *testing.T) {
	v := newTestVault(t)
	fileKey, _ := crypto.NewKey()
	res, err := v.Write(fileKey, []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, v.Remove(res.RelPath))
	require.NoError(t, v.Remove(res.RelPath))
}

func TestAuditClassifications(t *testing.T) {
	v := newTestVault(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	fileKey, _ := crypto.NewKey()

	aud := NewAuditor(v, st)
	aud.missingGrace = time.Millisecond

	write := func(memID string, data []byte) *WriteResult {
		res, err := v.Write(fileKey, data)
		require.NoError(t, err)
		now := time.Now().UTC()
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			if err := store.InsertMemoryTx(tx, &store.Memory{
				ID: types.MemoryID(memID), Digest: memID,
				CapturedAt: now, CreatedAt: now, UpdatedAt: now,
				ContentType: types.ContentDocument, SourceClass: types.SourceImport,
				Visibility: types.VisibilityPrivate,
			}); err != nil {
				return err
			}
			return store.InsertSourceTx(tx, &store.Source{
				ID: types.SourceID("s-" + memID), MemoryID: types.MemoryID(memID),
				VaultPath: res.RelPath, OriginalSize: int64(len(data)),
				EncryptedSize: res.EncryptedSize, MIME: "application/octet-stream",
				PreservationFormat: "original", Digest: crypto.DigestHex(data),
				CipherDigest: res.CipherDigest, FilenameEnv: []byte("f"),
				DekEnv: res.KeyEnv, CreatedAt: now,
			})
		}))
		return res
	}

	write("ok", []byte("healthy"))
	missingRes := write("missing", []byte("will vanish"))
	corruptRes := write("corrupt", []byte("will rot"))

	// A clean vault audits clean.
	findings, err := aud.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, findings)

	// Delete one blob, flip a byte in another, drop in an orphan.
	require.NoError(t, os.Remove(filepath.Join(v.Root(), missingRes.RelPath)))
	corruptAbs := filepath.Join(v.Root(), corruptRes.RelPath)
	raw, err := os.ReadFile(corruptAbs)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(corruptAbs, raw, 0o600))
	orphan := filepath.Join(v.Root(), "2020", "01", "orphan.enc")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o700))
	require.NoError(t, os.WriteFile(orphan, []byte("who am i"), 0o600))

	findings, err = aud.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 3)

	byKind := map[types.AuditFinding]Finding{}
	for _, f := range findings {
		byKind[f.Kind] = f
	}
	require.Equal(t, missingRes.RelPath, byKind[types.FindingMissing].Path)
	require.Equal(t, corruptRes.RelPath, byKind[types.FindingCorrupt].Path)
	require.Equal(t, filepath.Join("2020", "01", "orphan.enc"), byKind[types.FindingOrphan].Path)
}

func TestStripHTML(t *testing.T) {
	doc := `<html><head><style>body{color:red}</style>
	<script>alert("no")</script></head>
	<body><h1>Title</h1><p>First <b>bold</b> paragraph.</p></body></html>`

	got := StripHTML(doc)
	require.Contains(t, got, "Title")
	require.Contains(t, got, "bold")
	require.NotContains(t, got, "alert")
	require.NotContains(t, got, "color:red")
}

func TestToArchivalPassthrough(t *testing.T) {
	c := NewConverter(testConvertConfig())
	ctx := context.Background()

	data := []byte("%PDF-1.7 pretend")
	r, err := c.ToArchival(ctx, data, "application/pdf")
	require.NoError(t, err)
	require.False(t, r.Converted)
	require.Equal(t, data, r.Data)
	require.Equal(t, "pdf", r.Format)

	r, err = c.ToArchival(ctx, []byte("plain notes"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	require.False(t, r.Converted)
	require.Equal(t, "text", r.Format)
}

func TestToArchivalHTML(t *testing.T) {
	c := NewConverter(testConvertConfig())
	r, err := c.ToArchival(context.Background(), []byte("<p>hello <i>there</i></p>"), "text/html")
	require.NoError(t, err)
	require.True(t, r.Converted)
	require.Equal(t, "text/plain", r.MIME)
	require.Contains(t, string(r.Data), "hello")
	require.NotContains(t, string(r.Data), "<p>")
}

func TestToArchivalToolFailure(t *testing.T) {
	cfg := testConvertConfig()
	cfg.ImageMagick = "/nonexistent/magick"
	c := NewConverter(cfg)

	_, err := c.ToArchival(context.Background(), []byte("not a jpeg"), "image/jpeg")
	require.Equal(t, types.KindConversionFailed, types.KindOf(err))
}
