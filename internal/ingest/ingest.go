// Package ingest turns raw captures into fully indexed memories. The write
// path is: digest and dedupe, convert to archival form, store ciphertext in
// the vault, then one transaction for the memory row, the source row, and
// the blind-index tokens. Embedding, synthesis, and tag suggestion run
// post-commit on the job pool; their failure never unwinds the commit.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/blindex"
	"mnemos/internal/crypto"
	"mnemos/internal/envelope"
	"mnemos/internal/jobs"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
	"mnemos/internal/vault"
)

// Location is a capture coordinate. It lives only inside the encrypted
// metadata envelope; the row carries a has_location boolean and nothing
// else.
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

// Meta is the encrypted metadata payload of a memory.
type Meta struct {
	Location *Location         `json:"location,omitempty"`
	Persons  []string          `json:"persons,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// TextInput captures a typed or pasted memory.
type TextInput struct {
	Title       string
	Content     string
	CapturedAt  time.Time
	ContentType types.ContentType
	SourceClass types.SourceClass
	Visibility  types.Visibility
	Tags        []string
	Meta        *Meta
}

// FileInput captures an uploaded file.
type FileInput struct {
	Filename    string
	MIME        string
	Data        []byte
	Title       string
	CapturedAt  time.Time
	ContentType types.ContentType
	SourceClass types.SourceClass
	Visibility  types.Visibility
	Tags        []string
	Meta        *Meta
}

// Result reports what ingestion did. Source is set for file captures,
// including dedupe hits on an earlier file.
type Result struct {
	Memory    *store.Memory
	Source    *store.Source
	Duplicate bool
}

// Orchestrator drives the ingestion write path.
type Orchestrator struct {
	st       *store.LocalStore
	vlt      *vault.Vault
	conv     *vault.Converter
	sess     *session.Session
	pool     *jobs.Pool
	pipeline *Pipeline

	maxUploadBytes int64
	keepOriginals  bool
}

// NewOrchestrator wires the write path together.
func NewOrchestrator(st *store.LocalStore, vlt *vault.Vault, conv *vault.Converter,
	sess *session.Session, pool *jobs.Pool, pipeline *Pipeline,
	maxUploadBytes int64, keepOriginals bool) *Orchestrator {
	return &Orchestrator{
		st: st, vlt: vlt, conv: conv, sess: sess, pool: pool, pipeline: pipeline,
		maxUploadBytes: maxUploadBytes, keepOriginals: keepOriginals,
	}
}

// IngestText stores a text memory.
func (o *Orchestrator) IngestText(ctx context.Context, in TextInput) (*Result, error) {
	if err := o.writable(); err != nil {
		return nil, err
	}
	if in.Content == "" {
		return nil, types.E(types.ErrPreconditionFailed, "empty content")
	}

	digest := crypto.DigestHex([]byte(in.Content))
	if existing, err := o.st.FindByDigest(ctx, digest); err == nil {
		return &Result{Memory: existing, Duplicate: true}, nil
	} else if types.KindOf(err) != types.KindNotFound {
		return nil, err
	}

	mem, tokens, err := o.buildMemory(in.Title, in.Content, digest, in.CapturedAt,
		defaultType(in.ContentType, types.ContentText),
		defaultClass(in.SourceClass, types.SourceManual),
		defaultVisibility(in.Visibility), in.Tags, in.Meta)
	if err != nil {
		return nil, err
	}

	err = o.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.InsertMemoryTx(tx, mem); err != nil {
			return err
		}
		return store.InsertTokensTx(tx, tokens)
	})
	if err != nil {
		return nil, err
	}

	o.linkTags(ctx, mem.ID, in.Tags)
	o.afterCommit(mem.ID)
	logging.Get(logging.CategoryIngest).Infow("text memory ingested", "memory", mem.ID)
	return &Result{Memory: mem}, nil
}

// IngestFile stores a file memory: the original in the vault, an archival
// rendition alongside it when conversion applies, and an indexable text
// body when the rendition is textual.
func (o *Orchestrator) IngestFile(ctx context.Context, in FileInput) (*Result, error) {
	if err := o.writable(); err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, types.E(types.ErrPreconditionFailed, "empty file")
	}
	if o.maxUploadBytes > 0 && int64(len(in.Data)) > o.maxUploadBytes {
		return nil, types.E(types.ErrQuotaExceeded, "file exceeds %d bytes", o.maxUploadBytes)
	}

	digest := crypto.DigestHex(in.Data)
	if existing, err := o.st.FindByDigest(ctx, digest); err == nil {
		res := &Result{Memory: existing, Duplicate: true}
		if existing.SourceID != "" {
			if src, err := o.st.GetSource(ctx, existing.SourceID); err == nil {
				res.Source = src
			}
		}
		return res, nil
	} else if types.KindOf(err) != types.KindNotFound {
		return nil, err
	}

	rendition, err := o.conv.ToArchival(ctx, in.Data, in.MIME)
	if err != nil {
		return nil, err
	}

	// Vault writes happen before the transaction; a crash between them
	// leaves orphan blobs the audit reports and nothing else.
	src := &store.Source{
		ID:                 types.SourceID(uuid.NewString()),
		OriginalSize:       int64(len(in.Data)),
		MIME:               in.MIME,
		PreservationFormat: rendition.Format,
		Digest:             digest,
		CreatedAt:          time.Now().UTC(),
	}
	err = o.sess.WithKeys(func(k *session.Keys) error {
		primary := in.Data
		if rendition.Converted && !o.keepOriginals {
			primary = rendition.Data
		}
		w, err := o.vlt.Write(k.File, primary)
		if err != nil {
			return err
		}
		src.VaultPath = w.RelPath
		src.CipherDigest = w.CipherDigest
		src.EncryptedSize = w.EncryptedSize
		src.DekEnv = w.KeyEnv

		if rendition.Converted && o.keepOriginals {
			pw, err := o.vlt.Write(k.File, rendition.Data)
			if err != nil {
				return err
			}
			src.PreservedPath = pw.RelPath
			src.PreservedCipherDigest = pw.CipherDigest
			src.PreservedDekEnv = pw.KeyEnv
		}

		if in.Filename != "" {
			env, err := envelope.Seal(k.KEK, []byte(in.Filename))
			if err != nil {
				return err
			}
			if src.FilenameEnv, err = env.Marshal(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Textual renditions become the searchable body; binary ones index on
	// title and filename alone.
	content := ""
	if isTextual(rendition.MIME) {
		content = string(rendition.Data)
	}
	title := in.Title
	if title == "" {
		title = in.Filename
	}

	mem, tokens, err := o.buildMemory(title, content, digest, in.CapturedAt,
		defaultType(in.ContentType, typeForMIME(in.MIME)),
		defaultClass(in.SourceClass, types.SourceImport),
		defaultVisibility(in.Visibility), in.Tags, in.Meta)
	if err != nil {
		return nil, err
	}
	mem.SourceID = src.ID
	src.MemoryID = mem.ID

	err = o.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.InsertMemoryTx(tx, mem); err != nil {
			return err
		}
		if err := store.InsertSourceTx(tx, src); err != nil {
			return err
		}
		return store.InsertTokensTx(tx, tokens)
	})
	if err != nil {
		// The blobs are now orphans; remove them eagerly rather than
		// waiting for the audit.
		o.vlt.Remove(src.VaultPath)
		if src.PreservedPath != "" {
			o.vlt.Remove(src.PreservedPath)
		}
		return nil, err
	}

	o.linkTags(ctx, mem.ID, in.Tags)
	if content != "" {
		o.afterCommit(mem.ID)
	}
	logging.Get(logging.CategoryIngest).Infow("file memory ingested",
		"memory", mem.ID, "mime", in.MIME, "converted", rendition.Converted)
	return &Result{Memory: mem, Source: src}, nil
}

// buildMemory seals the envelopes and derives the blind tokens. All key
// access happens inside one WithKeys window.
func (o *Orchestrator) buildMemory(title, content, digest string, capturedAt time.Time,
	ct types.ContentType, sc types.SourceClass, vis types.Visibility,
	tags []string, meta *Meta) (*store.Memory, []store.SearchToken, error) {

	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	mem := &store.Memory{
		ID:          types.MemoryID(uuid.NewString()),
		CapturedAt:  capturedAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentType: ct,
		SourceClass: sc,
		Digest:      digest,
		Visibility:  vis,
		HasLocation: meta != nil && meta.Location != nil,
	}

	var tokens []store.SearchToken
	err := o.sess.WithKeys(func(k *session.Keys) error {
		var err error
		if mem.TitleEnv, err = sealString(k.KEK, title); err != nil {
			return err
		}
		if mem.ContentEnv, err = sealString(k.KEK, content); err != nil {
			return err
		}
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

		add := func(toks []string, tt types.TokenType) {
			for _, t := range toks {
				tokens = append(tokens, store.SearchToken{MemoryID: mem.ID, Type: tt, Token: t})
			}
		}
		add(blindex.TokenizeText(k.Search, title, types.TokenTitle), types.TokenTitle)
		add(blindex.TokenizeText(k.Search, content, types.TokenBody), types.TokenBody)
		add(blindex.TokenizeDate(k.Search, capturedAt), types.TokenDate)
		for _, tag := range tags {
			if tok, ok := blindex.TokenizeWhole(k.Search, tag, types.TokenTag); ok {
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
		return nil, nil, err
	}
	return mem, tokens, nil
}

// linkTags ensures and links the explicit tags. Best effort: a tag failure
// after commit logs and moves on.
func (o *Orchestrator) linkTags(ctx context.Context, id types.MemoryID, labels []string) {
	for _, label := range labels {
		tag, err := o.st.EnsureTag(ctx, label, "")
		if err == nil {
			err = o.st.LinkTag(ctx, id, tag.ID)
		}
		if err != nil {
			logging.Get(logging.CategoryIngest).Warnw("tag link failed",
				"memory", id, "tag", label, "error", err)
		}
	}
}

// afterCommit queues the post-commit pipeline. A full queue parks the
// memory for the embed retry loop instead of blocking the request.
func (o *Orchestrator) afterCommit(id types.MemoryID) {
	err := o.pool.Enqueue(jobs.Job{
		Name: "pipeline:" + string(id),
		Run: func(ctx context.Context) error {
			return o.pipeline.Process(ctx, id)
		},
	})
	if err != nil {
		logging.Get(logging.CategoryIngest).Warnw("job queue full, parking embed", "memory", id)
		if perr := o.st.ParkEmbed(context.Background(), id, err.Error()); perr != nil {
			logging.Get(logging.CategoryIngest).Errorw("failed to park embed", "memory", id, "error", perr)
		}
	}
}

func (o *Orchestrator) writable() error {
	if !o.sess.Unlocked() {
		return types.E(types.ErrSessionLocked, "no keys in memory")
	}
	if o.sess.HeirMode() {
		return types.E(types.ErrPreconditionFailed, "heir sessions are read-only")
	}
	return nil
}

func sealString(kek []byte, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	env, err := envelope.Seal(kek, []byte(s))
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

func defaultType(ct, fallback types.ContentType) types.ContentType {
	if ct == "" {
		return fallback
	}
	return ct
}

func defaultClass(sc, fallback types.SourceClass) types.SourceClass {
	if sc == "" {
		return fallback
	}
	return sc
}

func defaultVisibility(v types.Visibility) types.Visibility {
	if v == "" {
		return types.VisibilityPrivate
	}
	return v
}

func typeForMIME(mime string) types.ContentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return types.ContentPhoto
	case strings.HasPrefix(mime, "audio/"):
		return types.ContentVoice
	case strings.HasPrefix(mime, "video/"):
		return types.ContentVideo
	case mime == "text/html":
		return types.ContentWebpage
	case strings.HasPrefix(mime, "text/"):
		return types.ContentText
	}
	return types.ContentDocument
}

func isTextual(mime string) bool {
	return strings.HasPrefix(mime, "text/") || mime == "application/json"
}
