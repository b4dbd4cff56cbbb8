package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mnemos/internal/envelope"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// sourceFor loads a source and applies heir-mode visibility through its
// owning memory.
func (s *Server) sourceFor(c *gin.Context) (*store.Source, bool) {
	id := types.SourceID(c.Param("sourceID"))
	src, err := s.st.GetSource(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return nil, false
	}
	if s.sess.HeirMode() {
		mem, err := s.st.GetMemory(c.Request.Context(), src.MemoryID, false)
		if err != nil || mem.Visibility != types.VisibilityPublic {
			abortErr(c, types.E(types.ErrNotFound, "source %s", id))
			return nil, false
		}
	}
	return src, true
}

// serveBlob decrypts one vault blob and streams it with the original
// filename when one was stored.
func (s *Server) serveBlob(c *gin.Context, src *store.Source, relPath string, keyEnv []byte, mime string) {
	var data []byte
	var filename string
	err := s.sess.WithKeys(func(k *session.Keys) error {
		var err error
		if data, err = s.vlt.Read(k.File, relPath, keyEnv); err != nil {
			return err
		}
		if len(src.FilenameEnv) > 0 {
			e, err := envelope.Unmarshal(src.FilenameEnv)
			if err != nil {
				return err
			}
			name, err := envelope.Open(k.KEK, e)
			if err != nil {
				return err
			}
			filename = string(name)
		}
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	if filename != "" {
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	c.Data(http.StatusOK, mime, data)
}

// GET /api/vault/:sourceID
func (s *Server) handleVaultGet(c *gin.Context) {
	src, ok := s.sourceFor(c)
	if !ok {
		return
	}
	s.serveBlob(c, src, src.VaultPath, src.DekEnv, src.MIME)
}

// GET /api/vault/:sourceID/preserved
func (s *Server) handleVaultGetPreserved(c *gin.Context) {
	src, ok := s.sourceFor(c)
	if !ok {
		return
	}
	if src.PreservedPath == "" {
		// The primary blob already is the archival rendition.
		s.serveBlob(c, src, src.VaultPath, src.DekEnv, src.MIME)
		return
	}
	s.serveBlob(c, src, src.PreservedPath, src.PreservedDekEnv, "application/octet-stream")
}

// GET /api/vault/:sourceID/meta
func (s *Server) handleVaultMeta(c *gin.Context) {
	src, ok := s.sourceFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                  src.ID,
		"memory_id":           src.MemoryID,
		"mime":                src.MIME,
		"preservation_format": src.PreservationFormat,
		"original_size":       src.OriginalSize,
		"encrypted_size":      src.EncryptedSize,
		"has_preserved":       src.PreservedPath != "",
		"created_at":          src.CreatedAt,
	})
}

// POST /api/vault/audit
func (s *Server) handleVaultAudit(c *gin.Context) {
	findings, err := s.aud.Run(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings, "checked_at": time.Now().UTC()})
}

// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	loops, err := s.st.GetLoops(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	state := "locked"
	if s.sess.Unlocked() {
		state = "unlocked"
		if s.sess.HeirMode() {
			state = "heir"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"session":      state,
		"pending_jobs": s.pool.Pending(),
		"loops":        loops,
	})
}
