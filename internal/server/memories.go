package server

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mnemos/internal/envelope"
	"mnemos/internal/ingest"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// memoryView is the decrypted JSON shape of a memory.
type memoryView struct {
	ID          types.MemoryID    `json:"id"`
	CapturedAt  time.Time         `json:"captured_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ContentType types.ContentType `json:"content_type"`
	SourceClass types.SourceClass `json:"source_class"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content,omitempty"`
	Meta        *ingest.Meta      `json:"meta,omitempty"`
	SourceID    types.SourceID    `json:"source_id,omitempty"`
	ParentID    types.MemoryID    `json:"parent_id,omitempty"`
	Visibility  types.Visibility  `json:"visibility"`
	HasLocation bool              `json:"has_location"`
	Tags        []*store.Tag      `json:"tags,omitempty"`
}

// decryptView opens a memory's envelopes under the session keys. withBody
// skips content decryption for list responses.
func (s *Server) decryptView(mem *store.Memory, withBody bool) (*memoryView, error) {
	v := &memoryView{
		ID:          mem.ID,
		CapturedAt:  mem.CapturedAt,
		CreatedAt:   mem.CreatedAt,
		UpdatedAt:   mem.UpdatedAt,
		ContentType: mem.ContentType,
		SourceClass: mem.SourceClass,
		SourceID:    mem.SourceID,
		ParentID:    mem.ParentID,
		Visibility:  mem.Visibility,
		HasLocation: mem.HasLocation,
	}
	err := s.sess.WithKeys(func(k *session.Keys) error {
		open := func(env []byte) (string, error) {
			if len(env) == 0 {
				return "", nil
			}
			e, err := envelope.Unmarshal(env)
			if err != nil {
				return "", err
			}
			plain, err := envelope.Open(k.KEK, e)
			if err != nil {
				return "", err
			}
			return string(plain), nil
		}
		var err error
		if v.Title, err = open(mem.TitleEnv); err != nil {
			return err
		}
		if withBody {
			if v.Content, err = open(mem.ContentEnv); err != nil {
				return err
			}
			if len(mem.MetaEnv) > 0 {
				raw, err := open(mem.MetaEnv)
				if err != nil {
					return err
				}
				v.Meta = &ingest.Meta{}
				if err := json.Unmarshal([]byte(raw), v.Meta); err != nil {
					return types.E(types.ErrInternal, "corrupt metadata for %s", mem.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GET /api/memories
func (s *Server) handleListMemories(c *gin.Context) {
	f := store.MemoryFilter{
		Skip:        intQuery(c, "skip", 0),
		Limit:       intQuery(c, "limit", 50),
		ContentType: types.ContentType(c.Query("content_type")),
		TagIDs:      splitQuery(c.Query("tag_ids")),
		PersonIDs:   splitQuery(c.Query("person_ids")),
		Year:        intQuery(c, "year", 0),
		Visibility:  c.Query("visibility"),
		PublicOnly:  s.sess.HeirMode(),
	}
	if v := c.Query("date_from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.DateFrom = &t
		}
	}
	if v := c.Query("date_to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.DateTo = &t
		}
	}
	if v := c.Query("has_location"); v != "" {
		b := v == "true" || v == "1"
		f.HasLocation = &b
	}
	var near *geoFilter
	if v := c.Query("near"); v != "" {
		g, err := parseNear(v)
		if err != nil {
			abortErr(c, err)
			return
		}
		near = g
		located := true
		f.HasLocation = &located
	}

	mems, err := s.st.ListMemories(c.Request.Context(), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	if near != nil {
		if mems, err = s.filterNear(mems, near); err != nil {
			abortErr(c, err)
			return
		}
	}
	total, err := s.st.CountMemories(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]*memoryView, 0, len(mems))
	for _, m := range mems {
		v, err := s.decryptView(m, false)
		if err != nil {
			abortErr(c, err)
			return
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"memories": views, "total": total})
}

// geoFilter is the parsed near=lat,lng,radius_km predicate.
type geoFilter struct {
	lat, lng, radiusKM float64
}

func parseNear(v string) (*geoFilter, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return nil, types.E(types.ErrPreconditionFailed, "near wants lat,lng,radius_km")
	}
	var vals [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, types.E(types.ErrPreconditionFailed, "near wants lat,lng,radius_km")
		}
		vals[i] = f
	}
	if vals[2] <= 0 {
		return nil, types.E(types.ErrPreconditionFailed, "near radius must be positive")
	}
	return &geoFilter{lat: vals[0], lng: vals[1], radiusKM: vals[2]}, nil
}

// filterNear keeps the memories whose coordinates fall within the radius.
// Coordinates live only inside the encrypted metadata envelope, so every
// located candidate in the page costs one envelope open; the implied
// has_location predicate keeps that set to memories that have coordinates
// at all.
func (s *Server) filterNear(mems []*store.Memory, g *geoFilter) ([]*store.Memory, error) {
	out := mems[:0]
	for _, m := range mems {
		if len(m.MetaEnv) == 0 {
			continue
		}
		var meta ingest.Meta
		err := s.sess.WithKeys(func(k *session.Keys) error {
			e, err := envelope.Unmarshal(m.MetaEnv)
			if err != nil {
				return err
			}
			plain, err := envelope.Open(k.KEK, e)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(plain, &meta); err != nil {
				return types.E(types.ErrInternal, "corrupt metadata for %s", m.ID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if meta.Location == nil {
			continue
		}
		if haversineKM(g.lat, g.lng, meta.Location.Lat, meta.Location.Lng) <= g.radiusKM {
			out = append(out, m)
		}
	}
	return out, nil
}

// haversineKM is the great-circle distance between two coordinates.
func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

// GET /api/memories/:id
func (s *Server) handleGetMemory(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	mem, err := s.st.GetMemory(c.Request.Context(), id, false)
	if err != nil {
		abortErr(c, err)
		return
	}
	if s.sess.HeirMode() && mem.Visibility != types.VisibilityPublic {
		abortErr(c, types.E(types.ErrNotFound, "memory %s", id))
		return
	}
	v, err := s.decryptView(mem, true)
	if err != nil {
		abortErr(c, err)
		return
	}
	if tags, err := s.st.TagsForMemory(c.Request.Context(), id); err == nil {
		v.Tags = tags
	}
	c.JSON(http.StatusOK, v)
}

type updateMemoryRequest struct {
	Title      *string           `json:"title"`
	Content    *string           `json:"content"`
	Meta       *ingest.Meta      `json:"meta"`
	Visibility *types.Visibility `json:"visibility"`
}

// PATCH /api/memories/:id
func (s *Server) handleUpdateMemory(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if req.Visibility != nil {
		if err := s.st.SetVisibility(c.Request.Context(), id, *req.Visibility); err != nil {
			abortErr(c, err)
			return
		}
	}
	if req.Title != nil || req.Content != nil || req.Meta != nil {
		if _, err := s.orch.UpdateMemory(c.Request.Context(), id, ingest.Update{
			Title: req.Title, Content: req.Content, Meta: req.Meta,
		}); err != nil {
			abortErr(c, err)
			return
		}
	}
	mem, err := s.st.GetMemory(c.Request.Context(), id, false)
	if err != nil {
		abortErr(c, err)
		return
	}
	v, err := s.decryptView(mem, true)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// DELETE /api/memories/:id  (?purge=true hard-deletes)
func (s *Server) handleDeleteMemory(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	if c.Query("purge") == "true" {
		if err := s.orch.Purge(c.Request.Context(), id); err != nil {
			abortErr(c, err)
			return
		}
	} else if err := s.st.SoftDelete(c.Request.Context(), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ingestTextRequest struct {
	Title       string            `json:"title"`
	Content     string            `json:"content" binding:"required"`
	CapturedAt  *time.Time        `json:"captured_at"`
	ContentType types.ContentType `json:"content_type"`
	SourceClass types.SourceClass `json:"source_class"`
	Visibility  types.Visibility  `json:"visibility"`
	Tags        []string          `json:"tags"`
	Meta        *ingest.Meta      `json:"meta"`
}

// POST /api/ingest/text
func (s *Server) handleIngestText(c *gin.Context) {
	var req ingestTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	in := ingest.TextInput{
		Title:       req.Title,
		Content:     req.Content,
		ContentType: req.ContentType,
		SourceClass: req.SourceClass,
		Visibility:  req.Visibility,
		Tags:        req.Tags,
		Meta:        req.Meta,
	}
	if req.CapturedAt != nil {
		in.CapturedAt = *req.CapturedAt
	}
	res, err := s.orch.IngestText(c.Request.Context(), in)
	if err != nil {
		abortErr(c, err)
		return
	}
	writeIngestResult(c, res)
}

// POST /api/ingest/file  (multipart)
func (s *Server) handleIngestFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "missing file part"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		abortErr(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		abortErr(c, err)
		return
	}

	mime := fh.Header.Get("Content-Type")
	if m := c.PostForm("mime"); m != "" {
		mime = m
	}
	in := ingest.FileInput{
		Filename:   fh.Filename,
		MIME:       mime,
		Data:       data,
		Title:      c.PostForm("title"),
		Visibility: types.Visibility(c.PostForm("visibility")),
		Tags:       splitQuery(c.PostForm("tags")),
	}
	if v := c.PostForm("captured_at"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			in.CapturedAt = t
		}
	}
	res, err := s.orch.IngestFile(c.Request.Context(), in)
	if err != nil {
		abortErr(c, err)
		return
	}
	writeIngestResult(c, res)
}

// POST /api/ingest/url
func (s *Server) handleIngestURL(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "url ingestion is not implemented"})
}

// writeIngestResult returns 201 for a new memory, 200 for a dedupe hit.
func writeIngestResult(c *gin.Context, res *ingest.Result) {
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	body := gin.H{
		"memory_id":    res.Memory.ID,
		"source_id":    res.Memory.SourceID,
		"content_type": res.Memory.ContentType,
		"duplicate":    res.Duplicate,
	}
	if res.Source != nil {
		body["mime"] = res.Source.MIME
		body["preservation_format"] = res.Source.PreservationFormat
	}
	c.JSON(status, body)
}

// GET /api/search
func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	mode := types.SearchMode(c.DefaultQuery("mode", string(types.ModeHybrid)))
	limit := intQuery(c, "top_k", 20)

	resp, err := s.src.Search(c.Request.Context(), query, mode, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitQuery(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
