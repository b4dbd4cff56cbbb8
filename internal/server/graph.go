package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mnemos/internal/envelope"
	"mnemos/internal/ingest"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// connectionView carries a decrypted edge.
type connectionView struct {
	ID           string                 `json:"id"`
	SourceID     types.MemoryID         `json:"source_id"`
	TargetID     types.MemoryID         `json:"target_id"`
	Kind         types.RelationshipKind `json:"kind"`
	Explanation  string                 `json:"explanation,omitempty"`
	Strength     float64                `json:"strength"`
	Provenance   string                 `json:"provenance"`
	UserPromoted bool                   `json:"user_promoted"`
	CreatedAt    time.Time              `json:"created_at"`
}

// GET /api/memories/:id/connections
func (s *Server) handleListConnections(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	conns, err := s.st.ListConnections(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]*connectionView, 0, len(conns))
	err = s.sess.WithKeys(func(k *session.Keys) error {
		for _, cn := range conns {
			v := &connectionView{
				ID: cn.ID, SourceID: cn.SourceID, TargetID: cn.TargetID,
				Kind: cn.Kind, Strength: cn.Strength, Provenance: cn.Provenance,
				UserPromoted: cn.UserPromoted, CreatedAt: cn.CreatedAt,
			}
			if len(cn.ExplanationEnv) > 0 {
				e, err := envelope.Unmarshal(cn.ExplanationEnv)
				if err != nil {
					return err
				}
				plain, err := envelope.Open(k.KEK, e)
				if err != nil {
					return err
				}
				v.Explanation = string(plain)
			}
			views = append(views, v)
		}
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// POST /api/connections/:id/promote
func (s *Server) handlePromoteConnection(c *gin.Context) {
	if err := s.st.PromoteConnection(c.Request.Context(), c.Param("id")); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/tags
func (s *Server) handleListTags(c *gin.Context) {
	tags, err := s.st.ListTags(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// POST /api/tags
func (s *Server) handleCreateTag(c *gin.Context) {
	var req struct {
		Label string `json:"label" binding:"required"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	tag, err := s.st.EnsureTag(c.Request.Context(), req.Label, req.Color)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, tag)
}

// POST /api/memories/:id/tags
func (s *Server) handleLinkTag(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	var req struct {
		Label string `json:"label" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if err := s.linkTagAndReindex(c, id, []string{req.Label}); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DELETE /api/memories/:id/tags/:tagID
func (s *Server) handleUnlinkTag(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	if err := s.st.UnlinkTag(c.Request.Context(), id, c.Param("tagID")); err != nil {
		abortErr(c, err)
		return
	}
	// Rebuild tokens so the removed tag stops matching.
	if _, err := s.orch.UpdateMemory(c.Request.Context(), id, ingest.Update{}); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// linkTagAndReindex links labels and refreshes the memory's blind tokens.
func (s *Server) linkTagAndReindex(c *gin.Context, id types.MemoryID, labels []string) error {
	for _, label := range labels {
		tag, err := s.st.EnsureTag(c.Request.Context(), label, "")
		if err != nil {
			return err
		}
		if err := s.st.LinkTag(c.Request.Context(), id, tag.ID); err != nil {
			return err
		}
	}
	_, err := s.orch.UpdateMemory(c.Request.Context(), id, ingest.Update{})
	return err
}

// personView decrypts the optional name envelope.
type personView struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"display_name"`
	Name        string               `json:"name,omitempty"`
	ExternalID  string               `json:"external_id,omitempty"`
	Relation    types.PersonRelation `json:"relation,omitempty"`
	Deceased    bool                 `json:"deceased"`
	CreatedAt   time.Time            `json:"created_at"`
}

// GET /api/persons
func (s *Server) handleListPersons(c *gin.Context) {
	persons, err := s.st.ListPersons(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]*personView, 0, len(persons))
	err = s.sess.WithKeys(func(k *session.Keys) error {
		for _, p := range persons {
			v := &personView{
				ID: p.ID, DisplayName: p.DisplayName, ExternalID: p.ExternalID,
				Relation: p.Relation, Deceased: p.Deceased, CreatedAt: p.CreatedAt,
			}
			if len(p.NameEnv) > 0 {
				e, err := envelope.Unmarshal(p.NameEnv)
				if err != nil {
					return err
				}
				name, err := envelope.Open(k.KEK, e)
				if err != nil {
					return err
				}
				v.Name = string(name)
			}
			views = append(views, v)
		}
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persons": views})
}

// POST /api/persons
func (s *Server) handleCreatePerson(c *gin.Context) {
	var req struct {
		DisplayName string               `json:"display_name" binding:"required"`
		Name        string               `json:"name"`
		ExternalID  string               `json:"external_id"`
		Relation    types.PersonRelation `json:"relation"`
		Deceased    bool                 `json:"deceased"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	p := &store.Person{
		DisplayName: req.DisplayName,
		ExternalID:  req.ExternalID,
		Relation:    req.Relation,
		Deceased:    req.Deceased,
	}
	if req.Name != "" {
		err := s.sess.WithKeys(func(k *session.Keys) error {
			env, err := envelope.Seal(k.KEK, []byte(req.Name))
			if err != nil {
				return err
			}
			p.NameEnv, err = env.Marshal()
			return err
		})
		if err != nil {
			abortErr(c, err)
			return
		}
	}
	if err := s.st.CreatePerson(c.Request.Context(), p); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": p.ID})
}

// POST /api/memories/:id/persons
func (s *Server) handleLinkPerson(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	var req struct {
		PersonID   string   `json:"person_id" binding:"required"`
		Source     string   `json:"source"`
		Confidence *float64 `json:"confidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	src := types.PersonLinkSource(req.Source)
	if src == "" {
		src = types.LinkManual
	}
	created, err := s.st.LinkPerson(c.Request.Context(), id, req.PersonID, src, req.Confidence)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

// DELETE /api/memories/:id/persons/:personID
func (s *Server) handleUnlinkPerson(c *gin.Context) {
	id := types.MemoryID(c.Param("id"))
	src := types.PersonLinkSource(c.DefaultQuery("source", string(types.LinkManual)))
	if err := s.st.UnlinkPerson(c.Request.Context(), id, c.Param("personID"), src); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/profile
func (s *Server) handleGetProfile(c *gin.Context) {
	p, err := s.st.GetOwnerProfile(c.Request.Context())
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PUT /api/profile
func (s *Server) handlePutProfile(c *gin.Context) {
	var p store.OwnerProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if err := s.st.PutOwnerProfile(c.Request.Context(), &p); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// suggestionView decrypts the payload for display.
type suggestionView struct {
	ID        string                 `json:"id"`
	MemoryID  types.MemoryID         `json:"memory_id,omitempty"`
	Kind      string                 `json:"kind"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Status    types.SuggestionStatus `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
}

// GET /api/suggestions
func (s *Server) handleListSuggestions(c *gin.Context) {
	status := types.SuggestionStatus(c.Query("status"))
	sgs, err := s.st.ListSuggestions(c.Request.Context(), status)
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]*suggestionView, 0, len(sgs))
	err = s.sess.WithKeys(func(k *session.Keys) error {
		for _, sg := range sgs {
			v := &suggestionView{
				ID: sg.ID, MemoryID: sg.MemoryID, Kind: sg.Kind,
				Status: sg.Status, CreatedAt: sg.CreatedAt,
			}
			if len(sg.PayloadEnv) > 0 {
				e, err := envelope.Unmarshal(sg.PayloadEnv)
				if err != nil {
					return err
				}
				plain, err := envelope.Open(k.KEK, e)
				if err != nil {
					return err
				}
				v.Payload = json.RawMessage(plain)
			}
			views = append(views, v)
		}
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": views})
}

// POST /api/suggestions/:id/accept
// Accepting a tag suggestion applies the proposed tags before the lifecycle
// transition; any other kind just transitions.
func (s *Server) handleAcceptSuggestion(c *gin.Context) {
	id := c.Param("id")
	sgs, err := s.st.ListSuggestions(c.Request.Context(), "")
	if err != nil {
		abortErr(c, err)
		return
	}
	var target *store.Suggestion
	for _, sg := range sgs {
		if sg.ID == id {
			target = sg
			break
		}
	}
	if target == nil {
		abortErr(c, types.E(types.ErrNotFound, "suggestion %s", id))
		return
	}

	if target.Kind == "tag" && target.Status == types.SuggestionPending && target.MemoryID != "" {
		var payload struct {
			Tags []string `json:"tags"`
		}
		err := s.sess.WithKeys(func(k *session.Keys) error {
			e, err := envelope.Unmarshal(target.PayloadEnv)
			if err != nil {
				return err
			}
			plain, err := envelope.Open(k.KEK, e)
			if err != nil {
				return err
			}
			return json.Unmarshal(plain, &payload)
		})
		if err != nil {
			abortErr(c, err)
			return
		}
		if err := s.linkTagAndReindex(c, target.MemoryID, payload.Tags); err != nil {
			abortErr(c, err)
			return
		}
	}

	if err := s.st.ResolveSuggestion(c.Request.Context(), id, types.SuggestionAccepted); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/suggestions/:id/dismiss
func (s *Server) handleDismissSuggestion(c *gin.Context) {
	if err := s.st.ResolveSuggestion(c.Request.Context(), c.Param("id"), types.SuggestionDismissed); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
