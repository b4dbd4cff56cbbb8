package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mnemos/internal/store"
	"mnemos/internal/types"
)

// POST /api/heartbeat/challenge
func (s *Server) handleHeartbeatChallenge(c *gin.Context) {
	challenge, expiresAt, err := s.hb.Challenge(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge":  challenge,
		"expires_at": expiresAt,
	})
}

// POST /api/heartbeat/checkin
func (s *Server) handleHeartbeatCheckin(c *gin.Context) {
	var req struct {
		Challenge string `json:"challenge" binding:"required"`
		Response  string `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	nextDue, err := s.hb.Checkin(c.Request.Context(), req.Challenge, req.Response)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "next_due": nextDue})
}

// GET /api/heartbeat/status
func (s *Server) handleHeartbeatStatus(c *gin.Context) {
	st, err := s.hb.Status(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /api/heartbeat/alerts
func (s *Server) handleHeartbeatAlerts(c *gin.Context) {
	alerts, err := s.st.ListAlerts(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]gin.H, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, gin.H{
			"id":            a.ID,
			"level":         a.Level.String(),
			"trigger_day":   a.TriggerDay,
			"dispatched_at": a.DispatchedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"alerts": views})
}

// GET /api/testament/config
func (s *Server) handleGetTestamentConfig(c *gin.Context) {
	cfg, err := s.st.GetTestamentConfig(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"threshold":        cfg.Threshold,
		"total_shares":     cfg.TotalShares,
		"shares_generated": cfg.SharesGenerated,
		"heir_mode_active": cfg.HeirModeActive,
	})
}

// PUT /api/testament/config
func (s *Server) handlePutTestamentConfig(c *gin.Context) {
	var req struct {
		Threshold   int `json:"threshold" binding:"required"`
		TotalShares int `json:"total_shares" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	existing, err := s.st.GetTestamentConfig(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	existing.Threshold = req.Threshold
	existing.TotalShares = req.TotalShares
	if err := s.st.PutTestamentConfig(c.Request.Context(), existing); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/testament/shares
func (s *Server) handleGenerateShares(c *gin.Context) {
	var req struct {
		OwnerPassphrase string `json:"owner_passphrase" binding:"required"`
		SharePassphrase string `json:"share_passphrase"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	shares, err := s.tst.GenerateShares(c.Request.Context(), req.OwnerPassphrase, req.SharePassphrase)
	if err != nil {
		abortErr(c, err)
		return
	}
	cfg, err := s.st.GetTestamentConfig(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	// Shares are shown exactly once; they are not stored anywhere.
	c.JSON(http.StatusOK, gin.H{
		"shares": shares,
		"k":      cfg.Threshold,
		"n":      cfg.TotalShares,
	})
}

// POST /api/testament/activate
// Reachable without a bearer token: heirs arrive with shares, nothing else.
// Success unlocks a read-only heir session and issues tokens for it.
func (s *Server) handleActivateHeirMode(c *gin.Context) {
	var req struct {
		Shares          []string `json:"shares" binding:"required"`
		SharePassphrase string   `json:"share_passphrase"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if err := s.tst.ActivateHeirMode(c.Request.Context(), req.Shares, req.SharePassphrase); err != nil {
		abortErr(c, err)
		return
	}
	pair, err := s.tokens.issuePair()
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// POST /api/testament/deactivate
func (s *Server) handleDeactivateHeirMode(c *gin.Context) {
	var req struct {
		Passphrase string `json:"passphrase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if err := s.tst.DeactivateHeirMode(c.Request.Context(), req.Passphrase); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/testament/heirs
func (s *Server) handleListHeirs(c *gin.Context) {
	heirs, err := s.st.ListHeirs(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"heirs": heirs})
}

// POST /api/testament/heirs
func (s *Server) handleCreateHeir(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Email      string `json:"email" binding:"required"`
		Phone      string `json:"phone"`
		ShareIndex *int   `json:"share_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	h := &store.Heir{Name: req.Name, Email: req.Email, Phone: req.Phone, ShareIndex: req.ShareIndex}
	if err := s.st.CreateHeir(c.Request.Context(), h); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": h.ID})
}

// DELETE /api/testament/heirs/:id
func (s *Server) handleDeleteHeir(c *gin.Context) {
	if err := s.st.DeleteHeir(c.Request.Context(), c.Param("id")); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/testament/audit
func (s *Server) handleListAudit(c *gin.Context) {
	entries, err := s.st.ListAudit(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}
