// Package server exposes the HTTP and websocket surface: auth, memories,
// ingest, search, the encrypted vault, the knowledge graph, heartbeat and
// testament, and the RAG chat stream. Handlers translate error kinds to
// status codes and never write plaintext to disk or logs.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mnemos/internal/config"
	"mnemos/internal/heartbeat"
	"mnemos/internal/ingest"
	"mnemos/internal/jobs"
	"mnemos/internal/llm"
	"mnemos/internal/logging"
	"mnemos/internal/search"
	"mnemos/internal/session"
	"mnemos/internal/shield"
	"mnemos/internal/store"
	"mnemos/internal/testament"
	"mnemos/internal/vault"
)

// Deps are the wired services the server fronts.
type Deps struct {
	Config       *config.Config
	Store        *store.LocalStore
	Vault        *vault.Vault
	Auditor      *vault.Auditor
	Session      *session.Session
	Shield       *shield.Shield
	Orchestrator *ingest.Orchestrator
	Pipeline     *ingest.Pipeline
	Searcher     *search.Searcher
	Heartbeat    *heartbeat.Service
	Testament    *testament.Service
	Pool         *jobs.Pool
	LLM          llm.Client
}

// Server is the transport layer.
type Server struct {
	cfg    *config.Config
	st     *store.LocalStore
	vlt    *vault.Vault
	aud    *vault.Auditor
	sess   *session.Session
	shield *shield.Shield
	orch   *ingest.Orchestrator
	pipe   *ingest.Pipeline
	src    *search.Searcher
	hb     *heartbeat.Service
	tst    *testament.Service
	pool   *jobs.Pool
	llm    llm.Client

	tokens *tokenManager
	http   *http.Server
}

// New builds the server and its router.
func New(d Deps) *Server {
	s := &Server{
		cfg:    d.Config,
		st:     d.Store,
		vlt:    d.Vault,
		aud:    d.Auditor,
		sess:   d.Session,
		shield: d.Shield,
		orch:   d.Orchestrator,
		pipe:   d.Pipeline,
		src:    d.Searcher,
		hb:     d.Heartbeat,
		tst:    d.Testament,
		pool:   d.Pool,
		llm:    d.LLM,
		tokens: newTokenManager([]byte(d.Config.JWTSecret),
			config.Duration(d.Config.AccessTokenTTL),
			config.Duration(d.Config.RefreshTokenTTL)),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.deadline())
	s.routes(r)
	s.http = &http.Server{Addr: d.Config.ListenAddr, Handler: r}
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	auth := r.Group("/api/auth")
	{
		auth.GET("/salt-and-params", s.handleSaltAndParams)
		auth.POST("/setup", s.handleSetup)
		auth.POST("/login", s.handleLogin)
		auth.POST("/refresh", s.handleRefresh)
		auth.POST("/logout", s.requireAuth(), s.handleLogout)
		auth.POST("/lock", s.requireAuth(), s.handleLock)
		auth.POST("/rekey", s.requireAuth(), s.ownerOnly(), s.handleRekey)
	}

	api := r.Group("/api", s.requireAuth())
	write := api.Group("", s.ownerOnly())

	api.GET("/memories", s.handleListMemories)
	api.GET("/memories/:id", s.handleGetMemory)
	write.PATCH("/memories/:id", s.handleUpdateMemory)
	write.DELETE("/memories/:id", s.handleDeleteMemory)
	api.GET("/memories/:id/connections", s.handleListConnections)
	write.POST("/memories/:id/tags", s.handleLinkTag)
	write.DELETE("/memories/:id/tags/:tagID", s.handleUnlinkTag)
	write.POST("/memories/:id/persons", s.handleLinkPerson)
	write.DELETE("/memories/:id/persons/:personID", s.handleUnlinkPerson)

	write.POST("/ingest/text", s.handleIngestText)
	write.POST("/ingest/file", s.handleIngestFile)
	write.POST("/ingest/url", s.handleIngestURL)

	api.GET("/search", s.handleSearch)

	api.GET("/vault/:sourceID", s.handleVaultGet)
	api.GET("/vault/:sourceID/preserved", s.handleVaultGetPreserved)
	api.GET("/vault/:sourceID/meta", s.handleVaultMeta)
	write.POST("/vault/audit", s.handleVaultAudit)

	write.POST("/connections/:id/promote", s.handlePromoteConnection)

	api.GET("/tags", s.handleListTags)
	write.POST("/tags", s.handleCreateTag)
	api.GET("/persons", s.handleListPersons)
	write.POST("/persons", s.handleCreatePerson)
	api.GET("/profile", s.handleGetProfile)
	write.PUT("/profile", s.handlePutProfile)

	api.GET("/suggestions", s.handleListSuggestions)
	write.POST("/suggestions/:id/accept", s.handleAcceptSuggestion)
	write.POST("/suggestions/:id/dismiss", s.handleDismissSuggestion)

	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id/messages", s.handleListMessages)

	hb := r.Group("/api/heartbeat")
	{
		// Challenge and check-in authenticate by passphrase knowledge, not
		// bearer token: the whole point is proving liveness from anywhere.
		hb.POST("/challenge", s.handleHeartbeatChallenge)
		hb.POST("/checkin", s.handleHeartbeatCheckin)
		hb.GET("/status", s.requireAuth(), s.handleHeartbeatStatus)
		hb.GET("/alerts", s.requireAuth(), s.handleHeartbeatAlerts)
	}

	tst := api.Group("/testament")
	{
		tst.GET("/config", s.handleGetTestamentConfig)
		tst.PUT("/config", s.ownerOnly(), s.handlePutTestamentConfig)
		tst.POST("/shares", s.ownerOnly(), s.handleGenerateShares)
		tst.POST("/deactivate", s.handleDeactivateHeirMode)
		tst.GET("/heirs", s.handleListHeirs)
		tst.POST("/heirs", s.ownerOnly(), s.handleCreateHeir)
		tst.DELETE("/heirs/:id", s.ownerOnly(), s.handleDeleteHeir)
		tst.GET("/audit", s.handleListAudit)
	}
	// Activation comes from heirs holding shares, before any token exists.
	r.POST("/api/testament/activate", s.handleActivateHeirMode)

	r.GET("/ws/chat", s.handleChat)
}

// requestLog logs one line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	log := logging.Get(logging.CategoryAPI)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

// deadline bounds every handler by the configured request budget. The chat
// socket manages its own lifetime.
func (s *Server) deadline() gin.HandlerFunc {
	budget := config.Duration(s.cfg.RequestBudget)
	return func(c *gin.Context) {
		if c.FullPath() == "/ws/chat" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), budget)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logging.Get(logging.CategoryAPI).Infow("listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
