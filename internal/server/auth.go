package server

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

// tokenManager issues and verifies the access/refresh token pair. Tokens
// carry a generation counter; logout bumps it, invalidating everything
// issued before.
type tokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	generation atomic.Int64
}

type tokenClaims struct {
	Type       string `json:"typ"` // access or refresh
	Generation int64  `json:"gen"`
	jwt.RegisteredClaims
}

type tokenPair struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires"`
}

func newTokenManager(secret []byte, accessTTL, refreshTTL time.Duration) *tokenManager {
	return &tokenManager{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (tm *tokenManager) issuePair() (*tokenPair, error) {
	now := time.Now().UTC()
	gen := tm.generation.Load()
	access, err := tm.sign("access", gen, now, tm.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := tm.sign("refresh", gen, now, tm.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &tokenPair{Access: access, Refresh: refresh, ExpiresAt: now.Add(tm.accessTTL)}, nil
}

func (tm *tokenManager) sign(typ string, gen int64, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		Type:       typ,
		Generation: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mnemos",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

func (tm *tokenManager) verify(token, wantType string) error {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, types.E(types.ErrAuthRequired, "unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithIssuer("mnemos"), jwt.WithExpirationRequired())
	if err != nil {
		return types.E(types.ErrAuthRequired, "invalid token")
	}
	if subtle.ConstantTimeCompare([]byte(claims.Type), []byte(wantType)) != 1 {
		return types.E(types.ErrAuthRequired, "wrong token type")
	}
	if claims.Generation != tm.generation.Load() {
		return types.E(types.ErrAuthRequired, "token revoked")
	}
	return nil
}

// revoke invalidates all outstanding tokens.
func (tm *tokenManager) revoke() {
	tm.generation.Add(1)
}

// requireAuth validates the bearer access token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortErr(c, types.E(types.ErrAuthRequired, "missing bearer token"))
			return
		}
		if err := s.tokens.verify(token, "access"); err != nil {
			abortErr(c, err)
			return
		}
		s.sess.Touch()
		c.Next()
	}
}

// ownerOnly rejects mutations from heir-mode sessions.
func (s *Server) ownerOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.sess.HeirMode() {
			c.AbortWithStatusJSON(http.StatusForbidden,
				gin.H{"error": "heir sessions are read-only"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// GET /api/auth/salt-and-params
func (s *Server) handleSaltAndParams(c *gin.Context) {
	auth, err := s.shield.SaltAndParams(c.Request.Context())
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			c.JSON(http.StatusOK, gin.H{"setup_required": true})
			return
		}
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"setup_required": false,
		"salt":           base64.StdEncoding.EncodeToString(auth.Salt),
		"kdf_params":     auth.KDF,
	})
}

type setupRequest struct {
	Salt      string           `json:"salt" binding:"required"`
	KDFParams crypto.KDFParams `json:"kdf_params" binding:"required"`
	Verifier  string           `json:"verifier" binding:"required"`
	MasterKey string           `json:"master_key" binding:"required"`
}

// POST /api/auth/setup
func (s *Server) handleSetup(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	salt, verifier, master, err := decodeKeyMaterial(req.Salt, req.Verifier, req.MasterKey)
	if err != nil {
		abortErr(c, err)
		return
	}
	if err := s.shield.SetupWithMaster(c.Request.Context(), salt, req.KDFParams, verifier, master); err != nil {
		abortErr(c, err)
		return
	}
	pair, err := s.tokens.issuePair()
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

type loginRequest struct {
	MasterKey string `json:"master_key" binding:"required"`
}

// POST /api/auth/login
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	master, err := base64.StdEncoding.DecodeString(req.MasterKey)
	if err != nil || len(master) != crypto.KeySize {
		abortErr(c, types.E(types.ErrPreconditionFailed, "master key must be %d base64 bytes", crypto.KeySize))
		return
	}
	if err := s.shield.LoginWithMaster(c.Request.Context(), master); err != nil {
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

// POST /api/auth/refresh
func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		Refresh string `json:"refresh" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	if err := s.tokens.verify(req.Refresh, "refresh"); err != nil {
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

// POST /api/auth/logout
func (s *Server) handleLogout(c *gin.Context) {
	s.tokens.revoke()
	s.sess.Lock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/auth/lock
func (s *Server) handleLock(c *gin.Context) {
	s.sess.Lock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type rekeyRequest struct {
	OldPassphrase string `json:"old_passphrase" binding:"required"`
	NewPassphrase string `json:"new_passphrase" binding:"required"`
}

// POST /api/auth/rekey
func (s *Server) handleRekey(c *gin.Context) {
	var req rekeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, types.E(types.ErrPreconditionFailed, "invalid request body"))
		return
	}
	// Re-key can outlive the request budget; it runs on the request context
	// so the client controls cancellation, but progress survives either way.
	if err := s.shield.Rekey(c.Request.Context(), req.OldPassphrase, req.NewPassphrase); err != nil {
		abortErr(c, err)
		return
	}
	s.tokens.revoke()
	pair, err := s.tokens.issuePair()
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func decodeKeyMaterial(saltB64, verifierB64, masterB64 string) (salt, verifier, master []byte, err error) {
	if salt, err = base64.StdEncoding.DecodeString(saltB64); err != nil {
		return nil, nil, nil, types.E(types.ErrPreconditionFailed, "invalid salt encoding")
	}
	if verifier, err = base64.StdEncoding.DecodeString(verifierB64); err != nil {
		return nil, nil, nil, types.E(types.ErrPreconditionFailed, "invalid verifier encoding")
	}
	if master, err = base64.StdEncoding.DecodeString(masterB64); err != nil {
		return nil, nil, nil, types.E(types.ErrPreconditionFailed, "invalid master key encoding")
	}
	return salt, verifier, master, nil
}
