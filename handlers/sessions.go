package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/sessions"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

// UserFinder resolves directory users; (nil, nil) when absent.
type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// SessionHandler reports and revokes the caller's session.
type SessionHandler struct {
	ttl   time.Duration
	users UserFinder
}

// NewSessionHandler keeps revocations for ttl, which should cover the access token lifetime.
func NewSessionHandler(ttl time.Duration, users UserFinder) *SessionHandler {
	return &SessionHandler{ttl: ttl, users: users}
}

func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/me", h.Me)
	rg.POST("/sessions/revoke", h.Revoke)
}

// Me returns the authenticated principal and its directory record, if any.
func (h *SessionHandler) Me(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)
	out := gin.H{"principal": p}
	if h.users != nil {
		u, err := h.users.FindByEmail(c.Request.Context(), p.Name)
		if err != nil {
			logger.Warnf("me: user lookup failed: %v", err)
		} else if u != nil {
			out["user"] = u
		}
	}
	c.JSON(http.StatusOK, out)
}

// Revoke blacklists the credential the request was authenticated with.
// Open realtime connections keep their binding until they reconnect.
func (h *SessionHandler) Revoke(c *gin.Context) {
	raw := middleware.AccessTokenFrom(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no credentials"})
		return
	}
	if err := sessions.BlacklistAccessToken(c.Request.Context(), raw, h.ttl); err != nil {
		logger.Errorf("revoke token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke"})
		return
	}
	p, _ := middleware.PrincipalFrom(c)
	logger.Info("access token revoked", "principal", p.Name)
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
