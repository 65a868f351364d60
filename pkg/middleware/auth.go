package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/obeci/obeci/backend/go-services/internal/models"
)

// Token is minimal interface for a verified token that can expose claims
type Token interface {
	Claims(v interface{}) error
}

// Verifier is the minimal interface token checkers implement
type Verifier interface {
	Verify(ctx context.Context, raw string) (Token, error)
}

// PrincipalSource resolves the caller of a request. It returns the
// principal and the raw credential it was derived from.
type PrincipalSource interface {
	FromRequest(r *http.Request) (models.Principal, string, error)
}

const (
	principalKey = "principal"
	tokenKey     = "accessToken"
)

// AuthMiddleware rejects requests without a valid principal and stores it on the context.
func AuthMiddleware(src PrincipalSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, raw, err := src.FromRequest(c.Request)
		if err != nil || !p.Authenticated {
			msg := "unauthenticated"
			if err != nil {
				msg = err.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "details": msg})
			return
		}
		c.Set(principalKey, p)
		c.Set(tokenKey, raw)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by AuthMiddleware.
func PrincipalFrom(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Anonymous, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

// AccessTokenFrom returns the raw credential stored by AuthMiddleware.
func AccessTokenFrom(c *gin.Context) string {
	return c.GetString(tokenKey)
}

// rateLimitKey prefers the authenticated principal, then the client IP.
func rateLimitKey(c *gin.Context) string {
	if p, ok := PrincipalFrom(c); ok && p.Name != "" {
		return "principal:" + p.Name
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
