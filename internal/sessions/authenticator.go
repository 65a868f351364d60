package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/users"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

var (
	ErrNoCredentials = errors.New("no credentials presented")
	ErrRevoked       = errors.New("token revoked")
	ErrNoIdentity    = errors.New("token carries no identity")
)

// UserLookup resolves directory users; (nil, nil) when absent.
type UserLookup interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// UserSync records identities seen for the first time.
type UserSync interface {
	UpsertFromClaims(ctx context.Context, claims map[string]interface{}) (*models.User, error)
}

// Authenticator turns request credentials into a Principal.
type Authenticator struct {
	verifier   middleware.Verifier
	users      UserLookup
	sync       UserSync
	cookieName string
}

func NewAuthenticator(v middleware.Verifier, u UserLookup, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = "token"
	}
	return &Authenticator{verifier: v, users: u, cookieName: cookieName}
}

// WithUserSync stores unknown users from their token claims on first sight.
func (a *Authenticator) WithUserSync(s UserSync) *Authenticator {
	a.sync = s
	return a
}

// Credential reads the token from the auth cookie, then the Bearer header.
func (a *Authenticator) Credential(r *http.Request) string {
	if c, err := r.Cookie(a.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// FromRequest verifies the presented credential. It returns the principal
// and the raw token.
func (a *Authenticator) FromRequest(r *http.Request) (models.Principal, string, error) {
	raw := a.Credential(r)
	if raw == "" {
		return models.Anonymous, "", ErrNoCredentials
	}
	p, err := a.Authenticate(r.Context(), raw)
	return p, raw, err
}

// Authenticate verifies raw and resolves roles, preferring the directory record.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (models.Principal, error) {
	revoked, err := IsAccessTokenBlacklisted(ctx, raw)
	if err != nil {
		return models.Anonymous, fmt.Errorf("blacklist check: %w", err)
	}
	if revoked {
		return models.Anonymous, ErrRevoked
	}
	tok, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return models.Anonymous, fmt.Errorf("verify token: %w", err)
	}
	var claims map[string]interface{}
	if err := tok.Claims(&claims); err != nil {
		return models.Anonymous, fmt.Errorf("token claims: %w", err)
	}
	name := claimString(claims, "email", "preferred_username", "sub")
	if name == "" {
		return models.Anonymous, ErrNoIdentity
	}
	roles := users.RolesFromClaims(claims)
	if a.users != nil {
		u, err := a.users.FindByEmail(ctx, name)
		if err != nil {
			return models.Anonymous, fmt.Errorf("resolve user: %w", err)
		}
		if u != nil && len(u.Roles) > 0 {
			roles = u.Roles
		}
		if u == nil && a.sync != nil {
			if _, err := a.sync.UpsertFromClaims(ctx, claims); err != nil {
				logger.Warn("user sync failed", "principal", name, "error", err)
			}
		}
	}
	return models.Principal{Name: name, Roles: roles, Authenticated: true}, nil
}

func claimString(claims map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
