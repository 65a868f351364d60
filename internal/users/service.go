package users

import (
	"context"
	"strings"

	"github.com/obeci/obeci/backend/go-services/internal/models"
)

// Service encapsulates user-related business logic
type Service struct {
	dir Directory
}

func NewService(d Directory) *Service {
	return &Service{dir: d}
}

// Save validates and stores a user record.
func (s *Service) Save(ctx context.Context, u *models.User) (*models.User, error) {
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return nil, ErrMissingEmail
	}
	return s.dir.Save(ctx, u)
}

// UpsertFromClaims stores a user described by token claims; it returns
// (nil, nil) when the claims carry no email.
func (s *Service) UpsertFromClaims(ctx context.Context, claims map[string]interface{}) (*models.User, error) {
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, nil
	}
	name, _ := claims["preferred_username"].(string)
	if name == "" {
		name, _ = claims["name"].(string)
	}
	u := &models.User{Email: email, Username: name, Roles: RolesFromClaims(claims)}
	if prev, err := s.dir.FindByEmail(ctx, email); err != nil {
		return nil, err
	} else if prev != nil {
		u.ID = prev.ID
		if len(u.Roles) == 0 {
			u.Roles = prev.Roles
		}
	}
	return s.dir.Save(ctx, u)
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.dir.FindByEmail(ctx, email)
}

// RolesFromClaims reads roles from a "roles" claim or Keycloak's realm_access.roles.
func RolesFromClaims(claims map[string]interface{}) []string {
	var out []string
	collect := func(v interface{}) {
		switch rs := v.(type) {
		case []interface{}:
			for _, r := range rs {
				if s, ok := r.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		case []string:
			out = append(out, rs...)
		case string:
			for _, s := range strings.Fields(strings.ReplaceAll(rs, ",", " ")) {
				out = append(out, s)
			}
		}
	}
	collect(claims["roles"])
	if ra, ok := claims["realm_access"].(map[string]interface{}); ok {
		collect(ra["roles"])
	}
	return out
}
