// Package access decides whether a principal may read or edit the
// instrument document of a class.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/obeci/obeci/backend/go-services/internal/models"
)

// Deny reasons. Authorize wraps them in a *DenyError.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("owner not found")
)

// DenyError is a policy decision, as opposed to a lookup failure.
type DenyError struct {
	Reason  error
	OwnerID int64
	Detail  string
}

func (e *DenyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("access denied for owner %d: %v", e.OwnerID, e.Reason)
	}
	return fmt.Sprintf("access denied for owner %d: %v: %s", e.OwnerID, e.Reason, e.Detail)
}

func (e *DenyError) Unwrap() error { return e.Reason }

// IsDenied reports whether err is a policy denial.
func IsDenied(err error) bool {
	var d *DenyError
	return errors.As(err, &d)
}

// UserLookup finds directory users by principal name; (nil, nil) when absent.
type UserLookup interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// ClassLookup finds owning classes; (nil, nil) when absent.
type ClassLookup interface {
	FindByID(ctx context.Context, id int64) (*models.Class, error)
}

// Gate is shared by the subscribe and publish paths so both apply the
// same policy.
type Gate struct {
	users   UserLookup
	classes ClassLookup
}

func NewGate(users UserLookup, classes ClassLookup) *Gate {
	return &Gate{users: users, classes: classes}
}

// Authorize returns nil when p may access ownerID's document, a *DenyError
// for policy denials, and a plain error when a lookup fails.
func (g *Gate) Authorize(ctx context.Context, ownerID int64, p *models.Principal) error {
	if p == nil || !p.Authenticated || p.Name == "" {
		return &DenyError{Reason: ErrUnauthenticated, OwnerID: ownerID}
	}
	if ownerID <= 0 {
		return &DenyError{Reason: ErrNotFound, OwnerID: ownerID, Detail: "invalid owner id"}
	}
	if p.IsAdmin() {
		return nil
	}
	u, err := g.users.FindByEmail(ctx, p.Name)
	if err != nil {
		return fmt.Errorf("resolve principal %q: %w", p.Name, err)
	}
	if u == nil {
		return &DenyError{Reason: ErrForbidden, OwnerID: ownerID, Detail: "principal has no directory record"}
	}
	c, err := g.classes.FindByID(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve owner %d: %w", ownerID, err)
	}
	if c == nil {
		return &DenyError{Reason: ErrNotFound, OwnerID: ownerID}
	}
	if !c.HasEditor(u.ID) {
		return &DenyError{Reason: ErrForbidden, OwnerID: ownerID, Detail: "not an editor of this class"}
	}
	return nil
}
