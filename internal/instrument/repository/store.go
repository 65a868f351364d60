package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound        = errors.New("instrument document not found")
	ErrAlreadyExists   = errors.New("instrument document already exists for owner")
	ErrVersionConflict = errors.New("version conflict")
)

// VersionConflictError reports a rejected compare-and-swap.
// errors.Is(err, ErrVersionConflict) holds for it.
type VersionConflictError struct {
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// DocumentStore persists one Document per owner.
type DocumentStore interface {
	GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error)
	// CreateEmpty inserts the default document for ownerID. Owner
	// uniqueness is enforced by the backend; a duplicate yields ErrAlreadyExists.
	CreateEmpty(ctx context.Context, ownerID int64) (*instrument.Document, error)
	// CompareAndSwap writes snapshot and bumps the version by one in a single
	// atomic step. A nil expected skips the version check.
	CompareAndSwap(ctx context.Context, documentID string, expected *int64, snapshot string) (*instrument.Document, error)
}

// ChangeLog is the append-only audit trail of document edits.
type ChangeLog interface {
	Append(ctx context.Context, e *instrument.ChangeLogEntry) (*instrument.ChangeLogEntry, error)
	ListRecent(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error)
}

// Store is implemented by every backend.
type Store interface {
	DocumentStore
	ChangeLog
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

const (
	MinListLimit = 1
	MaxListLimit = 200
)

// ClampLimit bounds a requested list size to [1, 200].
func ClampLimit(n int) int {
	if n < MinListLimit {
		return MinListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

func newDocumentID() string { return uuid.NewString() }

func newEntryID() string { return ulid.Make().String() }

// isUniqueViolation catches driver errors not translated by gorm.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
