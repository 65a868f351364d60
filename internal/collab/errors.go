package collab

import (
	"errors"
	"fmt"

	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
)

var (
	ErrDocumentNotFound = errors.New("instrument document not found")
	ErrSerialization    = errors.New("snapshot serialization failed")
	ErrUpdateFailed     = errors.New("update failed")
	ErrRateLimited      = errors.New("too many updates")
	ErrUnhandled        = errors.New("unhandled error")
	ErrVersionConflict  = repository.ErrVersionConflict
)

// SerializationError wraps a snapshot that has no canonical form.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("snapshot serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// Code maps an error from the update or subscribe path to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, access.ErrUnauthenticated):
		return instrument.CodeUnauthenticated
	case access.IsDenied(err):
		return instrument.CodeForbidden
	case errors.Is(err, ErrVersionConflict):
		return instrument.CodeVersionConflict
	case errors.Is(err, ErrUnhandled):
		return instrument.CodeUnhandled
	default:
		return instrument.CodeUpdateFailed
	}
}
