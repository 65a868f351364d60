package service

import (
	"context"
	"errors"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
)

var (
	ErrNotFound = errors.New("not found")
)

// Service exposes document lifecycle operations on top of a Store.
type Service struct {
	store repository.Store
}

func New(store repository.Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	d, err := s.store.GetByOwner(ctx, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return d, err
}

// EnsureForOwner returns the owner's document, creating it when missing.
// A concurrent creator winning the unique-owner race is resolved by
// reading back its document.
func (s *Service) EnsureForOwner(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	d, err := s.store.GetByOwner(ctx, ownerID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	d, err = s.store.CreateEmpty(ctx, ownerID)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return s.store.GetByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("instrument provisioned", "ownerId", ownerID, "documentId", d.ID)
	return d, nil
}

// RecentChanges lists the owner's change log, newest first.
func (s *Service) RecentChanges(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error) {
	return s.store.ListRecent(ctx, ownerID, repository.ClampLimit(limit))
}
