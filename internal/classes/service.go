package classes

import (
	"context"
	"errors"
	"fmt"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/models"
)

var ErrInvalidClass = errors.New("class id must be positive")

// Provisioner creates the instrument document of a class.
type Provisioner interface {
	EnsureForOwner(ctx context.Context, ownerID int64) (*instrument.Document, error)
}

type Service struct {
	dir         Directory
	provisioner Provisioner
}

func NewService(d Directory, p Provisioner) *Service {
	return &Service{dir: d, provisioner: p}
}

// Register saves the class and provisions its instrument document.
func (s *Service) Register(ctx context.Context, c *models.Class) (*models.Class, *instrument.Document, error) {
	if c == nil || c.ID <= 0 {
		return nil, nil, ErrInvalidClass
	}
	saved, err := s.dir.Save(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("save class: %w", err)
	}
	doc, err := s.provisioner.EnsureForOwner(ctx, saved.ID)
	if err != nil {
		return saved, nil, fmt.Errorf("provision instrument: %w", err)
	}
	return saved, doc, nil
}

func (s *Service) FindByID(ctx context.Context, id int64) (*models.Class, error) {
	return s.dir.FindByID(ctx, id)
}
