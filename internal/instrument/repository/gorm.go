package repository

import (
	"context"
	"errors"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"gorm.io/gorm"
)

// GormStore implements Store on a SQL database (postgres or sqlite).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the schema. version is NOT NULL DEFAULT 0 from the start.
func (g *GormStore) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&instrument.Document{}, &instrument.ChangeLogEntry{})
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormStore) GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	var d instrument.Document
	if err := g.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (g *GormStore) CreateEmpty(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	now := time.Now().UTC()
	d := &instrument.Document{
		ID:        newDocumentID(),
		OwnerID:   ownerID,
		Snapshot:  instrument.DefaultSnapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.db.WithContext(ctx).Create(d).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return d, nil
}

func (g *GormStore) CompareAndSwap(ctx context.Context, documentID string, expected *int64, snapshot string) (*instrument.Document, error) {
	var out instrument.Document
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&instrument.Document{}).Where("id = ?", documentID)
		if expected != nil {
			q = q.Where("version = ?", *expected)
		}
		res := q.Updates(map[string]interface{}{
			"snapshot":   snapshot,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var cur instrument.Document
			if err := tx.Where("id = ?", documentID).Take(&cur).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			exp := cur.Version
			if expected != nil {
				exp = *expected
			}
			return &VersionConflictError{Expected: exp, Actual: cur.Version}
		}
		return tx.Where("id = ?", documentID).Take(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GormStore) Append(ctx context.Context, e *instrument.ChangeLogEntry) (*instrument.ChangeLogEntry, error) {
	cp := *e
	cp.ID = newEntryID()
	cp.CreatedAt = time.Now().UTC()
	if err := g.db.WithContext(ctx).Create(&cp).Error; err != nil {
		return nil, err
	}
	return &cp, nil
}

func (g *GormStore) ListRecent(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error) {
	out := []*instrument.ChangeLogEntry{}
	err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").Order("id DESC").
		Limit(ClampLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
