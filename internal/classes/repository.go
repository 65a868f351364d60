package classes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Directory resolves owning classes. FindByID returns (nil, nil) when absent.
type Directory interface {
	FindByID(ctx context.Context, id int64) (*models.Class, error)
	Save(ctx context.Context, c *models.Class) (*models.Class, error)
}

type MongoDirectory struct {
	col *mongo.Collection
}

func NewMongoDirectory(col *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{col: col}
}

func (r *MongoDirectory) FindByID(ctx context.Context, id int64) (*models.Class, error) {
	var c models.Class
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *MongoDirectory) Save(ctx context.Context, c *models.Class) (*models.Class, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.EditorIDs == nil {
		c.EditorIDs = []int64{}
	}
	upd := bson.M{
		"$set": bson.M{
			"schoolId":  c.SchoolID,
			"name":      c.Name,
			"shift":     c.Shift,
			"active":    c.Active,
			"editorIds": c.EditorIDs,
			"updatedAt": c.UpdatedAt,
		},
		"$setOnInsert": bson.M{"createdAt": c.CreatedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var saved models.Class
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": c.ID}, upd, opts).Decode(&saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	mu   sync.RWMutex
	byID map[int64]*models.Class
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byID: map[int64]*models.Class{}}
}

func (m *MemoryDirectory) FindByID(ctx context.Context, id int64) (*models.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.EditorIDs = append([]int64(nil), c.EditorIDs...)
	return &cp, nil
}

func (m *MemoryDirectory) Save(ctx context.Context, c *models.Class) (*models.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.EditorIDs = append([]int64(nil), c.EditorIDs...)
	now := time.Now().UTC()
	if prev, ok := m.byID[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.byID[cp.ID] = &cp
	out := cp
	return &out, nil
}
