package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrMissingEmail = errors.New("user email is required")

// Directory resolves principals to user records. FindByEmail returns
// (nil, nil) when no user matches.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Save(ctx context.Context, u *models.User) (*models.User, error)
}

// MongoDirectory implements Directory using MongoDB
type MongoDirectory struct {
	col *mongo.Collection
}

func NewMongoDirectory(col *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{col: col}
}

// EnsureIndexes creates the unique email index.
func (r *MongoDirectory) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_email"),
	})
	return err
}

func (r *MongoDirectory) Save(ctx context.Context, u *models.User) (*models.User, error) {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Email = normalizeEmail(u.Email)
	if u.ID == 0 {
		id, err := r.resolveID(ctx, u.Email)
		if err != nil {
			return nil, err
		}
		u.ID = id
	}

	filter := bson.M{"_id": u.ID}
	upd := bson.M{
		"$set": bson.M{
			"email":     u.Email,
			"username":  u.Username,
			"roles":     u.Roles,
			"updatedAt": u.UpdatedAt,
		},
		"$setOnInsert": bson.M{"createdAt": u.CreatedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var updated models.User
	if err := r.col.FindOneAndUpdate(ctx, filter, upd, opts).Decode(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// resolveID reuses the id of an existing record with the same email or
// allocates the next value of the "users" sequence.
func (r *MongoDirectory) resolveID(ctx context.Context, email string) (int64, error) {
	prev, err := r.FindByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if prev != nil {
		return prev.ID, nil
	}
	counters := r.col.Database().Collection("counters")
	var seq struct {
		Value int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err = counters.FindOneAndUpdate(ctx, bson.M{"_id": r.col.Name()}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).Decode(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Value, nil
}

func (r *MongoDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.col.FindOne(ctx, bson.M{"email": normalizeEmail(email)}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// MemoryDirectory is an in-memory Directory for tests and the memory store driver.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byEmail map[string]*models.User
	nextID  int64
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byEmail: map[string]*models.User{}}
}

func (m *MemoryDirectory) Save(ctx context.Context, u *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Email = normalizeEmail(cp.Email)
	cp.Roles = append([]string(nil), u.Roles...)
	now := time.Now().UTC()
	if prev, ok := m.byEmail[cp.Email]; ok {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	} else {
		if cp.ID == 0 {
			m.nextID++
			cp.ID = m.nextID
		} else if cp.ID > m.nextID {
			m.nextID = cp.ID
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	}
	cp.UpdatedAt = now
	m.byEmail[cp.Email] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
