package repository

import (
	"context"
	"errors"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on two collections: documents keyed by a
// string _id with a unique ownerId index, and change-log entries.
type MongoStore struct {
	docs    *mongo.Collection
	changes *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		docs:    db.Collection("instrument_documents"),
		changes: db.Collection("instrument_change_logs"),
	}
}

// Migrate creates the indexes the store relies on.
func (m *MongoStore) Migrate(ctx context.Context) error {
	if _, err := m.docs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ownerId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_owner"),
	}); err != nil {
		return err
	}
	_, err := m.changes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("owner_recent"),
	})
	return err
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.docs.Database().Client().Ping(ctx, nil)
}

// BackfillVersions sets version 0 on legacy documents stored without one.
func (m *MongoStore) BackfillVersions(ctx context.Context) (int64, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"version": bson.M{"$exists": false}},
		bson.M{"version": nil},
	}}
	res, err := m.docs.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"version": int64(0)}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (m *MongoStore) GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	var d instrument.Document
	if err := m.docs.FindOne(ctx, bson.M{"ownerId": ownerID}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (m *MongoStore) CreateEmpty(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	now := time.Now().UTC()
	d := &instrument.Document{
		ID:        newDocumentID(),
		OwnerID:   ownerID,
		Snapshot:  instrument.DefaultSnapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := m.docs.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return d, nil
}

func (m *MongoStore) CompareAndSwap(ctx context.Context, documentID string, expected *int64, snapshot string) (*instrument.Document, error) {
	filter := bson.M{"_id": documentID}
	if expected != nil {
		filter["version"] = *expected
	}
	update := bson.M{
		"$set": bson.M{"snapshot": snapshot, "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"version": int64(1)},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d instrument.Document
	err := m.docs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if expected == nil {
		return nil, ErrNotFound
	}
	var cur instrument.Document
	if err := m.docs.FindOne(ctx, bson.M{"_id": documentID}).Decode(&cur); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return nil, &VersionConflictError{Expected: *expected, Actual: cur.Version}
}

func (m *MongoStore) Append(ctx context.Context, e *instrument.ChangeLogEntry) (*instrument.ChangeLogEntry, error) {
	cp := *e
	cp.ID = newEntryID()
	cp.CreatedAt = time.Now().UTC()
	if _, err := m.changes.InsertOne(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MongoStore) ListRecent(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(ClampLimit(limit)))
	cur, err := m.changes.Find(ctx, bson.M{"ownerId": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*instrument.ChangeLogEntry{}
	for cur.Next(ctx) {
		var e instrument.ChangeLogEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, cur.Err()
}
