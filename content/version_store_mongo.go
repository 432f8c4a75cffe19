package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultMongoVersionDocID = "default"

// mongoVersionDoc is the BSON document schema for the version record.
type mongoVersionDoc struct {
	ID             string            `bson:"_id"`
	DatasetVersion string            `bson:"dataset_version"`
	Collections    map[string]string `bson:"collections"`
	LastSyncedAt   *time.Time        `bson:"last_synced_at,omitempty"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

// MongoVersionStore implements VersionStore with one document per DocID in
// a MongoDB collection. The caller owns the mongo.Client lifecycle.
type MongoVersionStore struct {
	Collection *mongo.Collection
	DocID      string
}

// NewMongoVersionStore creates a MongoVersionStore. An empty docID selects
// "default", which lets several installs share one collection.
func NewMongoVersionStore(collection *mongo.Collection, docID string) *MongoVersionStore {
	if docID == "" {
		docID = defaultMongoVersionDocID
	}
	return &MongoVersionStore{Collection: collection, DocID: docID}
}

func (s *MongoVersionStore) Get(ctx context.Context) (VersionRecord, error) {
	var doc mongoVersionDoc
	err := s.Collection.FindOne(ctx, bson.M{"_id": s.DocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return DefaultVersionRecord(), nil
		}
		return VersionRecord{}, fmt.Errorf("read version record: %w", err)
	}
	rec := VersionRecord{
		DatasetVersion: doc.DatasetVersion,
		Collections:    doc.Collections,
		LastSyncedAt:   doc.LastSyncedAt,
	}
	rec.normalize()
	return rec, nil
}

func (s *MongoVersionStore) upsert(ctx context.Context, update bson.M) error {
	set, _ := update["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
		update["$set"] = set
	}
	set["updated_at"] = time.Now().UTC()

	_, err := s.Collection.UpdateOne(ctx,
		bson.M{"_id": s.DocID},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *MongoVersionStore) SetCollectionVersion(ctx context.Context, key, version string) error {
	if err := s.upsert(ctx, bson.M{"$set": bson.M{"collections." + key: version}}); err != nil {
		return fmt.Errorf("set collection version %s: %w", key, err)
	}
	return nil
}

func (s *MongoVersionStore) ClearCollectionVersion(ctx context.Context, key string) error {
	if err := s.upsert(ctx, bson.M{"$unset": bson.M{"collections." + key: ""}}); err != nil {
		return fmt.Errorf("clear collection version %s: %w", key, err)
	}
	return nil
}

func (s *MongoVersionStore) SetDatasetVersion(ctx context.Context, version string) error {
	if err := s.upsert(ctx, bson.M{"$set": bson.M{"dataset_version": version}}); err != nil {
		return fmt.Errorf("set dataset version: %w", err)
	}
	return nil
}

func (s *MongoVersionStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	if err := s.upsert(ctx, bson.M{"$set": bson.M{"last_synced_at": t.UTC()}}); err != nil {
		return fmt.Errorf("set last synced at: %w", err)
	}
	return nil
}

func (s *MongoVersionStore) Reset(ctx context.Context) error {
	if _, err := s.Collection.DeleteOne(ctx, bson.M{"_id": s.DocID}); err != nil {
		return fmt.Errorf("reset version record: %w", err)
	}
	return nil
}
