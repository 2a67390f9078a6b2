package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
)

const DefaultCollection = "etl_checkpoints"

// MongoStore keeps one document per source keyed by _id. Commit filters on
// the stored sequence, so a stale cursor misses the filter and the upsert
// fails on the duplicate _id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		now:    time.Now,
	}
}

func (s *MongoStore) Load(ctx context.Context, sourceID string) (etl.Checkpoint, error) {
	var cp etl.Checkpoint
	err := s.coll.FindOne(ctx, bson.M{"_id": sourceID}).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return initial(sourceID), nil
	}
	if err != nil {
		return etl.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sourceID, err)
	}
	return cp, nil
}

func (s *MongoStore) Commit(ctx context.Context, sourceID string, cursor etl.Cursor) error {
	cursor.SourceID = sourceID
	filter := bson.M{"_id": sourceID, "cursor.sequence": bson.M{"$lt": cursor.Sequence}}
	update := bson.M{
		"$set":         bson.M{"cursor": cursor, "lastCommittedAt": s.now().UTC()},
		"$setOnInsert": bson.M{"runStatus": etl.StatusRunning},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: source %s already at or past sequence %d", etl.ErrCursorRegression, sourceID, cursor.Sequence)
	}
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", sourceID, err)
	}
	return nil
}

func (s *MongoStore) SetStatus(ctx context.Context, sourceID string, status etl.RunStatus) error {
	update := bson.M{
		"$set":         bson.M{"runStatus": status},
		"$setOnInsert": bson.M{"cursor": etl.Cursor{SourceID: sourceID}},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": sourceID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set status of %s: %w", sourceID, err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	return database.DisconnectMongo(s.client)
}
