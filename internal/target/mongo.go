package target

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
	"github.com/BartekS5/syncflow/pkg/logger"
)

// Mongo server error codes treated as per-record constraint violations.
const (
	mongoDuplicateKey      = 11000
	mongoDocumentValidator = 121
)

type bulkWriter interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// MongoTarget upserts each record as a document whose _id is the record key.
type MongoTarget struct {
	client *mongo.Client
	coll   bulkWriter
}

func NewMongoTarget(client *mongo.Client, database, collection string) *MongoTarget {
	return &MongoTarget{client: client, coll: client.Database(database).Collection(collection)}
}

func document(rec etl.StandardizedRecord) bson.M {
	doc := make(bson.M, len(rec.Payload)+1)
	for k, v := range rec.Payload {
		if k == "_id" {
			continue
		}
		doc[k] = v
	}
	meta := bson.M{"sourceId": rec.SourceID, "schemaVersion": rec.SchemaVersion}
	if !rec.Timestamp.IsZero() {
		meta["recordTs"] = rec.Timestamp
	}
	doc["_meta"] = meta
	return doc
}

func (m *MongoTarget) Load(ctx context.Context, batch *etl.LoadBatch) (etl.LoadResult, error) {
	res := etl.LoadResult{}
	if len(batch.Records) == 0 {
		return res, nil
	}

	writes := make([]mongo.WriteModel, 0, len(batch.Records))
	for _, rec := range batch.Records {
		model := mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": rec.Key}).
			SetUpdate(bson.M{"$set": document(rec)}).
			SetUpsert(true)
		writes = append(writes, model)
	}

	out, err := m.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
			return res, classifyMongo(err)
		}
		res.Failed = make(map[string]error, len(bwe.WriteErrors))
		for _, we := range bwe.WriteErrors {
			if we.Index < 0 || we.Index >= len(batch.Records) {
				continue
			}
			key := batch.Records[we.Index].Key
			werr := fmt.Errorf("mongo write error %d: %s", we.Code, we.Message)
			switch we.Code {
			case mongoDuplicateKey, mongoDocumentValidator:
				res.Failed[key] = etl.ConstraintError(werr)
			default:
				res.Failed[key] = etl.Transient("mongo_write", werr)
			}
		}
	}

	for _, rec := range batch.Records {
		if _, failed := res.Failed[rec.Key]; !failed {
			res.Committed = append(res.Committed, rec.Key)
		}
	}
	if out != nil {
		logger.Debugf("Mongo BulkWrite: Match %d, Mod %d, Upsert %d", out.MatchedCount, out.ModifiedCount, out.UpsertedCount)
	}
	return res, nil
}

func classifyMongo(err error) error {
	switch {
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return etl.TimeoutError(err)
	case mongo.IsNetworkError(err):
		return etl.ConnectionError(err)
	default:
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && bwe.WriteConcernError != nil {
			return etl.UnavailableError(err)
		}
		return fmt.Errorf("mongo bulk write: %w", err)
	}
}

func (m *MongoTarget) Close() error {
	if m.client == nil {
		return nil
	}
	return database.DisconnectMongo(m.client)
}
