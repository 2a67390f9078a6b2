package source

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
	"github.com/BartekS5/syncflow/pkg/utils"
)

type finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// MongoSource pages through a collection ordered by KeyField. The cursor
// position is the last key as canonical Extended JSON so its BSON type
// survives the checkpoint round trip.
type MongoSource struct {
	client   *mongo.Client
	coll     finder
	keyField string
}

func NewMongoSource(client *mongo.Client, database, collection, keyField string) *MongoSource {
	if keyField == "" {
		keyField = "_id"
	}
	return &MongoSource{client: client, coll: client.Database(database).Collection(collection), keyField: keyField}
}

func encodeKey(v interface{}) (string, error) {
	data, err := bson.MarshalExtJSON(bson.M{"k": v}, true, false)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeKey(pos string) (interface{}, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON([]byte(pos), true, &doc); err != nil {
		return nil, err
	}
	v, ok := doc["k"]
	if !ok {
		return nil, errors.New("cursor has no key")
	}
	return v, nil
}

func (m *MongoSource) Fetch(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	filter := bson.M{}
	if cursor.Position != "" {
		last, err := decodeKey(cursor.Position)
		if err != nil {
			return nil, etl.Permanent("bad_cursor", fmt.Errorf("decode cursor %q: %w", cursor.Position, err))
		}
		filter[m.keyField] = bson.M{"$gt": last}
	}

	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: m.keyField, Value: 1}})
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongoRead(err)
	}
	defer cur.Close(ctx)

	batch := &etl.Batch{Next: etl.Cursor{Position: cursor.Position}}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, etl.MalformedResponseError(fmt.Errorf("decode document: %w", err))
		}
		key := doc[m.keyField]
		pos, err := encodeKey(key)
		if err != nil {
			return nil, etl.MalformedResponseError(fmt.Errorf("encode key: %w", err))
		}
		batch.Records = append(batch.Records, etl.RawRecord{Position: utils.ConvertToString(key), Payload: map[string]any(doc)})
		batch.Next.Position = pos
	}
	if err := cur.Err(); err != nil {
		return nil, classifyMongoRead(err)
	}
	batch.HasMore = len(batch.Records) == limit
	return batch, nil
}

func classifyMongoRead(err error) error {
	switch {
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return etl.TimeoutError(err)
	case mongo.IsNetworkError(err):
		return etl.ConnectionError(err)
	default:
		return fmt.Errorf("mongo find: %w", err)
	}
}

func (m *MongoSource) Close() error {
	if m.client == nil {
		return nil
	}
	return database.DisconnectMongo(m.client)
}
