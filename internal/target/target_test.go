package target

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/syncflow/internal/etl"
)

func records(keys ...string) []etl.StandardizedRecord {
	out := make([]etl.StandardizedRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, etl.StandardizedRecord{Key: k, SourceID: "src", Payload: map[string]any{"id": k, "name": "n-" + k}})
	}
	return out
}

func kindOf(t *testing.T, err error) *etl.Error {
	t.Helper()
	var e *etl.Error
	require.True(t, errors.As(err, &e), "expected *etl.Error, got %T: %v", err, err)
	return e
}

func TestMemoryTargetIsIdempotent(t *testing.T) {
	m := NewMemoryTarget()
	batch := &etl.LoadBatch{ID: "b1", Records: records("1", "2")}

	res, err := m.Load(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, res.Committed)
	assert.True(t, res.Success())

	_, err = m.Load(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"1", "2", "1", "2"}, m.Applied())

	rec, ok := m.Get("2")
	require.True(t, ok)
	assert.Equal(t, "n-2", rec.Payload["name"])
}

type fakeBulk struct {
	models []mongo.WriteModel
	opts   []*options.BulkWriteOptions
	err    error
}

func (f *fakeBulk) BulkWrite(_ context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	f.models, f.opts = models, opts
	if f.err != nil {
		return nil, f.err
	}
	return &mongo.BulkWriteResult{UpsertedCount: int64(len(models))}, nil
}

func TestMongoTargetUpsertsByKey(t *testing.T) {
	fake := &fakeBulk{}
	tgt := &MongoTarget{coll: fake}
	recs := records("a", "b")
	recs[0].Payload["_id"] = "ignored"
	recs[0].Timestamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: recs})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Committed)
	require.Len(t, fake.models, 2)
	require.NotNil(t, fake.opts[0].Ordered)
	assert.False(t, *fake.opts[0].Ordered)

	m := fake.models[0].(*mongo.UpdateOneModel)
	assert.Equal(t, bson.M{"_id": "a"}, m.Filter)
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)
	set := m.Update.(bson.M)["$set"].(bson.M)
	assert.NotContains(t, set, "_id")
	assert.Equal(t, "n-a", set["name"])
	assert.Equal(t, recs[0].Timestamp, set["_meta"].(bson.M)["recordTs"])
}

func TestMongoTargetMapsWriteErrorsPerRecord(t *testing.T) {
	fake := &fakeBulk{err: mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key"}},
		{WriteError: mongo.WriteError{Index: 2, Code: 91, Message: "shutdown in progress"}},
	}}}
	tgt := &MongoTarget{coll: fake}

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a", "b", "c")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Committed)
	require.Len(t, res.Failed, 2)

	assert.Equal(t, etl.CodeConstraint, kindOf(t, res.Failed["b"]).Code)
	assert.Equal(t, etl.KindTransient, kindOf(t, res.Failed["c"]).Kind)
}

func TestMongoTargetWholeBatchErrors(t *testing.T) {
	tgt := &MongoTarget{coll: &fakeBulk{err: context.DeadlineExceeded}}
	_, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a")})
	assert.Equal(t, etl.CodeTimeout, kindOf(t, err).Code)

	tgt = &MongoTarget{coll: &fakeBulk{err: mongo.BulkWriteException{WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"}}}}
	_, err = tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a")})
	assert.Equal(t, etl.CodeUnavailable, kindOf(t, err).Code)

	tgt = &MongoTarget{coll: &fakeBulk{err: errors.New("boom")}}
	_, err = tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a")})
	require.Error(t, err)
	assert.Equal(t, etl.CodeUnclassified, etl.Classify(err).Code)
}

type execCall struct {
	query string
	args  []any
}

type fakeExec struct {
	calls []execCall
	errs  map[int]error
}

func (f *fakeExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query, args})
	if err, ok := f.errs[len(f.calls)]; ok {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func TestMSSQLMergeStatement(t *testing.T) {
	tgt, err := newMSSQLTarget(&fakeExec{}, MSSQLOptions{
		Table:     "Customers",
		KeyColumn: "id",
		Columns:   ParseColumnMap([]string{"FullName:name", "rowversion:rv", "Tags:tags"}),
	})
	require.NoError(t, err)

	rec := etl.StandardizedRecord{Key: "7", Payload: map[string]any{"name": "Ada", "rv": "x", "tags": []string{"a", "b"}}}
	q, args, err := tgt.merge(rec)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(q, "MERGE INTO [dbo].[Customers] WITH (HOLDLOCK) AS t"))
	assert.Contains(t, q, "USING (SELECT @p1 AS [id], @p2 AS [FullName], @p3 AS [Tags]) AS s ON t.[id] = s.[id]")
	assert.Contains(t, q, "WHEN MATCHED THEN UPDATE SET t.[FullName] = s.[FullName], t.[Tags] = s.[Tags]")
	assert.Contains(t, q, "WHEN NOT MATCHED THEN INSERT ([id], [FullName], [Tags]) VALUES (s.[id], s.[FullName], s.[Tags]);")
	assert.NotContains(t, q, "rowversion")
	assert.Equal(t, []any{"7", "Ada", `["a","b"]`}, args)
}

func TestMSSQLMergeKeyOnly(t *testing.T) {
	tgt, err := newMSSQLTarget(&fakeExec{}, MSSQLOptions{Schema: "sales", Table: "ids"})
	require.NoError(t, err)
	q, args, err := tgt.merge(etl.StandardizedRecord{Key: "1", Payload: map[string]any{"dateCreated": "x"}})
	require.NoError(t, err)
	assert.NotContains(t, q, "WHEN MATCHED")
	assert.Contains(t, q, "[sales].[ids]")
	assert.Equal(t, []any{"1"}, args)
}

func TestMSSQLRejectsBadIdentifiers(t *testing.T) {
	_, err := newMSSQLTarget(&fakeExec{}, MSSQLOptions{Table: "users; DROP TABLE x"})
	require.Error(t, err)

	tgt, err := newMSSQLTarget(&fakeExec{}, MSSQLOptions{Table: "users"})
	require.NoError(t, err)
	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: []etl.StandardizedRecord{
		{Key: "1", Payload: map[string]any{"bad column": 1}},
	}})
	require.NoError(t, err)
	assert.Equal(t, etl.CodeConstraint, kindOf(t, res.Failed["1"]).Code)
}

func TestMSSQLLoadClassifiesPerRecord(t *testing.T) {
	fake := &fakeExec{errs: map[int]error{
		2: mssql.Error{Number: 2627, Message: "Violation of PRIMARY KEY constraint"},
		3: mssql.Error{Number: 1205, Message: "deadlock victim"},
	}}
	tgt, err := newMSSQLTarget(fake, MSSQLOptions{Table: "users"})
	require.NoError(t, err)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a", "b", "c", "d")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, res.Committed)
	assert.Equal(t, etl.KindPermanent, kindOf(t, res.Failed["b"]).Kind)
	assert.Equal(t, etl.KindTransient, kindOf(t, res.Failed["c"]).Kind)
}

func TestMSSQLLoadStopsOnConnectionLoss(t *testing.T) {
	fake := &fakeExec{errs: map[int]error{2: driver.ErrBadConn}}
	tgt, err := newMSSQLTarget(fake, MSSQLOptions{Table: "users"})
	require.NoError(t, err)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("a", "b", "c")})
	assert.Equal(t, etl.CodeConnection, kindOf(t, err).Code)
	assert.Equal(t, []string{"a"}, res.Committed)
	assert.Len(t, fake.calls, 2)
}

type fakeBatchResults struct {
	errs   map[int]error
	n      int
	closed bool
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	f.n++
	if err, ok := f.errs[f.n]; ok {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (f *fakeBatchResults) Close() error             { f.closed = true; return nil }

type fakeSender struct {
	batch   *pgx.Batch
	results *fakeBatchResults
}

func (f *fakeSender) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batch = b
	return f.results
}

func TestPostgresTargetCommitsBatch(t *testing.T) {
	sender := &fakeSender{results: &fakeBatchResults{}}
	tgt, err := newPostgresTarget(sender, "")
	require.NoError(t, err)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("1", "2", "3")})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, res.Committed)
	assert.Equal(t, 3, sender.batch.Len())
	assert.True(t, sender.results.closed)
	assert.Contains(t, sender.batch.QueuedQueries[0].SQL, `INSERT INTO "etl_records"`)
	assert.Contains(t, sender.batch.QueuedQueries[0].SQL, "ON CONFLICT (record_key) DO UPDATE")
}

func TestPostgresTargetConstraintAbortsBatch(t *testing.T) {
	sender := &fakeSender{results: &fakeBatchResults{errs: map[int]error{
		2: &pgconn.PgError{Code: "23502", Message: "null value in column"},
	}}}
	tgt, err := newPostgresTarget(sender, "public.records")
	require.NoError(t, err)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("1", "2", "3")})
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	assert.Equal(t, etl.CodeConstraint, kindOf(t, res.Failed["2"]).Code)
	assert.Equal(t, etl.KindTransient, kindOf(t, res.Failed["1"]).Kind)
	assert.Equal(t, etl.KindTransient, kindOf(t, res.Failed["3"]).Kind)
}

func TestPostgresTargetTransientBatchError(t *testing.T) {
	sender := &fakeSender{results: &fakeBatchResults{errs: map[int]error{
		1: &pgconn.PgError{Code: "40P01", Message: "deadlock detected"},
	}}}
	tgt, err := newPostgresTarget(sender, "records")
	require.NoError(t, err)

	res, err := tgt.Load(context.Background(), &etl.LoadBatch{Records: records("1", "2")})
	assert.Equal(t, etl.KindTransient, kindOf(t, err).Kind)
	assert.Empty(t, res.Committed)
}

func TestClassifyPostgres(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind etl.ErrorKind
		code string
	}{
		"unique":      {&pgconn.PgError{Code: "23505"}, etl.KindPermanent, etl.CodeConstraint},
		"bad data":    {&pgconn.PgError{Code: "22P02"}, etl.KindPermanent, etl.CodeConstraint},
		"serialize":   {&pgconn.PgError{Code: "40001"}, etl.KindTransient, "serialization"},
		"admin stop":  {&pgconn.PgError{Code: "57P01"}, etl.KindTransient, etl.CodeUnavailable},
		"syntax":      {&pgconn.PgError{Code: "42601"}, etl.KindPermanent, "sql_error"},
		"deadline":    {context.DeadlineExceeded, etl.KindTransient, etl.CodeTimeout},
		"unexpected":  {errors.New("what"), etl.KindPermanent, etl.CodeUnclassified},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := etl.Classify(classifyPostgres(tc.err))
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, tc.code, e.Code)
		})
	}
}
