package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/utils"
)

const DefaultPostgresTable = "etl_records"

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresTarget upserts records into a (record_key, source_id,
// schema_version, record_ts, payload) table. A batch is sent as one pgx.Batch
// and is applied all-or-nothing: when one record is rejected the others are
// reported as transient failures so they are retried without it.
type PostgresTarget struct {
	pool   batchSender
	closer func()
	table  string
}

func NewPostgresTarget(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresTarget, error) {
	t, err := newPostgresTarget(pool, table)
	if err != nil {
		return nil, err
	}
	t.closer = pool.Close
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		record_key     TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL,
		schema_version INT NOT NULL DEFAULT 0,
		record_ts      TIMESTAMPTZ,
		payload        JSONB NOT NULL,
		loaded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, t.table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create target table: %w", err)
	}
	return t, nil
}

func newPostgresTarget(pool batchSender, table string) (*PostgresTarget, error) {
	if table == "" {
		table = DefaultPostgresTable
	}
	if err := utils.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("postgres target: %w", err)
	}
	return &PostgresTarget{pool: pool, table: utils.QuoteIdentifier(table, `"`, `"`)}, nil
}

func (t *PostgresTarget) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (record_key, source_id, schema_version, record_ts, payload, loaded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (record_key) DO UPDATE
		SET source_id = EXCLUDED.source_id,
		    schema_version = EXCLUDED.schema_version,
		    record_ts = EXCLUDED.record_ts,
		    payload = EXCLUDED.payload,
		    loaded_at = EXCLUDED.loaded_at`, t.table)
}

func (t *PostgresTarget) Load(ctx context.Context, batch *etl.LoadBatch) (etl.LoadResult, error) {
	res := etl.LoadResult{}
	if len(batch.Records) == 0 {
		return res, nil
	}

	q := t.upsertSQL()
	b := &pgx.Batch{}
	queued := make([]etl.StandardizedRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			if res.Failed == nil {
				res.Failed = map[string]error{}
			}
			res.Failed[rec.Key] = etl.ConstraintError(fmt.Errorf("encode payload: %w", err))
			continue
		}
		var ts *time.Time
		if !rec.Timestamp.IsZero() {
			v := rec.Timestamp.UTC()
			ts = &v
		}
		b.Queue(q, rec.Key, rec.SourceID, rec.SchemaVersion, ts, payload)
		queued = append(queued, rec)
	}
	if len(queued) == 0 {
		return res, nil
	}

	br := t.pool.SendBatch(ctx, b)
	for i, rec := range queued {
		if _, err := br.Exec(); err != nil {
			br.Close()
			cerr := classifyPostgres(err)
			var e *etl.Error
			if !errors.As(cerr, &e) || e.Kind != etl.KindPermanent || e.Code != etl.CodeConstraint {
				return etl.LoadResult{Failed: res.Failed}, cerr
			}
			if res.Failed == nil {
				res.Failed = map[string]error{}
			}
			res.Failed[rec.Key] = cerr
			for j, other := range queued {
				if j != i {
					res.Failed[other.Key] = etl.Transient("batch_aborted", fmt.Errorf("batch rolled back after %s was rejected", rec.Key))
				}
			}
			return res, nil
		}
	}
	if err := br.Close(); err != nil {
		return etl.LoadResult{Failed: res.Failed}, classifyPostgres(err)
	}
	for _, rec := range queued {
		res.Committed = append(res.Committed, rec.Key)
	}
	return res, nil
}

// classifyPostgres maps SQLSTATE classes: 23 (integrity) and 22 (data) are
// permanent per record, serialization failures and deadlocks are transient.
func classifyPostgres(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return etl.TimeoutError(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return etl.ConstraintError(err)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return etl.Transient("serialization", err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return etl.UnavailableError(err)
		default:
			return etl.Permanent("sql_error", err)
		}
	}
	if pgconn.Timeout(err) {
		return etl.TimeoutError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return etl.ConnectionError(err)
	}
	return fmt.Errorf("postgres batch: %w", err)
}

func (t *PostgresTarget) Close() error {
	if t.closer != nil {
		t.closer()
	}
	return nil
}
