package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/utils"
)

const DefaultTable = "etl_checkpoints"

// PostgresStore keeps checkpoints in one row per source. The conditional
// upsert makes the sequence check and the write a single statement.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := utils.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("checkpoint table: %w", err)
	}
	s := &PostgresStore{pool: pool, table: utils.QuoteIdentifier(table, `"`, `"`), now: time.Now}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_id         TEXT PRIMARY KEY,
		position          TEXT NOT NULL DEFAULT '',
		sequence          BIGINT NOT NULL DEFAULT 0,
		last_committed_at TIMESTAMPTZ,
		run_status        TEXT NOT NULL DEFAULT 'INIT'
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sourceID string) (etl.Checkpoint, error) {
	q := fmt.Sprintf(`SELECT position, sequence, last_committed_at, run_status FROM %s WHERE source_id = $1`, s.table)

	cp := initial(sourceID)
	var committedAt *time.Time
	var status string
	err := s.pool.QueryRow(ctx, q, sourceID).Scan(&cp.Cursor.Position, &cp.Cursor.Sequence, &committedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return etl.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sourceID, err)
	}
	if committedAt != nil {
		cp.LastCommittedAt = committedAt.UTC()
	}
	cp.RunStatus = etl.RunStatus(status)
	return cp, nil
}

func (s *PostgresStore) Commit(ctx context.Context, sourceID string, cursor etl.Cursor) error {
	if cursor.Sequence <= 0 {
		return fmt.Errorf("%w: source %s got sequence %d", etl.ErrCursorRegression, sourceID, cursor.Sequence)
	}
	q := fmt.Sprintf(`INSERT INTO %[1]s (source_id, position, sequence, last_committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE
		SET position = EXCLUDED.position,
		    sequence = EXCLUDED.sequence,
		    last_committed_at = EXCLUDED.last_committed_at
		WHERE %[1]s.sequence < EXCLUDED.sequence`, s.table)

	tag, err := s.pool.Exec(ctx, q, sourceID, cursor.Position, cursor.Sequence, s.now().UTC())
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: source %s already at or past sequence %d", etl.ErrCursorRegression, sourceID, cursor.Sequence)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, sourceID string, status etl.RunStatus) error {
	q := fmt.Sprintf(`INSERT INTO %s (source_id, run_status) VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE SET run_status = EXCLUDED.run_status`, s.table)
	if _, err := s.pool.Exec(ctx, q, sourceID, string(status)); err != nil {
		return fmt.Errorf("set status of %s: %w", sourceID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
