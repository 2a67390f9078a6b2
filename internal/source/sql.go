package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
	"github.com/BartekS5/syncflow/pkg/utils"
)

type dialect struct {
	open, close string
	placeholder func(n int) string
	topN        bool
}

var dialects = map[string]dialect{
	"sqlserver": {open: "[", close: "]", placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) }, topN: true},
	"postgres":  {open: `"`, close: `"`, placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }},
	"mysql":     {open: "`", close: "`", placeholder: func(int) string { return "?" }},
}

type SQLOptions struct {
	Driver    string
	Table     string
	KeyColumn string
	// Columns defaults to every column.
	Columns []string
}

// SQLSource pages through a table in key order. The cursor position is the
// last key read, so a re-fetch after a crash returns the same rows.
type SQLSource struct {
	db      *sql.DB
	dialect dialect
	table   string
	key     string
	keyRaw  string
	columns string
}

func NewSQLSource(db *sql.DB, opts SQLOptions) (*SQLSource, error) {
	name, err := database.DriverName(opts.Driver)
	if err != nil {
		return nil, err
	}
	d := dialects[name]
	if opts.KeyColumn == "" {
		opts.KeyColumn = "id"
	}
	if err := utils.ValidateIdentifier(opts.Table); err != nil {
		return nil, fmt.Errorf("sql source table: %w", err)
	}
	if err := utils.ValidateIdentifier(opts.KeyColumn); err != nil {
		return nil, fmt.Errorf("sql source key: %w", err)
	}

	cols := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, 0, len(opts.Columns)+1)
		hasKey := false
		for _, c := range opts.Columns {
			if err := utils.ValidateIdentifier(c); err != nil {
				return nil, fmt.Errorf("sql source column: %w", err)
			}
			hasKey = hasKey || c == opts.KeyColumn
			quoted = append(quoted, utils.QuoteIdentifier(c, d.open, d.close))
		}
		if !hasKey {
			quoted = append([]string{utils.QuoteIdentifier(opts.KeyColumn, d.open, d.close)}, quoted...)
		}
		cols = strings.Join(quoted, ", ")
	}

	return &SQLSource{
		db:      db,
		dialect: d,
		table:   utils.QuoteIdentifier(opts.Table, d.open, d.close),
		key:     utils.QuoteIdentifier(opts.KeyColumn, d.open, d.close),
		keyRaw:  opts.KeyColumn,
		columns: cols,
	}, nil
}

// query builds the keyset page statement and its arguments.
func (s *SQLSource) query(cursor etl.Cursor, limit int) (string, []any) {
	var where string
	var args []any
	if s.dialect.topN {
		args = append(args, limit)
		if cursor.Position != "" {
			args = append(args, cursor.Position)
			where = fmt.Sprintf(" WHERE %s > %s", s.key, s.dialect.placeholder(2))
		}
		return fmt.Sprintf("SELECT TOP (%s) %s FROM %s%s ORDER BY %s",
			s.dialect.placeholder(1), s.columns, s.table, where, s.key), args
	}

	if cursor.Position != "" {
		args = append(args, cursor.Position)
		where = fmt.Sprintf(" WHERE %s > %s", s.key, s.dialect.placeholder(1))
	}
	args = append(args, limit)
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT %s",
		s.columns, s.table, where, s.key, s.dialect.placeholder(len(args))), args
}

func (s *SQLSource) Fetch(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	q, args := s.query(cursor, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQL(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifySQL(err)
	}

	batch := &etl.Batch{Next: etl.Cursor{Position: cursor.Position}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifySQL(err)
		}

		m := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				m[col] = string(b)
			} else {
				m[col] = values[i]
			}
		}
		pos := utils.ConvertToString(m[s.keyRaw])
		batch.Records = append(batch.Records, etl.RawRecord{Position: pos, Payload: m})
		batch.Next.Position = pos
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQL(err)
	}
	batch.HasMore = len(batch.Records) == limit
	return batch, nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// classifySQL marks connectivity, deadlock and serialization errors of any
// of the three drivers as transient; other server errors are permanent.
func classifySQL(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return etl.TimeoutError(err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return etl.ConnectionError(err)
	}

	var me mssql.Error
	if errors.As(err, &me) {
		if me.Number == 1205 || me.Number == 1222 {
			return etl.Transient("deadlock", err)
		}
		return etl.Permanent("sql_error", err)
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code.Class() {
		case "08", "57":
			return etl.UnavailableError(err)
		case "40":
			return etl.Transient("serialization", err)
		}
		return etl.Permanent("sql_error", err)
	}
	var ye *mysql.MySQLError
	if errors.As(err, &ye) {
		switch ye.Number {
		case 1205, 1213:
			return etl.Transient("deadlock", err)
		case 1040, 1053:
			return etl.UnavailableError(err)
		}
		return etl.Permanent("sql_error", err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return etl.TimeoutError(err)
		}
		return etl.ConnectionError(err)
	}
	return fmt.Errorf("sql query: %w", err)
}
