package target

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/utils"
)

const DefaultSchema = "dbo"

// Columns the database maintains itself.
var excludedColumns = map[string]bool{
	"timestamp":   true,
	"rowversion":  true,
	"datecreated": true,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MSSQLTarget upserts each record with a MERGE statement keyed by KeyColumn.
type MSSQLTarget struct {
	db        execer
	closer    func() error
	table     string
	keyColumn string
	// columns maps db column -> payload field; empty means every payload field.
	columns map[string]string
}

type MSSQLOptions struct {
	Schema    string
	Table     string
	KeyColumn string
	Columns   map[string]string
}

func NewMSSQLTarget(db *sql.DB, opts MSSQLOptions) (*MSSQLTarget, error) {
	t, err := newMSSQLTarget(db, opts)
	if err != nil {
		return nil, err
	}
	t.closer = db.Close
	return t, nil
}

func newMSSQLTarget(db execer, opts MSSQLOptions) (*MSSQLTarget, error) {
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.KeyColumn == "" {
		opts.KeyColumn = "id"
	}
	for _, ident := range []string{opts.Schema, opts.Table, opts.KeyColumn} {
		if err := utils.ValidateIdentifier(ident); err != nil {
			return nil, fmt.Errorf("mssql target: %w", err)
		}
	}
	for col := range opts.Columns {
		if err := utils.ValidateIdentifier(col); err != nil {
			return nil, fmt.Errorf("mssql target column: %w", err)
		}
	}
	return &MSSQLTarget{
		db:        db,
		table:     utils.QuoteIdentifier(opts.Schema+"."+opts.Table, "[", "]"),
		keyColumn: opts.KeyColumn,
		columns:   opts.Columns,
	}, nil
}

// ParseColumnMap reads "column:field" pairs; a bare name maps to itself.
func ParseColumnMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		col, field, found := strings.Cut(p, ":")
		col = strings.TrimSpace(col)
		if !found {
			field = col
		}
		out[col] = strings.TrimSpace(field)
	}
	return out
}

func (t *MSSQLTarget) Load(ctx context.Context, batch *etl.LoadBatch) (etl.LoadResult, error) {
	res := etl.LoadResult{}
	for _, rec := range batch.Records {
		query, args, err := t.merge(rec)
		if err != nil {
			if res.Failed == nil {
				res.Failed = map[string]error{}
			}
			res.Failed[rec.Key] = etl.ConstraintError(err)
			continue
		}
		if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
			cerr := classifyMSSQL(err)
			var e *etl.Error
			if errors.As(cerr, &e) && (e.Code == etl.CodeConnection || e.Code == etl.CodeTimeout) {
				return res, cerr
			}
			if res.Failed == nil {
				res.Failed = map[string]error{}
			}
			res.Failed[rec.Key] = cerr
			continue
		}
		res.Committed = append(res.Committed, rec.Key)
	}
	return res, nil
}

// merge builds the MERGE statement for rec. Columns are sorted so the
// statement text is stable across records.
func (t *MSSQLTarget) merge(rec etl.StandardizedRecord) (string, []any, error) {
	cols := []string{t.keyColumn}
	args := []any{rec.Key}

	mapping := t.columns
	if len(mapping) == 0 {
		mapping = make(map[string]string, len(rec.Payload))
		for field := range rec.Payload {
			mapping[field] = field
		}
	}
	names := make([]string, 0, len(mapping))
	for col := range mapping {
		if col != t.keyColumn && !excludedColumns[strings.ToLower(col)] {
			names = append(names, col)
		}
	}
	sort.Strings(names)

	for _, col := range names {
		val, ok := rec.Payload[mapping[col]]
		if !ok {
			continue
		}
		if err := utils.ValidateIdentifier(col); err != nil {
			return "", nil, fmt.Errorf("column for field %q: %w", mapping[col], err)
		}
		v, err := sqlValue(val)
		if err != nil {
			return "", nil, fmt.Errorf("field %q: %w", mapping[col], err)
		}
		cols = append(cols, col)
		args = append(args, v)
	}

	var using, sets, insertCols, insertVals []string
	for i, col := range cols {
		q := "[" + col + "]"
		using = append(using, fmt.Sprintf("@p%d AS %s", i+1, q))
		insertCols = append(insertCols, q)
		insertVals = append(insertVals, "s."+q)
		if i > 0 {
			sets = append(sets, fmt.Sprintf("t.%s = s.%s", q, q))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS t USING (SELECT %s) AS s ON t.[%s] = s.[%s]",
		t.table, strings.Join(using, ", "), t.keyColumn, t.keyColumn)
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
	return b.String(), args, nil
}

// sqlValue flattens nested payload values into JSON text.
func sqlValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return val, nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

// SQL Server error numbers.
const (
	mssqlConstraint   = 547
	mssqlNullInsert   = 515
	mssqlConversion   = 245
	mssqlTruncation   = 8152
	mssqlDuplicateKey = 2627
	mssqlUniqueIndex  = 2601
	mssqlDeadlock     = 1205
	mssqlLockTimeout  = 1222
)

func classifyMSSQL(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return etl.TimeoutError(err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return etl.ConnectionError(err)
	}
	var me mssql.Error
	if errors.As(err, &me) {
		switch me.Number {
		case mssqlDuplicateKey, mssqlUniqueIndex, mssqlConstraint, mssqlNullInsert, mssqlConversion, mssqlTruncation:
			return etl.ConstraintError(err)
		case mssqlDeadlock, mssqlLockTimeout:
			return etl.Transient("deadlock", err)
		default:
			return etl.Permanent("sql_error", err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return etl.TimeoutError(err)
		}
		return etl.ConnectionError(err)
	}
	return fmt.Errorf("mssql exec: %w", err)
}

func (t *MSSQLTarget) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}
