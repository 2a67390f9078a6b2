package target

import (
	"context"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
)

// Register adds the built-in targets to r.
func Register(r *etl.Registry) {
	r.RegisterTarget("memory", func(context.Context, etl.AdapterConfig) (etl.Target, error) {
		return NewMemoryTarget(), nil
	})
	r.RegisterTarget("mongo", newMongoFromConfig)
	r.RegisterTarget("mssql", newMSSQLFromConfig)
	r.RegisterTarget("sqlserver", newMSSQLFromConfig)
	r.RegisterTarget("postgres", newPostgresFromConfig)
}

func newMongoFromConfig(ctx context.Context, cfg etl.AdapterConfig) (etl.Target, error) {
	uri, err := cfg.Params.Required("uri")
	if err != nil {
		return nil, err
	}
	db, err := cfg.Params.Required("database")
	if err != nil {
		return nil, err
	}
	coll, err := cfg.Params.Required("collection")
	if err != nil {
		return nil, err
	}
	client, err := database.ConnectMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoTarget(client, db, coll), nil
}

func newMSSQLFromConfig(ctx context.Context, cfg etl.AdapterConfig) (etl.Target, error) {
	dsn, err := cfg.Params.Required("dsn")
	if err != nil {
		return nil, err
	}
	table, err := cfg.Params.Required("table")
	if err != nil {
		return nil, err
	}
	opts := MSSQLOptions{
		Schema:    cfg.Params.String("schema", DefaultSchema),
		Table:     table,
		KeyColumn: cfg.Params.String("keyColumn", "id"),
		Columns:   ParseColumnMap(cfg.Params.List("columns")),
	}
	db, err := database.ConnectSQL(ctx, "sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	t, err := NewMSSQLTarget(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func newPostgresFromConfig(ctx context.Context, cfg etl.AdapterConfig) (etl.Target, error) {
	dsn, err := cfg.Params.Required("dsn")
	if err != nil {
		return nil, err
	}
	pool, err := database.ConnectPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	t, err := NewPostgresTarget(ctx, pool, cfg.Params.String("table", DefaultPostgresTable))
	if err != nil {
		pool.Close()
		return nil, err
	}
	return t, nil
}
