package checkpoint

import (
	"context"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
)

// Register adds the built-in checkpoint stores to r.
func Register(r *etl.Registry) {
	r.RegisterCheckpointStore("file", func(_ context.Context, cfg etl.AdapterConfig) (etl.CheckpointStore, error) {
		return NewFileStore(cfg.Params.String("dir", DefaultDir))
	})
	r.RegisterCheckpointStore("memory", func(context.Context, etl.AdapterConfig) (etl.CheckpointStore, error) {
		return NewMemoryStore(), nil
	})
	r.RegisterCheckpointStore("postgres", func(ctx context.Context, cfg etl.AdapterConfig) (etl.CheckpointStore, error) {
		dsn, err := cfg.Params.Required("dsn")
		if err != nil {
			return nil, err
		}
		pool, err := database.ConnectPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool, cfg.Params.String("table", DefaultTable))
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	})
	r.RegisterCheckpointStore("mongo", func(ctx context.Context, cfg etl.AdapterConfig) (etl.CheckpointStore, error) {
		uri, err := cfg.Params.Required("uri")
		if err != nil {
			return nil, err
		}
		db, err := cfg.Params.Required("database")
		if err != nil {
			return nil, err
		}
		client, err := database.ConnectMongo(ctx, uri)
		if err != nil {
			return nil, err
		}
		return NewMongoStore(client, db, cfg.Params.String("collection", DefaultCollection)), nil
	})
}
