package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BartekS5/syncflow/internal/auth"
	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/database"
)

// Register adds the built-in sources to r.
func Register(r *etl.Registry) {
	r.RegisterSource("http", NewHTTPFromConfig)
	r.RegisterSource("sql", newSQLFromConfig)
	r.RegisterSource("mongo", newMongoFromConfig)
	r.RegisterSource("csv", newCSVFromConfig)
}

// NewHTTPFromConfig builds an HTTPSource from adapter params.
func NewHTTPFromConfig(_ context.Context, cfg etl.AdapterConfig) (etl.Source, error) {
	p := cfg.Params
	rps, err := p.Float("requestsPerSecond", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := p.Duration("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	startPage, err := p.Int("startPage", 1)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: timeout}

	headers := map[string]string{}
	for _, h := range p.List("headers") {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("source %s: header %q must be Name:Value", cfg.Name, h)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	opts := HTTPOptions{
		BaseURL:           p.String("baseUrl", ""),
		Endpoint:          p.String("endpoint", ""),
		Method:            strings.ToUpper(p.String("method", http.MethodGet)),
		ItemsField:        p.String("itemsField", "items"),
		ParentKey:         p.String("parentKey", "id"),
		PageParam:         p.String("pageParam", ""),
		PageSizeParam:     p.String("pageSizeParam", ""),
		StartPage:         startPage,
		RequestsPerSecond: rps,
		Headers:           headers,
	}

	switch {
	case p.String("tokenUrl", "") != "":
		var store auth.TokenStore
		if path := p.String("tokenFile", ""); path != "" {
			store = auth.FileTokenStore{Path: path}
		}
		opts.Tokens = auth.NewTokenManager(auth.Config{
			TokenURL:     p["tokenUrl"],
			ClientID:     p.String("clientId", ""),
			ClientSecret: p.String("clientSecret", ""),
			RefreshToken: p.String("refreshToken", ""),
		}, store, client)
	case p.String("token", "") != "":
		opts.Tokens = StaticToken(p["token"])
	}

	return NewHTTPSource(opts, client)
}

func newSQLFromConfig(ctx context.Context, cfg etl.AdapterConfig) (etl.Source, error) {
	p := cfg.Params
	driver, err := p.Required("driver")
	if err != nil {
		return nil, err
	}
	dsn, err := p.Required("dsn")
	if err != nil {
		return nil, err
	}
	table, err := p.Required("table")
	if err != nil {
		return nil, err
	}
	opts := SQLOptions{Driver: driver, Table: table, KeyColumn: p.String("keyColumn", "id"), Columns: p.List("columns")}
	if _, err := database.DriverName(driver); err != nil {
		return nil, err
	}

	db, err := database.ConnectSQL(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	src, err := NewSQLSource(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

func newMongoFromConfig(ctx context.Context, cfg etl.AdapterConfig) (etl.Source, error) {
	p := cfg.Params
	uri, err := p.Required("uri")
	if err != nil {
		return nil, err
	}
	db, err := p.Required("database")
	if err != nil {
		return nil, err
	}
	coll, err := p.Required("collection")
	if err != nil {
		return nil, err
	}
	client, err := database.ConnectMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoSource(client, db, coll, p.String("keyField", "_id")), nil
}

func newCSVFromConfig(_ context.Context, cfg etl.AdapterConfig) (etl.Source, error) {
	path, err := cfg.Params.Required("path")
	if err != nil {
		return nil, err
	}
	var delim rune
	if d := cfg.Params.String("delimiter", ""); d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return nil, fmt.Errorf("source %s: delimiter must be a single character", cfg.Name)
		}
		delim = r
	}
	return NewCSVSource(path, delim), nil
}
