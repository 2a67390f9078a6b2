package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/syncflow/internal/etl"
)

const sample = `
run:
  haltOnError: skip-and-continue
  concurrency: 2
  fetchTimeout: 10s
retry:
  baseDelay: 250ms
  maxAttempts: 4
checkpoint:
  type: postgres
  params:
    dsn: env:CHECKPOINT_DSN
alerts:
  nats:
    url: env:NATS_URL
    subject: etl.prod
target:
  type: mongo
  params:
    uri: env:MONGO_URI
    database: warehouse
sources:
  - name: crm_contacts
    type: http
    batchSize: 50
    params:
      baseUrl: https://crm.example.com/api
      endpoint: contacts
      clientSecret: env:CRM_SECRET
    retry:
      maxAttempts: 8
    mapping:
      entity: contact
      idStrategy:
        sourceField: id
      fields:
        email:
          type: string
          required: true
  - name: legacy_users
    type: sql
    params:
      driver: sqlserver
      dsn: sqlserver://sa@localhost
      table: dbo.users
`

var secrets = MapResolver{
	"CHECKPOINT_DSN": "postgres://cp",
	"NATS_URL":       "nats://localhost:4222",
	"MONGO_URI":      "mongodb://localhost",
	"CRM_SECRET":     "s3cret",
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample), secrets)
	require.NoError(t, err)

	assert.Equal(t, "skip-and-continue", cfg.Run.HaltOnError)
	assert.Equal(t, 10*time.Second, cfg.Run.FetchTimeout)
	assert.Equal(t, etl.DefaultCallTimeout, cfg.Run.LoadTimeout)
	assert.Equal(t, "postgres://cp", cfg.Checkpoint.Params["dsn"])
	assert.Equal(t, "nats://localhost:4222", cfg.Alerts.NATS.URL)
	assert.Equal(t, "mongodb://localhost", cfg.Target.Params["uri"])

	require.Len(t, cfg.Sources, 2)
	crm := cfg.Sources[0]
	assert.Equal(t, 50, crm.BatchSize)
	assert.Equal(t, "s3cret", crm.Params["clientSecret"])
	require.NotNil(t, crm.Mapping)
	assert.Equal(t, "id", crm.Mapping.IDStrategy.SourceField)
	assert.Equal(t, etl.DefaultBatchSize, cfg.Sources[1].BatchSize)
	assert.Equal(t, DefaultKeyField, cfg.Sources[1].KeyField)

	opts := cfg.Options()
	assert.Equal(t, etl.HaltSkip, opts.HaltOnError)
	assert.Equal(t, 2, opts.Concurrency)

	assert.Equal(t, 250*time.Millisecond, cfg.RetryPolicy().BaseDelay)
	assert.Equal(t, etl.DefaultMaxDelay, cfg.RetryPolicy().MaxDelay)
	assert.Equal(t, 8, cfg.RetryFor(crm).MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryFor(crm).BaseDelay)
	assert.Equal(t, 4, cfg.RetryFor(cfg.Sources[1]).MaxAttempts)

	a := crm.Adapter()
	assert.Equal(t, "crm_contacts", a.Name)
	assert.Equal(t, "http", a.Type)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("target: {type: memory}\nsources: [{name: a, type: csv}]\n"), secrets)
	require.NoError(t, err)
	assert.Equal(t, string(etl.HaltAbort), cfg.Run.HaltOnError)
	assert.Equal(t, etl.DefaultConcurrency, cfg.Run.Concurrency)
	assert.Equal(t, DefaultCheckpointType, cfg.Checkpoint.Type)
	assert.Equal(t, etl.DefaultRetryPolicy(), cfg.RetryPolicy())
	assert.Nil(t, cfg.Alerts.NATS)
}

func TestParseKeepsExplicitZeroRetryValues(t *testing.T) {
	doc := `
retry:
  baseDelay: 0s
  jitterFactor: 0
target: {type: memory}
sources:
  - name: a
    type: csv
    retry:
      jitterFactor: 0
      maxAttempts: 0
  - name: b
    type: csv
    retry:
      baseDelay: 2s
      jitterFactor: 0.5
`
	cfg, err := Parse([]byte(doc), secrets)
	require.NoError(t, err)

	run := cfg.RetryPolicy()
	assert.Zero(t, run.BaseDelay)
	assert.Zero(t, run.JitterFactor)
	assert.Equal(t, etl.DefaultMaxAttempts, run.MaxAttempts)
	assert.Equal(t, etl.DefaultMaxDelay, run.MaxDelay)

	a := cfg.RetryFor(cfg.Sources[0])
	assert.Zero(t, a.JitterFactor)
	assert.Zero(t, a.MaxAttempts)
	assert.Zero(t, a.BaseDelay, "inherits the run-level zero")

	b := cfg.RetryFor(cfg.Sources[1])
	assert.Equal(t, 2*time.Second, b.BaseDelay)
	assert.Equal(t, 0.5, b.JitterFactor)
	assert.Equal(t, etl.DefaultMaxAttempts, b.MaxAttempts)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"unknown field":    "target: {type: memory}\nsources: [{name: a, type: csv}]\nbogus: 1\n",
		"no sources":       "target: {type: memory}\n",
		"no target type":   "target: {}\nsources: [{name: a, type: csv}]\n",
		"duplicate names":  "target: {type: memory}\nsources: [{name: a, type: csv}, {name: a, type: csv}]\n",
		"bad halt mode":    "run: {haltOnError: ignore}\ntarget: {type: memory}\nsources: [{name: a, type: csv}]\n",
		"negative retry":   "retry: {maxAttempts: -1}\ntarget: {type: memory}\nsources: [{name: a, type: csv}]\n",
		"jitter too large": "target: {type: memory}\nsources: [{name: a, type: csv, retry: {jitterFactor: 2}}]\n",
		"missing secret":   "target: {type: mongo, params: {uri: 'env:NOPE'}}\nsources: [{name: a, type: csv}]\n",
		"bad mapping":      "target: {type: memory}\nsources: [{name: a, type: csv, mapping: {entity: x}}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), secrets)
			require.Error(t, err)
		})
	}
}

func TestMissingSecretWrapsSentinel(t *testing.T) {
	_, err := Parse([]byte("target: {type: mongo, params: {uri: 'env:NOPE'}}\nsources: [{name: a, type: csv}]\n"), MapResolver{})
	require.ErrorIs(t, err, ErrSecretNotFound)
	assert.ErrorContains(t, err, "target.params.uri")
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("SYNCFLOW_TEST_SECRET", "value")
	v, err := EnvResolver{}.Resolve("SYNCFLOW_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = EnvResolver{}.Resolve("SYNCFLOW_TEST_UNSET_SECRET")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestLoadResolvesMappingFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mappings"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mappings", "users.json"),
		[]byte(`{"entity":"user","idStrategy":{"sourceField":"_id","type":"objectid"},"fields":{"name":{"type":"string"}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"),
		[]byte("entity: order\nidStrategy: {sourceField: order_no}\nfields: {total: {type: float}}\n"), 0o644))
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target: {type: memory}
sources:
  - {name: users, type: mongo, mappingFile: mappings/users.json}
  - {name: orders, type: csv, mappingFile: orders.yaml}
`), 0o644))

	cfg, err := Load(path, secrets)
	require.NoError(t, err)
	assert.Equal(t, "user", cfg.Sources[0].Mapping.Entity)
	assert.Equal(t, "order_no", cfg.Sources[1].Mapping.IDStrategy.SourceField)
	assert.Equal(t, "float", cfg.Sources[1].Mapping.Fields["total"].Type)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), secrets)
	require.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: {type: memory}\nsources: [{name: a, type: csv, mappingFile: nope.json}]\n"), 0o644))
	_, err = Load(path, secrets)
	require.ErrorContains(t, err, "source a")

	require.NoError(t, os.WriteFile(path, []byte("target: {type: memory}\nsources: [{name: a, type: csv, mappingFile: m.json, mapping: {idStrategy: {sourceField: id}}}]\n"), 0o644))
	_, err = Load(path, secrets)
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestSelect(t *testing.T) {
	cfg, err := Parse([]byte(sample), secrets)
	require.NoError(t, err)

	require.NoError(t, cfg.Select(nil))
	assert.Len(t, cfg.Sources, 2)

	require.ErrorContains(t, cfg.Select([]string{"legacy_users", "ghost"}), "ghost")
	assert.Len(t, cfg.Sources, 2, "a failed select leaves the config untouched")

	require.NoError(t, cfg.Select([]string{"legacy_users"}))
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "legacy_users", cfg.Sources[0].Name)
}
