package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/syncflow/internal/config"
	"github.com/BartekS5/syncflow/internal/etl"
)

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T, csvBody, extra string) fixture {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "users.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvBody), 0o644))

	cfg := fmt.Sprintf(`
%s
checkpoint:
  type: file
  params:
    dir: '%s'
target:
  type: memory
sources:
  - name: users
    type: csv
    batchSize: 2
    requiredFields: [email]
    params:
      path: '%s'
`, extra, filepath.Join(dir, "checkpoints"), csvPath)
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return fixture{dir: dir, config: path}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected *ExitError, got %v", err)
	return exitErr.Code
}

func TestRunCommandCommitsAndCheckpoints(t *testing.T) {
	f := newFixture(t, "id,name,email\n1,ann,a@x.io\n2,bob,b@x.io\n3,cid,c@x.io\n", "")

	out, err := execute(t, "run", "-c", f.config)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")

	out, err = execute(t, "checkpoints", "--config", f.config)
	require.NoError(t, err)
	assert.Contains(t, out, "users")
	assert.Contains(t, out, "COMPLETED")

	again, err := execute(t, "run", "-c", f.config, "--json")
	require.NoError(t, err)
	var sum etl.Summary
	require.NoError(t, json.Unmarshal([]byte(again), &sum))
	assert.Equal(t, etl.StatusCompleted, sum.Status)
	assert.Zero(t, sum.Committed, "a resumed run starts after the stored checkpoint")
}

func TestRunCommandQuarantineExitCodes(t *testing.T) {
	body := "id,name,email\n1,ann,a@x.io\n2,bob,\n3,cid,c@x.io\n"

	skip := newFixture(t, body, "run: {haltOnError: skip-and-continue}")
	out, err := execute(t, "run", "-c", skip.config)
	assert.Equal(t, etl.ExitQuarantined, exitCode(t, err))
	assert.Contains(t, out, "quarantined users record at position 2 (transform stage")

	lenient := newFixture(t, body, "run: {haltOnError: abort}")
	_, err = execute(t, "run", "-c", lenient.config)
	assert.Equal(t, etl.ExitQuarantined, exitCode(t, err), "transform rejects are quarantined unless validation is strict")

	abort := newFixture(t, body, "run: {haltOnError: abort, strictValidation: true}")
	_, err = execute(t, "run", "-c", abort.config)
	assert.Equal(t, etl.ExitFailed, exitCode(t, err))
}

func TestRunCommandDryRunSkipsTargetAndCheckpoints(t *testing.T) {
	f := newFixture(t, "id,email\n1,a@x.io\n", "")
	raw, err := os.ReadFile(f.config)
	require.NoError(t, err)
	// An unreachable target is never dialled in dry-run mode.
	raw = bytes.Replace(raw, []byte("type: memory"), []byte("type: mongo\n  params: {uri: 'mongodb://127.0.0.1:1', database: x}"), 1)
	require.NoError(t, os.WriteFile(f.config, raw, 0o644))

	_, err = execute(t, "run", "-c", f.config, "--dry-run")
	require.NoError(t, err)

	cfg, err := config.Load(f.config, config.EnvResolver{})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Checkpoint.Params["dir"], "users.json"))
	assert.True(t, os.IsNotExist(err), "dry run writes no checkpoint")
}

func TestRunCommandUnknownSource(t *testing.T) {
	f := newFixture(t, "id,email\n1,a@x.io\n", "")
	_, err := execute(t, "run", "-c", f.config, "-s", "ghost")
	require.ErrorContains(t, err, "unknown source(s): ghost")
}

func TestRunCommandRequiresConfig(t *testing.T) {
	_, err := execute(t, "run")
	require.ErrorContains(t, err, "config")
}

func TestValidateCommand(t *testing.T) {
	f := newFixture(t, "id\n", "")
	out, err := execute(t, "validate", "-c", f.config)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 1 source(s), target memory, checkpoints file")

	bad := filepath.Join(f.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("target: {type: redis}\nsources: [{name: a, type: ftp}]\n"), 0o644))
	_, err = execute(t, "validate", "-c", bad)
	require.ErrorContains(t, err, `unknown type "redis"`)
	require.ErrorContains(t, err, `source a: unknown type "ftp"`)
}

func TestNewChain(t *testing.T) {
	chain := newChain(config.SourceConfig{Name: "s", KeyField: "code", ExcludeFields: []string{"secret"}})
	rec, fail := chain.Transform(etl.RawRecord{Position: "1", Payload: map[string]any{"code": "A1", "secret": "x"}})
	require.Nil(t, fail)
	assert.Equal(t, "A1", rec.Key)
	assert.NotContains(t, rec.Payload, "secret")
}
