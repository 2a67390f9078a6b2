package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverName(t *testing.T) {
	for alias, want := range map[string]string{
		"sqlserver":  "sqlserver",
		"MSSQL":      "sqlserver",
		"postgresql": "postgres",
		" postgres ": "postgres",
		"mysql":      "mysql",
	} {
		got, err := DriverName(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, got, alias)
	}

	_, err := DriverName("oracle")
	require.ErrorContains(t, err, "unsupported sql driver")
}

func TestConnectSQLRejectsUnknownDriver(t *testing.T) {
	_, err := ConnectSQL(context.Background(), "sqlite", "file::memory:")
	require.Error(t, err)
}
