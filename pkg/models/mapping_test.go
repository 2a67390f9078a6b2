package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMapping(t *testing.T) {
	m, err := LoadMapping([]byte(`{
		"entity": "AppUser",
		"schemaVersion": 2,
		"idStrategy": {"sourceField": "id", "type": "long"},
		"fields": {
			"userName": {"source": "user_name", "target": "username", "type": "string"},
			"points":   {"type": "int"}
		},
		"exclude": ["password"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "AppUser", m.Entity)
	assert.Equal(t, 2, m.SchemaVersion)
	assert.Equal(t, []string{"points", "userName"}, m.FieldNames())

	f := m.Field("points")
	assert.Equal(t, "points", f.Source)
	assert.Equal(t, "points", f.Target)
	assert.Equal(t, "username", m.Field("userName").Target)
}

func TestLoadMappingErrors(t *testing.T) {
	_, err := LoadMapping([]byte(`{"entity":`))
	require.Error(t, err)

	_, err = LoadMapping([]byte(`{"entity": "x", "fields": {}}`))
	require.ErrorContains(t, err, "idStrategy.sourceField")

	_, err = LoadMapping([]byte(`{"idStrategy": {"sourceField": "id"}, "fields": {"a": {"type": "decimal"}}}`))
	require.ErrorContains(t, err, `unsupported type "decimal"`)
}
