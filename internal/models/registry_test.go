package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryOrder(t *testing.T) {
	r := DefaultRegistry()

	var names []string
	for _, tbl := range r.Ordered() {
		names = append(names, tbl.Name)
	}
	assert.Equal(t, []string{"users", "projects", "tasks", "comments"}, names)

	tasks, err := r.Lookup("Tasks")
	require.NoError(t, err)
	assert.Equal(t, "id", tasks.PrimaryKey)

	status, ok := tasks.Column("status")
	require.True(t, ok)
	assert.Equal(t, TypeEnum, status.Type)
	assert.Equal(t, "todo", status.Default)
	assert.True(t, status.AllowsEnum("done"))
	assert.False(t, status.AllowsEnum("DONE"))

	_, ok = tasks.Column(ColumnUpdatedAt)
	assert.True(t, ok, "updated_at is added to every table")
	_, ok = tasks.Column(ColumnOrigin)
	assert.True(t, ok, "client_id is added to every table")
}

func TestLookupUnknown(t *testing.T) {
	_, err := DefaultRegistry().Lookup("invoices")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"parent at same level", `
tables:
  - name: a
    level: 0
    columns: [{name: id, type: uuid}]
  - name: b
    level: 0
    columns: [{name: id, type: uuid}, {name: a_id, type: uuid, references: a.id}]
`},
		{"unknown type", `
tables:
  - name: a
    columns: [{name: id, type: blob}]
`},
		{"enum without values", `
tables:
  - name: a
    columns: [{name: id, type: uuid}, {name: s, type: enum}]
`},
		{"bad default", `
tables:
  - name: a
    columns: [{name: id, type: uuid}, {name: s, type: enum, values: [x], default: y}]
`},
		{"missing pk", `
tables:
  - name: a
    primary_key: code
    columns: [{name: id, type: uuid}]
`},
		{"bad direction", `
tables:
  - name: a
    direction: sideways
    columns: [{name: id, type: uuid}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRegistryFromFileAndDirection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - name: audit
    level: 1
    direction: up
    columns: [{name: id, type: integer}, {name: user_id, type: uuid, references: users.id}]
  - name: users
    level: 0
    direction: down
    columns: [{name: id, type: uuid}]
`), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	down := r.Flowing(DirectionDown)
	require.Len(t, down, 1)
	assert.Equal(t, "users", down[0].Name)

	up := r.Flowing(DirectionUp)
	require.Len(t, up, 1)
	assert.Equal(t, "audit", up[0].Name)
}
