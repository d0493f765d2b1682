package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablesCommand(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")

	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"tables", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var tables []tableInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &tables))
	require.Len(t, tables, 4)
	names := make([]string, len(tables))
	for i, tbl := range tables {
		names[i] = tbl.Name
	}
	assert.Equal(t, []string{"users", "projects", "tasks", "comments"}, names)
	assert.Equal(t, []string{"users.id"}, tables[1].Parents)
}

func TestCompactRejectsMalformedLSN(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"compact", "not-an-lsn"})
	assert.ErrorContains(t, cmd.Execute(), "invalid lsn")
}
