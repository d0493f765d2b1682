package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestAdminCommands(t *testing.T) {
	t.Setenv("LOCAL_DB_DRIVER", "sqlite3")
	t.Setenv("LOCAL_DB_PATH", filepath.Join(t.TempDir(), "client.db"))
	t.Setenv("CLIENT_ID", "client-x")
	t.Setenv("LOG_LEVEL", "ERROR")

	out, err := execute(t, "status", "--format", "json")
	require.NoError(t, err)
	var status cursorStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "client-x", status.ClientID)
	assert.Equal(t, models.StateDisconnected, status.SyncState)
	assert.False(t, status.Bootstrapped)

	out, err = execute(t, "outbox", "--status", "all")
	require.NoError(t, err)
	assert.Contains(t, out, "LAST ERROR")

	out, err = execute(t, "requeue")
	require.NoError(t, err)
	assert.Equal(t, "requeued 0 entries\n", out)

	_, err = execute(t, "reset-lsn")
	require.NoError(t, err)

	_, err = execute(t, "outbox", "--status", "lost")
	assert.ErrorContains(t, err, "invalid status")

	_, err = execute(t, "status", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}
