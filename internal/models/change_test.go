package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableChangeValidate(t *testing.T) {
	ok := TableChange{Table: "users", Operation: OpInsert, Data: map[string]any{"id": "u1"}}
	assert.NoError(t, ok.Validate())

	bad := []TableChange{
		{Operation: OpInsert, Data: map[string]any{"id": 1}},
		{Table: "users", Operation: "upsert", Data: map[string]any{"id": 1}},
		{Table: "users", Operation: OpDelete},
	}
	for _, c := range bad {
		assert.ErrorIs(t, c.Validate(), ErrInvalidChange)
	}
}

func TestTableChangeKeepsNumbers(t *testing.T) {
	var c TableChange
	raw := `{"table":"tasks","operation":"update","data":{"id":"t","priority":9007199254740993,"budget":"10.50"},"lsn":"0/65","updated_at":"2025-01-02T03:04:05.123456Z"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, json.Number("9007199254740993"), c.Data["priority"])
	assert.Equal(t, LSN(0x65), c.LSN)
	assert.Equal(t, 123456000, c.UpdatedAt.Nanosecond())
}

func TestChangeLogEntryToTableChange(t *testing.T) {
	origin := "client-a"
	e := ChangeLogEntry{
		LSN:       101,
		TableName: "tasks",
		Operation: OpUpdate,
		Data:      json.RawMessage(`{"id":"t1","updated_at":"2025-05-01T12:00:00.5+02:00"}`),
		Origin:    &origin,
		Timestamp: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	c, err := e.ToTableChange()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 500000000, time.UTC), c.UpdatedAt)
	assert.Equal(t, LSN(101), c.LSN)

	assert.True(t, e.FromOrigin("client-a"))
	assert.False(t, e.FromOrigin("client-b"))
	assert.False(t, ChangeLogEntry{}.FromOrigin("client-a"))

	e.Operation = OpDelete
	c, err = e.ToTableChange()
	require.NoError(t, err)
	assert.Equal(t, e.Timestamp, c.UpdatedAt, "deletes are versioned by the log time")
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 12, 31, 23, 59, 58, 123456000, time.UTC)
	for _, in := range []string{
		"2024-12-31T23:59:58.123456Z",
		"2024-12-31T23:59:58.123456789Z",
		"2024-12-31 23:59:58.123456+00",
		"2024-12-31 23:59:58.123456+00:00",
		"2024-12-31 23:59:58.123456",
		"2024-12-31T23:59:58.123456",
	} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed to %s", in, got)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}
