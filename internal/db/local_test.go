package db

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/mapper"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
)

const (
	userID    = "11111111-1111-1111-1111-111111111111"
	projectID = "22222222-2222-2222-2222-222222222222"
	taskID    = "33333333-3333-3333-3333-333333333333"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalStore(t *testing.T, clientID string, registry *models.Registry) *LocalStore {
	t.Helper()
	ctx := context.Background()

	s, err := NewLocalStore(ctx, "sqlite3", filepath.Join(t.TempDir(), "client.db"), clientID, registry, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestLocalStoreMigrateIsIdempotent(t *testing.T) {
	s := newLocalStore(t, "client-a", models.DefaultRegistry())
	require.NoError(t, s.Migrate(context.Background()))

	c, err := s.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "client-a", c.ClientID)
	assert.Equal(t, models.StateDisconnected, c.SyncState)
	assert.Equal(t, models.ZeroLSN, c.CurrentLSN)
	assert.False(t, c.Bootstrapped)
}

func TestLocalStoreGeneratesClientID(t *testing.T) {
	s := newLocalStore(t, "", models.DefaultRegistry())
	assert.Len(t, s.ClientID(), 36)
}

func TestLocalMutateRecordsOutbox(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t, "client-a", models.DefaultRegistry())

	inserted, err := s.Mutate(ctx, models.OpInsert, "users", map[string]any{
		"email":      "ana@example.com",
		"role":       "admin",
		"created_at": "2025-05-01T10:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LSN(1), inserted.LSN)
	assert.Equal(t, models.OutboxPending, inserted.ProcessedSync)

	change, err := inserted.ToTableChange()
	require.NoError(t, err)
	id := change.Data["id"].(string)
	assert.Len(t, id, 36)
	assert.Equal(t, "client-a", change.Data["client_id"])

	updated, err := s.Mutate(ctx, models.OpUpdate, "users", map[string]any{
		"id":           id,
		"display_name": "Ana",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LSN(2), updated.LSN)
	assert.True(t, updated.UpdatedAt.After(inserted.UpdatedAt))

	row, err := s.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", row["email"], "update keeps the columns it did not touch")
	assert.Equal(t, "Ana", row["display_name"])
	assert.Equal(t, "admin", row["role"])

	removed, err := s.Mutate(ctx, models.OpDelete, "users", map[string]any{"id": id})
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(removed.Data, &payload))
	assert.Len(t, payload, 2)
	assert.Equal(t, id, payload["id"])

	_, err = s.Get(ctx, "users", id)
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []models.Operation{models.OpInsert, models.OpUpdate, models.OpDelete},
		[]models.Operation{pending[0].Operation, pending[1].Operation, pending[2].Operation})

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.PendingChangesCount)
}

func TestLocalMutateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("update of a missing row", func(t *testing.T) {
		s := newLocalStore(t, "client-a", models.DefaultRegistry())
		_, err := s.Mutate(ctx, models.OpUpdate, "users", map[string]any{"id": userID, "email": "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown table", func(t *testing.T) {
		s := newLocalStore(t, "client-a", models.DefaultRegistry())
		_, err := s.Mutate(ctx, models.OpInsert, "invoices", map[string]any{"id": userID})
		assert.ErrorIs(t, err, models.ErrUnknownTable)
	})

	t.Run("table that only flows down", func(t *testing.T) {
		registry, err := models.ParseRegistry([]byte(`
tables:
  - name: plans
    primary_key: id
    level: 0
    direction: down
    columns:
      - { name: id, type: uuid }
      - { name: name, type: text }
`))
		require.NoError(t, err)
		s := newLocalStore(t, "client-a", registry)
		_, err = s.Mutate(ctx, models.OpInsert, "plans", map[string]any{"name": "pro"})
		assert.ErrorIs(t, err, ErrReadOnlyTable)
	})

	t.Run("invalid enum without default leaves no outbox entry", func(t *testing.T) {
		s := newLocalStore(t, "client-a", models.DefaultRegistry())
		_, err := s.Mutate(ctx, models.OpInsert, "users", map[string]any{
			"id": userID, "email": "a@b.c", "created_at": "2025-05-01T10:00:00Z",
		})
		require.NoError(t, err)
		_, err = s.Mutate(ctx, models.OpInsert, "projects", map[string]any{
			"owner_id": userID, "name": "p", "status": "paused", "created_at": "2025-05-01T10:00:00Z",
		})
		assert.ErrorIs(t, err, mapper.ErrInvalidValue)

		pending, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestLocalMutateFillsEnumDefault(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t, "client-a", models.DefaultRegistry())

	e, err := s.Mutate(ctx, models.OpInsert, "users", map[string]any{
		"email": "bo@example.com", "created_at": "2025-05-01T10:00:00Z",
	})
	require.NoError(t, err)

	change, err := e.ToTableChange()
	require.NoError(t, err)
	assert.Equal(t, "member", change.Data["role"], "outbox carries the filled default")

	row, err := s.Get(ctx, "users", change.Data["id"])
	require.NoError(t, err)
	assert.Equal(t, "member", row["role"])
}

func TestLocalOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t, "client-a", models.DefaultRegistry())

	var ids []string
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		e, err := s.Mutate(ctx, models.OpInsert, "users", map[string]any{
			"email": email, "created_at": "2025-05-01T10:00:00Z",
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	require.NoError(t, s.MarkAcked(ctx, ids[:1]))

	escalated, err := s.RecordFailure(ctx, ids[1:], "ack timeout", 2)
	require.NoError(t, err)
	assert.Zero(t, escalated)
	escalated, err = s.RecordFailure(ctx, ids[1:2], "ack timeout", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), escalated)

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[2], pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "ack timeout", pending[0].LastError)

	failed := models.OutboxFailed
	list, err := s.ListOutbox(ctx, &failed, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.PendingChangesCount, "failed entries still count as undelivered")

	requeued, err := s.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	pending, err = s.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Zero(t, pending[0].Attempts)

	purged, err := s.PurgeAcked(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	all, err := s.ListOutbox(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "only acknowledged entries are purged")
}

func TestLocalCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t, "client-a", models.DefaultRegistry())

	for _, lsn := range []models.LSN{10, 5, 10, 3} {
		tx, err := s.Begin(ctx, "")
		require.NoError(t, err)
		got, err := tx.(processor.CursorTx).AdvanceLSN(ctx, lsn)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, models.LSN(10), got)
	}

	got, err := s.MarkBootstrapped(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LSN(10), got)

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, c.Bootstrapped)
	assert.False(t, c.LastSyncTime.IsZero())

	require.NoError(t, s.SetState(ctx, models.StateLive))
	require.Error(t, s.SetState(ctx, "paused"))

	require.NoError(t, s.ResetLSN(ctx))
	c, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ZeroLSN, c.CurrentLSN)
	assert.False(t, c.Bootstrapped)
	assert.Equal(t, models.StateDisconnected, c.SyncState)
}

func TestLocalApplyTypedBatch(t *testing.T) {
	ctx := context.Background()
	registry := models.DefaultRegistry()
	s := newLocalStore(t, "client-a", registry)
	applier := processor.NewApplier(s, registry, discardLogger(), processor.Options{
		Direction: models.DirectionDown,
		Side:      "client",
	})

	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := processor.Batch{
		LastLSN: 42,
		Changes: []models.TableChange{
			{Table: "tasks", Operation: models.OpInsert, UpdatedAt: ts, Data: map[string]any{
				"id": taskID, "project_id": projectID, "assignee_id": userID,
				"title": "Write docs", "status": "blocked", "priority": json.Number("2"),
				"estimate": "1 day 02:00:00", "due_date": "2025-06-01",
				"labels": []any{"a", "b c"}, "completed": true,
				"metadata": map[string]any{"k": "v"}, "created_at": "2025-05-01T10:00:00Z",
			}},
			{Table: "projects", Operation: models.OpInsert, UpdatedAt: ts, Data: map[string]any{
				"id": projectID, "owner_id": userID, "name": "Docs", "status": "active",
				"tags": "{x,y}", "budget": "1234.50",
				"active_period": "[2025-01-01T00:00:00Z,2025-12-31T00:00:00Z)",
				"created_at": "2025-05-01T10:00:00Z",
			}},
			{Table: "users", Operation: models.OpInsert, UpdatedAt: ts, Data: map[string]any{
				"id": userID, "email": "ana@example.com", "role": "admin",
				"settings": `{"theme": "dark"}`, "created_at": "2025-05-01T10:00:00Z",
			}},
		},
	}

	res, err := applier.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 1, res.Defaulted)
	assert.Equal(t, models.LSN(42), res.CursorLSN)

	task, err := s.Get(ctx, "tasks", taskID)
	require.NoError(t, err)
	assert.Equal(t, "todo", task["status"])
	assert.Equal(t, int64(2), task["priority"])
	assert.Equal(t, mapper.Interval{Days: 1, Micros: int64(2 * time.Hour / time.Microsecond)}, task["estimate"])
	assert.Equal(t, mapper.Date{Year: 2025, Month: time.June, Day: 1}, task["due_date"])
	assert.Equal(t, []any{"a", "b c"}, task["labels"])
	assert.Equal(t, true, task["completed"])
	assert.JSONEq(t, `{"k":"v"}`, string(task["metadata"].(json.RawMessage)))
	assert.Equal(t, ts, task["updated_at"])

	project, err := s.Get(ctx, "projects", projectID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(project["budget"].(decimal.Decimal)))
	assert.Equal(t, []any{"x", "y"}, project["tags"])
	period := project["active_period"].(mapper.Range)
	assert.True(t, period.LowerInc)
	assert.False(t, period.UpperInc)

	user, err := s.Get(ctx, "users", userID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(user["settings"].(json.RawMessage)))

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LSN(42), c.CurrentLSN)

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "applied server changes are not queued upstream")
}

func TestLocalApplyKeepsNewerLocalEdit(t *testing.T) {
	ctx := context.Background()
	registry := models.DefaultRegistry()
	s := newLocalStore(t, "client-a", registry)
	applier := processor.NewApplier(s, registry, discardLogger(), processor.Options{Direction: models.DirectionDown, Side: "client"})

	_, err := s.Mutate(ctx, models.OpInsert, "users", map[string]any{
		"id": userID, "email": "local@x.io", "created_at": "2025-05-01T10:00:00Z",
	})
	require.NoError(t, err)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := applier.Apply(ctx, processor.Batch{Changes: []models.TableChange{
		{Table: "users", Operation: models.OpUpdate, UpdatedAt: old, Data: map[string]any{
			"id": userID, "email": "server@x.io", "created_at": "2025-05-01T10:00:00Z",
		}},
		{Table: "users", Operation: models.OpDelete, UpdatedAt: old, Data: map[string]any{"id": userID}},
	}})
	require.NoError(t, err)
	assert.Zero(t, res.Applied)

	row, err := s.Get(ctx, "users", userID)
	require.NoError(t, err)
	assert.Equal(t, "local@x.io", row["email"])
}
