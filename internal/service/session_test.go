package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

func sessionOptions() Options {
	return Options{
		SnapshotPageSize:  2,
		CatchupChunkSize:  3,
		LiveBatchSize:     10,
		AckTimeout:        200 * time.Millisecond,
		MaxResends:        3,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		PollInterval:      50 * time.Millisecond,
	}
}

// scripted plays the client side of a session by hand
type scripted struct {
	t        *testing.T
	conn     transport.Conn
	clientID string
}

func dialScripted(t *testing.T, n *transport.Network, clientID string) *scripted {
	t.Helper()
	conn, err := n.Dial(context.Background(), clientID)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &scripted{t: t, conn: conn, clientID: clientID}
}

func (c *scripted) send(typ protocol.MessageType, payload any) protocol.Envelope {
	c.t.Helper()
	env := protocol.MustNew(typ, c.clientID, payload)
	c.resend(env)
	return env
}

func (c *scripted) resend(env protocol.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(context.Background(), env))
}

// expect returns the next envelope of type typ. Heartbeats, stats and
// receipts are informational and skipped unless asked for
func (c *scripted) expect(typ protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := c.conn.Receive(ctx)
		require.NoError(c.t, err, "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
		switch env.Type {
		case protocol.SrvHeartbeat, protocol.SrvSyncStats, protocol.SrvChangesReceived:
			continue
		}
		c.t.Fatalf("expected %s, got %s", typ, env.Type)
	}
}

func (c *scripted) ack(typ protocol.MessageType, env protocol.Envelope) {
	c.t.Helper()
	c.send(typ, protocol.AckPayload{RefMessageID: env.MessageID, Success: true})
}

func changesOf(t *testing.T, env protocol.Envelope) protocol.ChangesPayload {
	t.Helper()
	p, err := env.Changes()
	require.NoError(t, err)
	return p
}

func payloadOf[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var p T
	require.NoError(t, env.Unmarshal(&p))
	return p
}

// applyAs writes rows the way an upstream batch from origin would
func applyAs(t *testing.T, store *db.MemoryStore, registry *models.Registry, origin, table string, rows ...map[string]any) {
	t.Helper()
	a := processor.NewApplier(store, registry, discardLogger(), processor.Options{
		Direction: models.DirectionUp,
		Side:      metrics.SideServer,
	})
	changes := make([]models.TableChange, len(rows))
	for i, row := range rows {
		changes[i] = models.TableChange{Table: table, Operation: models.OpUpdate, Data: row}
	}
	res, err := a.Apply(context.Background(), processor.Batch{Changes: changes, Origin: origin})
	require.NoError(t, err)
	require.Equal(t, len(rows), res.Applied)
}

func TestSessionSnapshotThenLive(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{})

	start := payloadOf[protocol.InitStartPayload](t, c.expect(protocol.SrvInitStart))
	assert.Equal(t, models.LSN(10), start.ServerLSN)
	assert.Equal(t, []protocol.TableCount{
		{Table: "users", Rows: 3},
		{Table: "projects", Rows: 2},
		{Table: "tasks", Rows: 5},
		{Table: "comments", Rows: 0},
	}, start.Tables)

	var seqs []protocol.Sequence
	rows := map[string]int{}
	for len(seqs) < 6 {
		env := c.expect(protocol.SrvInitChanges)
		p := changesOf(t, env)
		require.NotNil(t, p.Sequence)
		seqs = append(seqs, *p.Sequence)
		for _, ch := range p.Changes {
			assert.Equal(t, models.OpInsert, ch.Operation)
			rows[ch.Table]++
		}
		c.ack(protocol.CltInitReceived, env)
	}
	assert.Equal(t, []protocol.Sequence{
		{Table: "users", Chunk: 1, Total: 2},
		{Table: "users", Chunk: 2, Total: 2},
		{Table: "projects", Chunk: 1, Total: 1},
		{Table: "tasks", Chunk: 1, Total: 3},
		{Table: "tasks", Chunk: 2, Total: 3},
		{Table: "tasks", Chunk: 3, Total: 3},
	}, seqs)
	assert.Equal(t, map[string]int{"users": 3, "projects": 2, "tasks": 5}, rows)

	complete := payloadOf[protocol.InitCompletePayload](t, c.expect(protocol.SrvInitComplete))
	assert.Equal(t, models.LSN(10), complete.ServerLSN)

	done := payloadOf[protocol.SyncCompletedPayload](t, c.expect(protocol.SrvSyncCompleted))
	assert.Equal(t, protocol.SyncCompletedPayload{StartLSN: 10, FinalLSN: 10, ChangeCount: 0, Success: true}, done)

	edited := taskRow(1, 2, base.Add(time.Minute))
	edited["title"] = "renamed"
	put(t, store, "tasks", edited)

	env := c.expect(protocol.SrvLiveChanges)
	live := changesOf(t, env)
	require.Len(t, live.Changes, 1)
	assert.Equal(t, models.LSN(11), live.LastLSN)
	assert.Equal(t, &protocol.Sequence{Chunk: 1}, live.Sequence)
	assert.Equal(t, "renamed", live.Changes[0].Data["title"])
	assert.Equal(t, models.OpUpdate, live.Changes[0].Operation)
	c.ack(protocol.CltChangesApplied, env)
}

func TestSessionResendsUnacknowledgedChunk(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{})
	c.expect(protocol.SrvInitStart)

	first := c.expect(protocol.SrvInitChanges)
	again := c.expect(protocol.SrvInitChanges)
	assert.Equal(t, first.MessageID, again.MessageID)
	assert.Equal(t, changesOf(t, first), changesOf(t, again))

	c.ack(protocol.CltInitReceived, again)
	next := c.expect(protocol.SrvInitChanges)
	assert.NotEqual(t, first.MessageID, next.MessageID)
	assert.Equal(t, 2, changesOf(t, next).Sequence.Chunk)
}

func TestSessionGivesUpAfterMaxResends(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{})
	c.expect(protocol.SrvInitStart)
	for i := 0; i < 3; i++ {
		c.expect(protocol.SrvInitChanges)
	}

	report := payloadOf[protocol.ErrorPayload](t, c.expect(protocol.SrvError))
	assert.Equal(t, protocol.CodeAckTimeout, report.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, err := c.conn.Receive(ctx)
		if err != nil {
			assert.ErrorIs(t, err, transport.ErrConnClosed)
			return
		}
	}
}

func TestSessionRewindsSnapshotOnGap(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{})
	c.expect(protocol.SrvInitStart)

	first := c.expect(protocol.SrvInitChanges)
	c.ack(protocol.CltInitReceived, first)
	second := c.expect(protocol.SrvInitChanges)

	c.send(protocol.CltError, protocol.ErrorPayload{
		Code:         protocol.CodeSequenceGap,
		Message:      "chunk lost",
		RefMessageID: second.MessageID,
		Expected:     &protocol.Sequence{Table: "users", Chunk: 1, Total: 2},
	})

	replay := c.expect(protocol.SrvInitChanges)
	assert.Equal(t, &protocol.Sequence{Table: "users", Chunk: 1, Total: 2}, changesOf(t, replay).Sequence)
	assert.Equal(t, changesOf(t, first).Changes, changesOf(t, replay).Changes)
}

func TestSessionCatchupChunksAndEchoFilter(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)

	// 11 is an echo of client-a, 12 to 14 come from elsewhere
	applyAs(t, store, registry, "client-a", "users", userRow(1, base.Add(time.Minute)))
	for i := 1; i <= 3; i++ {
		put(t, store, "users", userRow(2, base.Add(time.Duration(i)*time.Minute)))
	}
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{LastLSN: 5, Resume: true})

	type chunk struct {
		seq     protocol.Sequence
		changes int
		last    models.LSN
	}
	var got []chunk
	for len(got) < 3 {
		env := c.expect(protocol.SrvCatchupChanges)
		p := changesOf(t, env)
		got = append(got, chunk{*p.Sequence, len(p.Changes), p.LastLSN})
		c.ack(protocol.CltCatchupReceived, env)
	}
	assert.Equal(t, []chunk{
		{protocol.Sequence{Chunk: 1}, 3, 8},
		{protocol.Sequence{Chunk: 2}, 2, 11},
		{protocol.Sequence{Chunk: 3, Total: 3}, 3, 14},
	}, got)

	done := payloadOf[protocol.SyncCompletedPayload](t, c.expect(protocol.SrvSyncCompleted))
	assert.Equal(t, protocol.SyncCompletedPayload{StartLSN: 5, FinalLSN: 14, ChangeCount: 8, Success: true}, done)

	stats := payloadOf[protocol.StatsPayload](t, c.expect(protocol.SrvSyncStats))
	assert.Equal(t, models.StateCatchup, stats.Phase)
	assert.Equal(t, 8, stats.Sent)
	assert.Equal(t, 1, stats.Filtered)

	// A live echo only moves the cursor
	applyAs(t, store, registry, "client-a", "users", userRow(3, base.Add(time.Hour)))
	update := payloadOf[protocol.LSNUpdatePayload](t, c.expect(protocol.SrvLSNUpdate))
	assert.Equal(t, models.LSN(15), update.LSN)
}

func TestSessionForcesResync(t *testing.T) {
	tests := []struct {
		name    string
		lastLSN models.LSN
	}{
		{name: "behind retention", lastLSN: 3},
		{name: "ahead of the log", lastLSN: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := models.DefaultRegistry()
			store := db.NewMemoryStore(registry)
			seedScenario(t, store)
			_, err := store.Compact(context.Background(), 5)
			require.NoError(t, err)

			n := startHub(t, store, registry, sessionOptions())
			c := dialScripted(t, n, "client-a")
			req := c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{LastLSN: tt.lastLSN, Resume: true})

			report := payloadOf[protocol.ErrorPayload](t, c.expect(protocol.SrvError))
			assert.Equal(t, protocol.CodeResyncRequired, report.Code)
			assert.True(t, report.Resync)
			assert.Equal(t, req.MessageID, report.RefMessageID)

			start := payloadOf[protocol.InitStartPayload](t, c.expect(protocol.SrvInitStart))
			assert.Equal(t, models.LSN(10), start.ServerLSN)
		})
	}
}

func TestSessionResyncsWhenCompactedDuringCatchup(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltSyncRequest, protocol.SyncRequestPayload{LastLSN: 2, Resume: true})

	first := c.expect(protocol.SrvCatchupChanges)
	assert.Equal(t, models.LSN(5), changesOf(t, first).LastLSN)

	_, err := store.Compact(context.Background(), 8)
	require.NoError(t, err)
	c.ack(protocol.CltCatchupReceived, first)

	report := payloadOf[protocol.ErrorPayload](t, c.expect(protocol.SrvError))
	assert.Equal(t, protocol.CodeResyncRequired, report.Code)
	assert.True(t, report.Resync)

	start := payloadOf[protocol.InitStartPayload](t, c.expect(protocol.SrvInitStart))
	assert.Equal(t, models.LSN(10), start.ServerLSN)
}

func TestSessionAppliesClientBatchOnce(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	batch := c.send(protocol.CltSendChanges, protocol.ChangesPayload{Changes: []models.TableChange{
		{Table: "users", Operation: models.OpInsert, Data: userRow(7, base)},
		{Table: "nope", Operation: models.OpInsert, Data: map[string]any{"id": 1}},
	}})

	receipt := payloadOf[protocol.AckPayload](t, c.expect(protocol.SrvChangesReceived))
	assert.Equal(t, batch.MessageID, receipt.RefMessageID)

	ack := payloadOf[protocol.AckPayload](t, c.expect(protocol.SrvChangesApplied))
	assert.True(t, ack.Success)
	assert.Equal(t, batch.MessageID, ack.RefMessageID)
	assert.Equal(t, 1, ack.Applied)
	assert.Equal(t, 1, ack.Rejected)
	require.Len(t, ack.Failures, 1)
	assert.Equal(t, 1, ack.Failures[0].Index)

	row, ok := store.Get("users", rowID(1, 7))
	require.True(t, ok)
	assert.Equal(t, "client-a", row[models.ColumnOrigin])

	// The retry of an applied batch is answered from memory
	c.resend(batch)
	replayed := payloadOf[protocol.AckPayload](t, c.expect(protocol.SrvChangesApplied))
	assert.Equal(t, ack, replayed)

	lsn, err := store.CurrentLSN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.LSN(1), lsn)
}

func TestSessionHeartbeats(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	seedScenario(t, store)

	opts := sessionOptions()
	opts.HeartbeatInterval = 100 * time.Millisecond
	opts.HeartbeatTimeout = 300 * time.Millisecond
	n := startHub(t, store, registry, opts)
	c := dialScripted(t, n, "client-a")

	c.send(protocol.CltHeartbeat, protocol.HeartbeatPayload{LSN: 4, Active: true})
	hb := payloadOf[protocol.HeartbeatPayload](t, c.expect(protocol.SrvHeartbeat))
	assert.Equal(t, models.LSN(10), hb.LSN)
	assert.True(t, hb.Active)

	// Silence past the timeout ends the session
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, err := c.conn.Receive(ctx)
		if err != nil {
			assert.True(t, errors.Is(err, transport.ErrConnClosed), "got %v", err)
			return
		}
	}
}

func TestSessionRejectsServerMessages(t *testing.T) {
	registry := models.DefaultRegistry()
	store := db.NewMemoryStore(registry)
	n := startHub(t, store, registry, sessionOptions())
	c := dialScripted(t, n, "client-a")

	bogus := c.send(protocol.SrvLSNUpdate, protocol.LSNUpdatePayload{LSN: 3})
	report := payloadOf[protocol.ErrorPayload](t, c.expect(protocol.SrvError))
	assert.Equal(t, protocol.CodeInvalidMessage, report.Code)
	assert.Equal(t, bogus.MessageID, report.RefMessageID)
}
