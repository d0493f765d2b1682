package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rowID(kind, n int) string {
	return fmt.Sprintf("%08d-0000-0000-0000-%012d", kind, n)
}

func userRow(n int, ts time.Time) map[string]any {
	return map[string]any{
		"id": rowID(1, n), "email": fmt.Sprintf("user%d@example.com", n), "role": "member",
		"created_at": base, "updated_at": ts,
	}
}

func projectRow(n, owner int, ts time.Time) map[string]any {
	return map[string]any{
		"id": rowID(2, n), "owner_id": rowID(1, owner), "name": fmt.Sprintf("project %d", n),
		"status": "active", "created_at": base, "updated_at": ts,
	}
}

func taskRow(n, project int, ts time.Time) map[string]any {
	return map[string]any{
		"id": rowID(3, n), "project_id": rowID(2, project), "title": fmt.Sprintf("task %d", n),
		"status": "todo", "completed": false, "created_at": base, "updated_at": ts,
	}
}

func put(t *testing.T, s *db.MemoryStore, table string, row map[string]any) {
	t.Helper()
	applied, err := s.Put(context.Background(), table, row)
	require.NoError(t, err)
	require.True(t, applied, "%s write discarded", table)
}

// seedScenario writes 3 users, 2 projects and 5 tasks: log positions 1 to 10
func seedScenario(t *testing.T, s *db.MemoryStore) {
	t.Helper()
	for i := 1; i <= 3; i++ {
		put(t, s, "users", userRow(i, base))
	}
	for i := 1; i <= 2; i++ {
		put(t, s, "projects", projectRow(i, i, base))
	}
	for i := 1; i <= 5; i++ {
		put(t, s, "tasks", taskRow(i, 1+i%2, base))
	}
}

func startHub(t *testing.T, store *db.MemoryStore, registry *models.Registry, opts Options) *transport.Network {
	t.Helper()
	n := transport.NewNetwork()
	l, err := n.Listen()
	require.NoError(t, err)

	hub := NewHub(store, registry, opts, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		l.Close()
		<-done
	})
	return n
}

// recorder keeps a copy of every envelope crossing the network
type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	drop func(env protocol.Envelope) bool
	dup  func(env protocol.Envelope) bool
}

func (r *recorder) intercept(toServer bool, env protocol.Envelope) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	if r.drop != nil && r.drop(env) {
		return nil
	}
	if r.dup != nil && r.dup(env) {
		return []protocol.Envelope{env, env}
	}
	return []protocol.Envelope{env}
}

func (r *recorder) matching(clientID string, typ protocol.MessageType) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range r.envs {
		if e.Type == typ && (clientID == "" || e.ClientID == clientID) {
			out = append(out, e)
		}
	}
	return out
}

func openLocal(t *testing.T, path, clientID string, registry *models.Registry) *db.LocalStore {
	t.Helper()
	ctx := context.Background()
	s, err := db.NewLocalStore(ctx, "sqlite3", path, clientID, registry, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func engineOptions() Options {
	return Options{
		SnapshotPageSize:    2,
		CatchupChunkSize:    100,
		LiveBatchSize:       50,
		OutboxBatchSize:     10,
		OutboxMaxAttempts:   5,
		AckTimeout:          500 * time.Millisecond,
		MaxResends:          5,
		HeartbeatInterval:   100 * time.Millisecond,
		HeartbeatTimeout:    2 * time.Second,
		PollInterval:        50 * time.Millisecond,
		ReconnectMin:        20 * time.Millisecond,
		ReconnectMax:        100 * time.Millisecond,
		WakeInterval:        200 * time.Millisecond,
		MaintenanceInterval: time.Hour,
	}
}

type testClient struct {
	store  *db.LocalStore
	engine *Engine
	stop   func()
}

// startClient runs an engine over a fresh SQLite store, or the one at path
func startClient(t *testing.T, n *transport.Network, registry *models.Registry, clientID, path string) *testClient {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), clientID+".db")
	}
	store := openLocal(t, path, clientID, registry)
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(store, n, registry, engineOptions(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return &testClient{store: store, engine: engine, stop: stop}
}

func (c *testClient) waitLive(t *testing.T, lsn models.LSN) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, err := c.store.Cursor(context.Background())
		return err == nil && cur.CurrentLSN == lsn && cur.SyncState == models.StateLive
	}, 10*time.Second, 20*time.Millisecond, "client never reached lsn %s live", lsn)
}
