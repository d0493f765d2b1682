package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
)

// fakeUplink answers every batch with reply
type fakeUplink struct {
	reply func(env protocol.Envelope) (protocol.AckPayload, error)
	sent  []protocol.Envelope
}

func (f *fakeUplink) SendBatch(ctx context.Context, env protocol.Envelope) (protocol.AckPayload, error) {
	f.sent = append(f.sent, env)
	return f.reply(env)
}

func outboxWithThreeUsers(t *testing.T) *db.LocalStore {
	t.Helper()
	store := openLocal(t, filepath.Join(t.TempDir(), "client.db"), "client-a", models.DefaultRegistry())
	t.Cleanup(func() { store.Close() })
	for i := 1; i <= 3; i++ {
		_, err := store.Mutate(context.Background(), models.OpInsert, "users", userRow(i, base))
		require.NoError(t, err)
	}
	return store
}

func statusCounts(t *testing.T, store *db.LocalStore) map[models.OutboxStatus]int {
	t.Helper()
	entries, err := store.ListOutbox(context.Background(), nil, 0)
	require.NoError(t, err)
	out := map[models.OutboxStatus]int{}
	for _, e := range entries {
		out[e.ProcessedSync]++
	}
	return out
}

func TestOutboxSenderProcessNextBatch(t *testing.T) {
	tests := []struct {
		name      string
		reply     func(env protocol.Envelope) (protocol.AckPayload, error)
		wantSent  int
		wantErr   bool
		wantState map[models.OutboxStatus]int
	}{
		{
			name: "all applied",
			reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
				return protocol.AckPayload{RefMessageID: env.MessageID, Success: true, Applied: 3}, nil
			},
			wantSent:  3,
			wantState: map[models.OutboxStatus]int{models.OutboxAcked: 3},
		},
		{
			name: "one row rejected",
			reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
				return protocol.AckPayload{
					RefMessageID: env.MessageID, Success: true, Applied: 2, Rejected: 1,
					Failures: []protocol.RowFailure{{Index: 1, Table: "users", Reason: "bad email"}},
				}, nil
			},
			wantSent:  2,
			wantState: map[models.OutboxStatus]int{models.OutboxAcked: 2, models.OutboxPending: 1},
		},
		{
			name: "no acknowledgment",
			reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
				return protocol.AckPayload{}, ErrAckTimeout
			},
			wantErr:   true,
			wantState: map[models.OutboxStatus]int{models.OutboxPending: 3},
		},
		{
			name: "batch failed on the server",
			reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
				return protocol.AckPayload{RefMessageID: env.MessageID, Error: "deadlock"}, nil
			},
			wantErr:   true,
			wantState: map[models.OutboxStatus]int{models.OutboxPending: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := outboxWithThreeUsers(t)
			link := &fakeUplink{reply: tt.reply}
			sender := NewOutboxSender(store, "client-a", Options{OutboxBatchSize: 10}, discardLogger())

			sent, err := sender.ProcessNextBatch(context.Background(), link)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSent, sent)
			assert.Equal(t, tt.wantState, statusCounts(t, store))

			require.Len(t, link.sent, 1)
			p := changesOf(t, link.sent[0])
			require.Len(t, p.Changes, 3)
			assert.Equal(t, "client-a", link.sent[0].ClientID)
			assert.Equal(t, "client-a", p.Changes[0].Data[models.ColumnOrigin])
		})
	}
}

func TestOutboxSenderEscalatesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := outboxWithThreeUsers(t)
	link := &fakeUplink{reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
		return protocol.AckPayload{}, errors.New("link down")
	}}
	sender := NewOutboxSender(store, "client-a", Options{OutboxMaxAttempts: 2}, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := sender.ProcessNextBatch(ctx, link)
		require.Error(t, err)
	}
	assert.Equal(t, map[models.OutboxStatus]int{models.OutboxFailed: 3}, statusCounts(t, store))

	// Nothing left to send until the janitor requeues
	sent, err := sender.ProcessNextBatch(ctx, link)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, link.sent, 2)

	NewJanitor(store, Options{}, discardLogger()).RunOnce(ctx)
	assert.Equal(t, map[models.OutboxStatus]int{models.OutboxPending: 3}, statusCounts(t, store))
}

func TestOutboxSenderBatchesInOutboxOrder(t *testing.T) {
	store := outboxWithThreeUsers(t)
	link := &fakeUplink{reply: func(env protocol.Envelope) (protocol.AckPayload, error) {
		return protocol.AckPayload{RefMessageID: env.MessageID, Success: true}, nil
	}}
	sender := NewOutboxSender(store, "client-a", Options{OutboxBatchSize: 2}, discardLogger())

	for _, want := range []int{2, 1, 0} {
		sent, err := sender.ProcessNextBatch(context.Background(), link)
		require.NoError(t, err)
		assert.Equal(t, want, sent)
	}
	require.Len(t, link.sent, 2)
	first := changesOf(t, link.sent[0]).Changes
	assert.Equal(t, rowID(1, 1), first[0].Data["id"])
	assert.Equal(t, rowID(1, 2), first[1].Data["id"])
	assert.Equal(t, rowID(1, 3), changesOf(t, link.sent[1]).Changes[0].Data["id"])
}

type fakeMaintenance struct {
	requeued, purged int64
	cutoff           time.Time
	err              error
}

func (f *fakeMaintenance) RequeueFailed(ctx context.Context) (int64, error) { return f.requeued, f.err }
func (f *fakeMaintenance) PurgeAcked(ctx context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return f.purged, nil
}
func (f *fakeMaintenance) RefreshPendingCount(ctx context.Context) (int, error) { return 0, nil }

func TestJanitorRunOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeMaintenance{requeued: 2, purged: 5}
	j := NewJanitor(repo, Options{OutboxRetention: 48 * time.Hour}, discardLogger())
	j.now = func() time.Time { return now }

	j.RunOnce(context.Background())
	assert.Equal(t, now.Add(-48*time.Hour), repo.cutoff)

	// A failing step does not stop the others
	repo.err = errors.New("disk full")
	repo.cutoff = time.Time{}
	j.RunOnce(context.Background())
	assert.Equal(t, now.Add(-48*time.Hour), repo.cutoff)
}
