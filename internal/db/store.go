package db

import (
	"context"
	"errors"
	"sync"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
)

var (
	ErrNotFound      = errors.New("row not found")
	ErrReadOnlyTable = errors.New("table is not replicated upstream")
)

// ServerStore is the server-side storage collaborator: the replicated tables,
// their change log and a way to hear about new log rows
type ServerStore interface {
	processor.Target

	// CurrentLSN is the newest committed change-log position
	CurrentLSN(ctx context.Context) (models.LSN, error)
	// CompactedThrough is the newest position removed by retention. A client
	// resuming from an older position cannot catch up
	CompactedThrough(ctx context.Context) (models.LSN, error)
	// FetchChanges returns log rows with after < lsn <= upTo in LSN order.
	// A zero upTo means no upper bound
	FetchChanges(ctx context.Context, after, upTo models.LSN, limit int) ([]models.ChangeLogEntry, error)
	CountRows(ctx context.Context, t *models.Table) (int64, error)
	// SnapshotPage returns up to limit rows whose key sorts after the given
	// key, and the key of the last row returned
	SnapshotPage(ctx context.Context, t *models.Table, after string, limit int) ([]map[string]any, string, error)
	// Subscribe delivers change-log positions as they commit. Deliveries
	// coalesce, so receivers must re-read the log from their own cursor
	Subscribe() (<-chan models.LSN, func())
	// Compact drops log rows up to and including through
	Compact(ctx context.Context, through models.LSN) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Broadcaster fans change-log notifications out to every session
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan models.LSN
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan models.LSN)}
}

func (b *Broadcaster) Subscribe() (<-chan models.LSN, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan models.LSN, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

// Publish never blocks: a subscriber that has not consumed the previous
// notification keeps the newest position only
func (b *Broadcaster) Publish(lsn models.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- lsn:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- lsn:
			default:
			}
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
