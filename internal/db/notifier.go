package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
)

// ChangeChannel is the NOTIFY channel written by the sync_log_change trigger
const ChangeChannel = "sync_changes"

// Notifier holds one dedicated connection in LISTEN mode and republishes every
// change-log notification to the store's subscribers
type Notifier struct {
	pool    *pgxpool.Pool
	out     *Broadcaster
	logger  *slog.Logger
	backoff *infra.Backoff
}

func NewNotifier(store *PostgresStore, logger *slog.Logger) *Notifier {
	return &Notifier{
		pool:    store.Pool(),
		out:     store.Broadcaster(),
		logger:  logger.With("component", "notifier"),
		backoff: infra.NewBackoff(500*time.Millisecond, 30*time.Second, 2.0),
	}
}

// Run blocks until ctx is cancelled, reconnecting when the listening
// connection is lost
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := n.backoff.Next()
		n.logger.Warn("Change listener lost, reconnecting",
			"error", err,
			"attempt", n.backoff.Attempts(),
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}
	n.backoff.Reset()
	n.logger.Info("Listening for change-log notifications", "channel", ChangeChannel)

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		lsn, err := models.ParseLSN(note.Payload)
		if err != nil {
			n.logger.Warn("Ignoring malformed notification", "payload", note.Payload, "error", err)
			continue
		}
		n.out.Publish(lsn)
	}
}
