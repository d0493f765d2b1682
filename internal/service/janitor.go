package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

// MaintenanceRepository is the part of the local store the janitor tends to
type MaintenanceRepository interface {
	RequeueFailed(ctx context.Context) (int64, error)
	PurgeAcked(ctx context.Context, before time.Time) (int64, error)
	RefreshPendingCount(ctx context.Context) (int, error)
}

// Janitor periodically gives failed outbox entries another round of
// attempts and drops acknowledged entries past their retention
type Janitor struct {
	repo   MaintenanceRepository
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewJanitor(r MaintenanceRepository, opts Options, l *slog.Logger) *Janitor {
	return &Janitor{repo: r, opts: opts.withDefaults(), logger: l, now: time.Now}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-ctx.Done():
			j.logger.Info("🛑 Janitor: Stopping maintenance goroutine")
			return nil
		}
	}
}

// RunOnce performs one maintenance cycle. Failures are logged and retried on
// the next cycle
func (j *Janitor) RunOnce(ctx context.Context) {
	j.logger.Debug("🧹 Janitor: Starting outbox maintenance")

	requeued, err := j.repo.RequeueFailed(ctx)
	if err != nil {
		j.logger.Error("Janitor: Failed to requeue failed entries", "error", err)
	} else {
		metrics.OutboxFailed.Set(0)
		if requeued > 0 {
			j.logger.Warn("Janitor: Requeued failed outbox entries", "count", requeued)
		}
	}

	purged, err := j.repo.PurgeAcked(ctx, j.now().Add(-j.opts.OutboxRetention))
	if err != nil {
		j.logger.Error("Janitor: Failed to purge acknowledged entries", "error", err)
	} else if purged > 0 {
		j.logger.Info("Janitor: Purged acknowledged outbox entries", "count", purged)
	}

	pending, err := j.repo.RefreshPendingCount(ctx)
	if err != nil {
		j.logger.Error("Janitor: Failed to refresh pending count", "error", err)
		return
	}
	metrics.OutboxBacklog.Set(float64(pending))
}
