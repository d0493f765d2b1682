package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

const MaxBatchMemoryThresholdMB = 20

// OutboxRepository defines the contract for outbox data persistence
type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkAcked(ctx context.Context, ids []string) error
	RecordFailure(ctx context.Context, ids []string, reason string, maxAttempts int) (int64, error)
	RefreshPendingCount(ctx context.Context) (int, error)
}

// Uplink carries one outbox batch to the server and returns its apply
// acknowledgment
type Uplink interface {
	SendBatch(ctx context.Context, env protocol.Envelope) (protocol.AckPayload, error)
}

// OutboxSender drains the outbox upstream in bounded batches. Entries leave
// the pending state only on a positive acknowledgment from the server
type OutboxSender struct {
	repo     OutboxRepository
	clientID string
	opts     Options
	logger   *slog.Logger
}

func NewOutboxSender(r OutboxRepository, clientID string, opts Options, l *slog.Logger) *OutboxSender {
	return &OutboxSender{
		repo:     r,
		clientID: clientID,
		opts:     opts.withDefaults(),
		logger:   l,
	}
}

// Run keeps draining until ctx ends or the link breaks. nudge wakes it up
// right after a local mutation instead of waiting for the next tick
func (s *OutboxSender) Run(ctx context.Context, link Uplink, nudge <-chan struct{}) error {
	backoff := infra.NewBackoff(500*time.Millisecond, s.opts.AckTimeout, 2.0)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		sent, err := s.ProcessNextBatch(ctx, link)
		switch {
		case err != nil && (ctx.Err() != nil || errors.Is(err, transport.ErrConnClosed)):
			return err
		case err != nil:
			wait := backoff.Next()
			s.logger.Error("Outbox batch failed", "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		backoff.Reset()

		// Keep going while there is a backlog
		if sent > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-nudge:
		case <-ticker.C:
		}
	}
}

// ProcessNextBatch sends the oldest pending entries as one batch and records
// the outcome. It returns how many entries were acknowledged
func (s *OutboxSender) ProcessNextBatch(ctx context.Context, link Uplink) (int, error) {
	start := time.Now()

	entries, err := s.repo.FetchPending(ctx, s.opts.OutboxBatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch failure: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var batchBytes int
	for _, e := range entries {
		batchBytes += e.EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		s.logger.Warn("Heavy batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(entries),
		)
	}

	// 1. Wire form. An unreadable payload never gets better by resending it
	sent := make([]models.OutboxEntry, 0, len(entries))
	changes := make([]models.TableChange, 0, len(entries))
	for _, e := range entries {
		c, err := e.ToTableChange()
		if err != nil {
			s.logger.Error("Outbox entry has an unreadable payload", "id", e.ID, "error", err)
			s.fail(ctx, []string{e.ID}, "unreadable payload: "+err.Error())
			continue
		}
		sent = append(sent, e)
		changes = append(changes, c)
	}
	if len(sent) == 0 {
		return 0, nil
	}

	env, err := protocol.New(protocol.CltSendChanges, s.clientID, protocol.ChangesPayload{Changes: changes})
	if err != nil {
		return 0, err
	}

	// 2. Transport: send and wait for the apply acknowledgment
	ack, err := link.SendBatch(ctx, env)
	if err != nil {
		s.fail(ctx, ids(sent), err.Error())
		metrics.OutboxSent.WithLabelValues("timeout").Add(float64(len(sent)))
		return 0, fmt.Errorf("batch %s not acknowledged: %w", env.MessageID, err)
	}
	if !ack.Success {
		s.fail(ctx, ids(sent), ack.Error)
		metrics.OutboxSent.WithLabelValues("rejected").Add(float64(len(sent)))
		return 0, fmt.Errorf("server failed to apply batch %s: %s", env.MessageID, ack.Error)
	}

	// 3. Rows the server rejected stay behind; everything else is done
	rejected := make(map[int]string, len(ack.Failures))
	for _, f := range ack.Failures {
		rejected[f.Index] = f.Reason
	}
	acked := make([]string, 0, len(sent))
	for i, e := range sent {
		if reason, ok := rejected[i]; ok {
			s.logger.Warn("Server rejected outbox entry", "id", e.ID, "table", e.Table, "reason", reason)
			s.fail(ctx, []string{e.ID}, reason)
			continue
		}
		acked = append(acked, e.ID)
	}

	if err := s.repo.MarkAcked(ctx, acked); err != nil {
		return 0, fmt.Errorf("db checkpoint failure: %w", err)
	}
	metrics.OutboxSent.WithLabelValues("acked").Add(float64(len(acked)))
	metrics.OutboxSent.WithLabelValues("rejected").Add(float64(len(rejected)))

	if pending, err := s.repo.RefreshPendingCount(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(pending))
	}

	s.logger.Info("Batch cycle telemetry",
		"count", len(sent),
		"acked", len(acked),
		"applied", ack.Applied,
		"skipped", ack.Skipped,
		"rejected", len(rejected),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return len(acked), nil
}

// fail counts an attempt against the entries. It must survive a cancelled
// session, so it runs on its own short deadline
func (s *OutboxSender) fail(ctx context.Context, ids []string, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	escalated, err := s.repo.RecordFailure(cleanupCtx, ids, reason, s.opts.OutboxMaxAttempts)
	if err != nil {
		s.logger.Error("CRITICAL: Failed to record outbox failure", "error", err, "count", len(ids))
		return
	}
	if escalated > 0 {
		metrics.OutboxFailed.Add(float64(escalated))
		s.logger.Error("Outbox entries exhausted their attempts", "count", escalated, "reason", reason)
	}
}

func ids(entries []models.OutboxEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
