package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Guizzs26/go-sync-engine/internal/mapper"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

var tracer = otel.Tracer("go-sync-engine/processor")

// ErrBusy is returned when a batch arrives while another one from the same
// source is still being applied
var ErrBusy = errors.New("applier busy: batches from one source are applied one at a time")

// Target is the store a batch is applied to
type Target interface {
	// Begin opens a transaction. origin is the client the writes come from,
	// empty when they come from the server
	Begin(ctx context.Context, origin string) (Tx, error)
	// EnforcesLastWriteWins reports whether the store already drops stale
	// updates itself (Postgres triggers). The applier checks otherwise
	EnforcesLastWriteWins() bool
}

// Tx is one atomic unit of work on a Target
type Tx interface {
	StoredUpdatedAt(ctx context.Context, t *models.Table, pk any) (time.Time, bool, error)
	// Upsert writes the full row. applied is false when the store discarded it
	Upsert(ctx context.Context, t *models.Table, row map[string]any) (applied bool, err error)
	Delete(ctx context.Context, t *models.Table, pk any) (deleted bool, err error)
	// Isolate runs fn so that its failure undoes only its own writes
	Isolate(ctx context.Context, fn func(ctx context.Context) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// CursorTx is implemented by client transactions, which persist the sync
// cursor together with the rows of the batch
type CursorTx interface {
	AdvanceLSN(ctx context.Context, lsn models.LSN) (models.LSN, error)
}

// RowError describes one change of a batch that was not applied
type RowError struct {
	Index  int
	Table  string
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("change %d (%s): %s", e.Index, e.Table, e.Reason)
}

// Batch is a set of changes received in one message
type Batch struct {
	Changes []models.TableChange
	// Origin tags written rows with the client they came from
	Origin string
	// LastLSN is the cursor to persist with the batch, zero for none
	LastLSN models.LSN
}

// Result summarizes one applied batch
type Result struct {
	Total     int
	Applied   int
	Skipped   int
	Rejected  int
	Defaulted int
	Errors    []RowError
	// CursorLSN is the persisted cursor after commit when the target tracks one
	CursorLSN models.LSN
	Duration  time.Duration
}

type Options struct {
	// Direction is the flow the batch belongs to: DirectionUp on the server,
	// DirectionDown on a client
	Direction  models.Direction
	Side       string
	MaxRetries int
	OpTimeout  time.Duration
}

// Applier is the incoming batch applier. One Applier serves one source and
// refuses to run two batches at once
type Applier struct {
	target     Target
	registry   *models.Registry
	logger     *slog.Logger
	opts       Options
	processing atomic.Bool
}

// NewApplier creates a new instance of the batch orchestrator
func NewApplier(target Target, registry *models.Registry, logger *slog.Logger, opts Options) *Applier {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.Direction == "" {
		opts.Direction = models.DirectionDown
	}
	return &Applier{
		target:   target,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Processing reports whether a batch is being applied right now
func (a *Applier) Processing() bool {
	return a.processing.Load()
}

type prepared struct {
	index  int
	table  *models.Table
	op     models.Operation
	row    mapper.Row
	remove bool
}

// Apply commits every valid change of the batch in one transaction. Invalid
// rows are skipped and reported; only store failures fail the whole batch
func (a *Applier) Apply(ctx context.Context, batch Batch) (res Result, err error) {
	if !a.processing.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer a.processing.Store(false)

	start := time.Now()
	ctx, span := tracer.Start(ctx, "apply_batch",
		trace.WithAttributes(
			attribute.String("sync.side", a.opts.Side),
			attribute.Int("sync.batch_size", len(batch.Changes)),
			attribute.String("sync.origin", batch.Origin),
		))
	defer span.End()

	defer func() {
		res.Duration = time.Since(start)
		status := "success"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if isTransient(err) {
				status = "transient_error"
			} else {
				status = "fatal_error"
			}
		}
		metrics.ApplyDuration.WithLabelValues(a.opts.Side, status).Observe(res.Duration.Seconds())
		metrics.BatchSize.WithLabelValues(a.opts.Side).Observe(float64(len(batch.Changes)))
	}()

	l := a.logger.With("origin", batch.Origin, "changes", len(batch.Changes), "last_lsn", batch.LastLSN)

	// 1. Validation & coercion, row scoped
	rows, rejected, defaulted, superseded := a.prepare(batch)

	// 2. Transaction retry loop
	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxRetries; attempt++ {
		txCtx, cancel := context.WithTimeout(ctx, a.opts.OpTimeout)
		res, err = a.executeTransaction(txCtx, batch, rows)
		cancel()

		if err == nil {
			res.Total = len(batch.Changes)
			res.Skipped += superseded
			res.Rejected += len(rejected)
			res.Defaulted = defaulted
			res.Errors = append(rejected, res.Errors...)
			sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Index < res.Errors[j].Index })
			a.record(rows, res)

			l.Info("incoming_changes_processed",
				"applied", res.Applied,
				"skipped", res.Skipped,
				"rejected", res.Rejected,
				"defaulted", res.Defaulted,
				"cursor", res.CursorLSN,
				"attempt", attempt,
				"duration", time.Since(start),
			)
			return res, nil
		}

		if !isTransient(err) || ctx.Err() != nil {
			l.Error("incoming_changes_processed", "error", err, "attempt", attempt)
			return Result{}, err
		}

		lastErr = err
		metrics.ApplyRetries.WithLabelValues(a.opts.Side).Inc()

		// Linear backoff for locks: 200ms, 400ms, 600ms...
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		l.Warn("Lock contention detected, retrying batch",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return Result{}, fmt.Errorf("failed after %d attempts (last error: %w)", a.opts.MaxRetries, lastErr)
}

// prepare resolves tables, coerces values and orders the surviving rows so
// parents are written before children and deleted after them
func (a *Applier) prepare(batch Batch) (rows []prepared, rejected []RowError, defaulted, superseded int) {
	latest := make(map[string]int)

	for i, change := range batch.Changes {
		reject := func(table, reason string) {
			rejected = append(rejected, RowError{Index: i, Table: table, Reason: reason})
		}

		if err := change.Validate(); err != nil {
			reject(change.Table, err.Error())
			continue
		}
		t, err := a.registry.Lookup(change.Table)
		if err != nil {
			reject(change.Table, err.Error())
			continue
		}
		if !t.Flows(a.opts.Direction) {
			reject(t.Name, fmt.Sprintf("table %s is not replicated %s", t.Name, a.opts.Direction))
			continue
		}

		// A delete is versioned by the change itself, its data may be the
		// image of the row before removal
		data := change.Data
		_, stamped := data[models.ColumnUpdatedAt]
		if (!stamped || change.Operation == models.OpDelete) && !change.UpdatedAt.IsZero() {
			data = make(map[string]any, len(change.Data)+1)
			for k, v := range change.Data {
				data[k] = v
			}
			data[models.ColumnUpdatedAt] = change.UpdatedAt
		}

		row, err := mapper.NormalizeRow(t, change.Operation, data)
		if err != nil {
			reject(t.Name, err.Error())
			continue
		}
		defaulted += len(row.Defaulted)

		remove := change.Operation == models.OpDelete
		if !remove && batch.Origin != "" {
			row.Values[models.ColumnOrigin] = batch.Origin
		}

		// One write per row: the newest version wins, batch position breaks ties
		key := t.Name + "\x00" + mapper.TextOf(row.PK)
		if prev, ok := latest[key]; ok {
			superseded++
			if !supersedes(row.UpdatedAt, rows[prev].row.UpdatedAt) {
				continue
			}
			rows[prev] = prepared{index: -1}
		}
		latest[key] = len(rows)
		rows = append(rows, prepared{index: i, table: t, op: change.Operation, row: row, remove: remove})
	}

	kept := rows[:0]
	for _, r := range rows {
		if r.index >= 0 {
			kept = append(kept, r)
		}
	}
	rows = kept

	// Upserts by ascending level, then deletes by descending level. Stable so
	// rows of one table keep their log order
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i], rows[j]
		if ri.remove != rj.remove {
			return !ri.remove
		}
		if ri.remove {
			return ri.table.Level > rj.table.Level
		}
		return ri.table.Level < rj.table.Level
	})
	return rows, rejected, defaulted, superseded
}

// supersedes reports whether a later change in the batch replaces an earlier
// one for the same row. Unversioned changes fall back to batch order
func supersedes(next, current time.Time) bool {
	if next.IsZero() || current.IsZero() {
		return true
	}
	return !next.Before(current)
}

// executeTransaction encapsulates the atomic write of one batch
func (a *Applier) executeTransaction(ctx context.Context, batch Batch, rows []prepared) (Result, error) {
	var res Result

	tx, err := a.target.Begin(ctx, batch.Origin)
	if err != nil {
		return res, fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback(context.WithoutCancel(ctx))

	for _, r := range rows {
		var outcome string
		err := tx.Isolate(ctx, func(ctx context.Context) error {
			var err error
			outcome, err = a.applyRow(ctx, tx, r)
			return err
		})
		if err != nil {
			if isTransient(err) || ctx.Err() != nil {
				return res, err
			}
			res.Errors = append(res.Errors, RowError{Index: r.index, Table: r.table.Name, Reason: err.Error()})
			res.Rejected++
			continue
		}
		switch outcome {
		case outcomeApplied:
			res.Applied++
		default:
			res.Skipped++
		}
	}

	if batch.LastLSN != models.ZeroLSN {
		if cursorTx, ok := tx.(CursorTx); ok {
			cursor, err := cursorTx.AdvanceLSN(ctx, batch.LastLSN)
			if err != nil {
				return res, fmt.Errorf("advance cursor: %w", err)
			}
			res.CursorLSN = cursor
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit failed: %w", err)
	}
	return res, nil
}

const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeMissing = "missing"
)

func (a *Applier) applyRow(ctx context.Context, tx Tx, r prepared) (string, error) {
	checkLWW := r.remove || !a.target.EnforcesLastWriteWins()
	if checkLWW && !r.row.UpdatedAt.IsZero() {
		stored, found, err := tx.StoredUpdatedAt(ctx, r.table, r.row.PK)
		if err != nil {
			return "", fmt.Errorf("read stored version: %w", err)
		}
		if found {
			// Deletes lose only to a strictly newer write, updates must be
			// strictly newer to win
			if r.remove && stored.After(r.row.UpdatedAt) || !r.remove && !r.row.UpdatedAt.After(stored) {
				return outcomeStale, nil
			}
		}
	}

	if r.remove {
		deleted, err := tx.Delete(ctx, r.table, r.row.PK)
		if err != nil {
			return "", err
		}
		if !deleted {
			return outcomeMissing, nil
		}
		return outcomeApplied, nil
	}

	applied, err := tx.Upsert(ctx, r.table, r.row.Values)
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeStale, nil
	}
	return outcomeApplied, nil
}

func (a *Applier) record(rows []prepared, res Result) {
	failed := make(map[int]bool, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.Index] = true
		metrics.RowsProcessed.WithLabelValues(a.opts.Side, e.Table, "rejected").Inc()
	}
	for _, r := range rows {
		if !failed[r.index] {
			metrics.RowsProcessed.WithLabelValues(a.opts.Side, r.table.Name, "processed").Inc()
		}
	}
}

// isTransient detects lock contention worth retrying the whole batch for:
// Postgres deadlock/serialization failures, Firebird lock conflicts and
// SQLite busy databases
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "40p01") ||
		strings.Contains(msg, "40001") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
