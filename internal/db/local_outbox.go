package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

// outboxRow is the storage shape of models.OutboxEntry; timestamps are kept
// as text by both local engines
type outboxRow struct {
	ID            string         `db:"id"`
	Table         string         `db:"table_name"`
	Operation     string         `db:"operation"`
	Payload       string         `db:"payload"`
	LSN           int64          `db:"lsn"`
	UpdatedAt     string         `db:"updated_at"`
	ProcessedSync int64          `db:"processed_sync"`
	Attempts      int64          `db:"attempts"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     string         `db:"created_at"`
}

var outboxColumns = aliased("id", "table_name", "operation", "payload", "lsn",
	"updated_at", "processed_sync", "attempts", "last_error", "created_at")

// aliased selects columns under a quoted lower-case alias so Firebird's
// upper-cased names still match the scan targets
func aliased(cols ...string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf(`%s AS "%s"`, c, c)
	}
	return out
}

func (r outboxRow) entry() (models.OutboxEntry, error) {
	updatedAt, err := models.ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("outbox %s: %w", r.ID, err)
	}
	createdAt, err := models.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("outbox %s: %w", r.ID, err)
	}
	return models.OutboxEntry{
		ID:            r.ID,
		Table:         r.Table,
		Operation:     models.Operation(r.Operation),
		Data:          []byte(r.Payload),
		LSN:           models.LSN(r.LSN),
		UpdatedAt:     updatedAt,
		ProcessedSync: models.OutboxStatus(r.ProcessedSync),
		Attempts:      int(r.Attempts),
		LastError:     r.LastError.String,
		CreatedAt:     createdAt,
	}, nil
}

// FetchPending returns up to limit pending entries in outbox order
func (s *LocalStore) FetchPending(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	status := models.OutboxPending
	return s.ListOutbox(ctx, &status, limit)
}

// ListOutbox lists entries, optionally of a single status, in outbox order
func (s *LocalStore) ListOutbox(ctx context.Context, status *models.OutboxStatus, limit int) ([]models.OutboxEntry, error) {
	q := sq.Select(outboxColumns...).
		From("sync_outbox").
		OrderBy("lsn").
		PlaceholderFormat(s.dialect.Placeholder())
	if status != nil {
		q = q.Where(sq.Eq{"processed_sync": int(*status)})
	}
	q = s.limit(q, limit)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []outboxRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	entries := make([]models.OutboxEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkAcked moves entries to acked once the server confirmed they were applied
func (s *LocalStore) MarkAcked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := sq.Update("sync_outbox").
			Set("processed_sync", int(models.OutboxAcked)).
			Set("last_error", nil).
			Where(sq.Eq{"id": ids}).
			PlaceholderFormat(s.dialect.Placeholder()).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark outbox acked: %w", err)
		}
		_, err = s.refreshPendingCount(ctx, tx)
		return err
	})
}

// RecordFailure counts a failed delivery attempt for each entry. Entries that
// reach maxAttempts become failed; it returns how many did
func (s *LocalStore) RecordFailure(ctx context.Context, ids []string, reason string, maxAttempts int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(reason) > 1000 {
		reason = reason[:1000]
	}

	var escalated int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := sq.Update("sync_outbox").
			Set("attempts", sq.Expr("attempts + 1")).
			Set("last_error", reason).
			Where(sq.Eq{"id": ids, "processed_sync": int(models.OutboxPending)}).
			PlaceholderFormat(s.dialect.Placeholder()).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("record outbox failure: %w", err)
		}

		query, args, err = sq.Update("sync_outbox").
			Set("processed_sync", int(models.OutboxFailed)).
			Where(sq.Eq{"id": ids, "processed_sync": int(models.OutboxPending)}).
			Where(sq.GtOrEq{"attempts": maxAttempts}).
			PlaceholderFormat(s.dialect.Placeholder()).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("escalate outbox entries: %w", err)
		}
		escalated, _ = res.RowsAffected()

		_, err = s.refreshPendingCount(ctx, tx)
		return err
	})
	return escalated, err
}

// RequeueFailed gives failed entries a fresh set of attempts
func (s *LocalStore) RequeueFailed(ctx context.Context) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := sq.Update("sync_outbox").
			Set("processed_sync", int(models.OutboxPending)).
			Set("attempts", 0).
			Where(sq.Eq{"processed_sync": int(models.OutboxFailed)}).
			PlaceholderFormat(s.dialect.Placeholder()).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("requeue failed outbox entries: %w", err)
		}
		n, _ = res.RowsAffected()
		_, err = s.refreshPendingCount(ctx, tx)
		return err
	})
	return n, err
}

// PurgeAcked deletes acknowledged entries created before the cutoff. Pending
// and failed entries are never removed
func (s *LocalStore) PurgeAcked(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := sq.Delete("sync_outbox").
		Where(sq.Eq{"processed_sync": int(models.OutboxAcked)}).
		Where(sq.Lt{"created_at": s.timeText(before)}).
		PlaceholderFormat(s.dialect.Placeholder()).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge acked outbox entries: %w", err)
	}
	return res.RowsAffected()
}

// RefreshPendingCount recomputes the cursor's pending_changes_count
func (s *LocalStore) RefreshPendingCount(ctx context.Context) (int, error) {
	return s.refreshPendingCount(ctx, s.db)
}

func (s *LocalStore) refreshPendingCount(ctx context.Context, q querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_outbox WHERE processed_sync <> ?", int(models.OutboxAcked)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	if _, err := q.ExecContext(ctx, "UPDATE sync_cursor SET pending_changes_count = ? WHERE id = 1", n); err != nil {
		return 0, fmt.Errorf("update pending count: %w", err)
	}
	return n, nil
}

func (s *LocalStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
