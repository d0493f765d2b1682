package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

// LocalTx applies a server batch to the local store and moves the cursor in
// the same transaction
type LocalTx struct {
	tx    *sql.Tx
	store *LocalStore
}

func (t *LocalTx) StoredUpdatedAt(ctx context.Context, tbl *models.Table, pk any) (time.Time, bool, error) {
	query, args, err := t.store.builder.BuildSelectUpdatedAt(tbl, pk)
	if err != nil {
		return time.Time{}, false, err
	}
	var raw sql.NullString
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	ts, err := models.ParseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored %s of %s: %w", models.ColumnUpdatedAt, tbl.Name, err)
	}
	return ts, true, nil
}

func (t *LocalTx) Upsert(ctx context.Context, tbl *models.Table, row map[string]any) (bool, error) {
	query, args, err := t.store.builder.BuildUpsert(tbl, row)
	if err != nil {
		return false, err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("upsert %s: %w", tbl.Name, err)
	}
	return true, nil
}

func (t *LocalTx) Delete(ctx context.Context, tbl *models.Table, pk any) (bool, error) {
	query, args, err := t.store.builder.BuildDelete(tbl, pk)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", tbl.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *LocalTx) Isolate(ctx context.Context, fn func(ctx context.Context) error) error {
	return isolate(ctx, fn, func(ctx context.Context, stmt string) error {
		_, err := t.tx.ExecContext(ctx, stmt)
		return err
	})
}

// AdvanceLSN keeps the cursor at the maximum position ever committed
func (t *LocalTx) AdvanceLSN(ctx context.Context, lsn models.LSN) (models.LSN, error) {
	return advanceCursor(ctx, t.tx, lsn, t.store.timeText(t.store.now()))
}

func (t *LocalTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

// Rollback after a successful commit is a no-op
func (t *LocalTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
