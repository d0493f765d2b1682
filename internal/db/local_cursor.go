package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

type cursorRow struct {
	ClientID            string         `db:"client_id"`
	CurrentLSN          int64          `db:"current_lsn"`
	SyncState           string         `db:"sync_state"`
	LastSyncTime        sql.NullString `db:"last_sync_time"`
	PendingChangesCount int64          `db:"pending_changes_count"`
	Bootstrapped        int64          `db:"bootstrapped"`
}

var cursorQuery = "SELECT " + strings.Join(aliased("client_id", "current_lsn", "sync_state",
	"last_sync_time", "pending_changes_count", "bootstrapped"), ", ") + " FROM sync_cursor WHERE id = 1"

// Cursor reads the persisted sync cursor
func (s *LocalStore) Cursor(ctx context.Context) (models.SyncCursor, error) {
	return s.cursor(ctx, s.db)
}

func (s *LocalStore) cursor(ctx context.Context, q sqlscan.Querier) (models.SyncCursor, error) {
	var row cursorRow
	if err := sqlscan.Get(ctx, q, &row, cursorQuery); err != nil {
		if sqlscan.NotFound(err) {
			return models.SyncCursor{}, ErrNotFound
		}
		return models.SyncCursor{}, fmt.Errorf("read sync cursor: %w", err)
	}

	c := models.SyncCursor{
		ClientID:            row.ClientID,
		CurrentLSN:          models.LSN(row.CurrentLSN),
		SyncState:           models.SyncState(row.SyncState),
		PendingChangesCount: int(row.PendingChangesCount),
		Bootstrapped:        row.Bootstrapped != 0,
	}
	if row.LastSyncTime.Valid && row.LastSyncTime.String != "" {
		if ts, err := models.ParseTimestamp(row.LastSyncTime.String); err == nil {
			c.LastSyncTime = ts
		}
	}
	return c, nil
}

// EnsureCursor creates the cursor row on first start. The client id stored
// there is the identity of this device from then on; a blank configured id
// gets a generated one
func (s *LocalStore) EnsureCursor(ctx context.Context) (models.SyncCursor, error) {
	c, err := s.Cursor(ctx)
	if err == nil {
		if s.clientID != "" && s.clientID != c.ClientID {
			s.logger.Warn("Configured client id differs from the stored one, keeping the stored id",
				"configured", s.clientID,
				"stored", c.ClientID,
			)
		}
		s.clientID = c.ClientID
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.SyncCursor{}, err
	}

	if s.clientID == "" {
		s.clientID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_cursor (id, client_id, current_lsn, sync_state, pending_changes_count, bootstrapped)
		 VALUES (1, ?, 0, ?, 0, 0)`,
		s.clientID, string(models.StateDisconnected))
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("create sync cursor: %w", err)
	}
	return s.Cursor(ctx)
}

// SetState records the phase of the current session
func (s *LocalStore) SetState(ctx context.Context, state models.SyncState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid sync state %q", state)
	}
	_, err := s.db.ExecContext(ctx, "UPDATE sync_cursor SET sync_state = ? WHERE id = 1", string(state))
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// MarkBootstrapped closes the initial phase: the cursor moves to the LSN the
// snapshot was taken at and later sessions resume from there
func (s *LocalStore) MarkBootstrapped(ctx context.Context, lsn models.LSN) (models.LSN, error) {
	var out models.LSN
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = advanceCursor(ctx, tx, lsn, s.timeText(s.now()))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE sync_cursor SET bootstrapped = 1 WHERE id = 1")
		return err
	})
	return out, err
}

// ResetLSN discards the cursor position so the next session starts with a
// full snapshot. The outbox is left untouched
func (s *LocalStore) ResetLSN(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_cursor SET current_lsn = 0, bootstrapped = 0, sync_state = ? WHERE id = 1",
		string(models.StateDisconnected))
	if err != nil {
		return fmt.Errorf("reset lsn: %w", err)
	}
	s.logger.Warn("Sync cursor reset, next session will resync from a snapshot")
	return nil
}

// advanceCursor never moves the cursor backwards
func advanceCursor(ctx context.Context, q querier, lsn models.LSN, now any) (models.LSN, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE sync_cursor
		 SET current_lsn = CASE WHEN current_lsn < CAST(? AS BIGINT) THEN CAST(? AS BIGINT) ELSE current_lsn END,
		     last_sync_time = ?
		 WHERE id = 1`,
		int64(lsn), int64(lsn), now)
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	var current int64
	if err := q.QueryRowContext(ctx, "SELECT current_lsn FROM sync_cursor WHERE id = 1").Scan(&current); err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return models.LSN(current), nil
}

// AdvanceLSN moves the cursor forward outside of a batch, for LSN-only
// notices from the server
func (s *LocalStore) AdvanceLSN(ctx context.Context, lsn models.LSN) (models.LSN, error) {
	return advanceCursor(ctx, s.db, lsn, s.timeText(s.now()))
}
