package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/nakagami/firebirdsql"

	"github.com/Guizzs26/go-sync-engine/internal/mapper"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
)

var (
	//go:embed schema/local_sqlite.sql
	sqliteSchema string
	//go:embed schema/local_firebird.sql
	firebirdSchema string
)

var timestampColumn = models.Column{Name: models.ColumnUpdatedAt, Type: models.TypeTimestamp}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LocalStore is the durable client store: the replicated tables, the outbox
// and the sync cursor, on SQLite or on a legacy Firebird 2.5 branch database
type LocalStore struct {
	db       *sql.DB
	dialect  mapper.Dialect
	builder  *mapper.SQLBuilder
	registry *models.Registry
	clientID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewLocalStore opens the local database. A single connection is kept: both
// engines serialize writers anyway and the applier never runs concurrently
func NewLocalStore(ctx context.Context, driver, dsn, clientID string, registry *models.Registry, logger *slog.Logger) (*LocalStore, error) {
	dialect, err := mapper.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dialect.Name() == mapper.DialectPostgres {
		return nil, fmt.Errorf("postgres cannot be used as a local store")
	}

	db, err := sql.Open(dialect.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect.Name(), err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", dialect.Name(), err)
	}

	if dialect.Name() == mapper.DialectSQLite {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute %q: %w", p, err)
			}
		}
	}

	logger.Info("Connected to local store successfully", "driver", dialect.Name())

	return &LocalStore{
		db:       db,
		dialect:  dialect,
		builder:  mapper.NewSQLBuilder(dialect),
		registry: registry,
		clientID: clientID,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *LocalStore) ClientID() string {
	return s.clientID
}

func (s *LocalStore) Registry() *models.Registry {
	return s.registry
}

// Migrate creates the sync tables, the replicated tables and the cursor row.
// Firebird has no IF NOT EXISTS, so its "already exists" failures are ignored
func (s *LocalStore) Migrate(ctx context.Context) error {
	stmts := []string{sqliteSchema}
	if s.dialect.Name() == mapper.DialectFirebird {
		stmts = splitStatements(firebirdSchema)
	}
	for _, t := range s.registry.Ordered() {
		stmts = append(stmts, s.builder.BuildCreateTable(t))
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect.Name() == mapper.DialectFirebird && alreadyExists(err) {
				continue
			}
			return fmt.Errorf("migrate local store: %w", err)
		}
	}

	cursor, err := s.EnsureCursor(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Local store ready",
		"client_id", cursor.ClientID,
		"lsn", cursor.CurrentLSN,
		"bootstrapped", cursor.Bootstrapped,
	)
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "unsuccessful metadata update")
}

// beginTx uses ReadCommitted on Firebird, SQLite transactions are always
// serializable
func (s *LocalStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	if s.dialect.Name() == mapper.DialectFirebird {
		return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	}
	return s.db.BeginTx(ctx, nil)
}

// EnforcesLastWriteWins is false: the applier compares timestamps itself
func (s *LocalStore) EnforcesLastWriteWins() bool { return false }

// Begin opens a transaction for incoming server batches
func (s *LocalStore) Begin(ctx context.Context, origin string) (processor.Tx, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &LocalTx{tx: tx, store: s}, nil
}

// Mutate is the write path of the application: it changes one row and records
// the change in the outbox within the same transaction. Inserts without a key
// get a fresh UUID, updates are merged over the stored row
func (s *LocalStore) Mutate(ctx context.Context, op models.Operation, table string, data map[string]any) (models.OutboxEntry, error) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return models.OutboxEntry{}, err
	}
	if !t.Flows(models.DirectionUp) {
		return models.OutboxEntry{}, fmt.Errorf("%w: %s", ErrReadOnlyTable, t.Name)
	}
	if !op.Valid() {
		return models.OutboxEntry{}, fmt.Errorf("%w: unknown operation %q", models.ErrInvalidChange, op)
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Resolve the row being changed
	merged := make(map[string]any, len(t.Columns))
	var stored map[string]any
	pk, hasPK := data[t.PrimaryKey]
	switch {
	case op == models.OpInsert && (!hasPK || pk == nil):
		col, _ := t.Column(t.PrimaryKey)
		if col.Type != models.TypeUUID {
			return models.OutboxEntry{}, fmt.Errorf("%w: %s needs an explicit %s", mapper.ErrInvalidValue, t.Name, t.PrimaryKey)
		}
		merged[t.PrimaryKey] = uuid.NewString()
	case !hasPK || pk == nil:
		return models.OutboxEntry{}, fmt.Errorf("%w: missing primary key %s on %s", mapper.ErrInvalidValue, t.PrimaryKey, t.Name)
	default:
		stored, err = s.selectRow(ctx, tx, t, pk)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return models.OutboxEntry{}, err
		}
		if stored == nil && op != models.OpInsert {
			return models.OutboxEntry{}, fmt.Errorf("%w: %s %v", ErrNotFound, t.Name, pk)
		}
		for k, v := range stored {
			merged[k] = v
		}
	}
	for k, v := range data {
		merged[k] = v
	}

	// 2. Stamp the version and the origin. The version always moves forward
	// so a local edit wins over the row it replaces
	stamp := models.CanonicalTime(s.now())
	if prev, ok := stored[models.ColumnUpdatedAt].(time.Time); ok && !stamp.After(prev) {
		stamp = prev.Add(time.Microsecond)
	}
	merged[models.ColumnUpdatedAt] = stamp
	merged[models.ColumnOrigin] = s.clientID

	row, err := mapper.NormalizeRow(t, op, merged)
	if err != nil {
		return models.OutboxEntry{}, err
	}

	// 3. Business write
	var query string
	var args []any
	if op == models.OpDelete {
		query, args, err = s.builder.BuildDelete(t, row.PK)
	} else {
		query, args, err = s.builder.BuildUpsert(t, row.Values)
	}
	if err != nil {
		return models.OutboxEntry{}, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("%s %s: %w", op, t.Name, err)
	}

	// 4. Outbox entry in the same transaction
	payload := row.Values
	if op == models.OpDelete {
		payload = map[string]any{t.PrimaryKey: row.PK, models.ColumnUpdatedAt: stamp}
	}
	entry, err := s.appendOutbox(ctx, tx, t, op, payload, stamp)
	if err != nil {
		return models.OutboxEntry{}, err
	}
	if _, err := s.refreshPendingCount(ctx, tx); err != nil {
		return models.OutboxEntry{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("commit failed: %w", err)
	}

	s.logger.Debug("Local change recorded",
		"table", t.Name,
		"operation", op,
		"id", row.PK,
		"outbox_lsn", entry.LSN,
	)
	return entry, nil
}

func (s *LocalStore) appendOutbox(ctx context.Context, tx querier, t *models.Table, op models.Operation, payload map[string]any, stamp time.Time) (models.OutboxEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("encode outbox payload: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(lsn), 0) + 1 FROM sync_outbox").Scan(&next); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("next outbox position: %w", err)
	}

	entry := models.OutboxEntry{
		ID:            uuid.NewString(),
		Table:         t.Name,
		Operation:     op,
		Data:          data,
		LSN:           models.LSN(next),
		UpdatedAt:     stamp,
		ProcessedSync: models.OutboxPending,
		CreatedAt:     models.CanonicalTime(s.now()),
	}

	query, args, err := sq.Insert("sync_outbox").
		Columns("id", "table_name", "operation", "payload", "lsn", "updated_at", "processed_sync", "attempts", "created_at").
		Values(entry.ID, entry.Table, string(entry.Operation), string(entry.Data), next,
			s.timeText(entry.UpdatedAt), int(entry.ProcessedSync), 0, s.timeText(entry.CreatedAt)).
		PlaceholderFormat(s.dialect.Placeholder()).
		ToSql()
	if err != nil {
		return models.OutboxEntry{}, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	return entry, nil
}

// Get reads one replicated row in canonical form
func (s *LocalStore) Get(ctx context.Context, table string, pk any) (map[string]any, error) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return nil, err
	}
	return s.selectRow(ctx, s.db, t, pk)
}

// Count returns the number of rows of a replicated table
func (s *LocalStore) Count(ctx context.Context, table string) (int64, error) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return 0, err
	}
	query, args, err := s.builder.BuildCount(t)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}
	return n, nil
}

func (s *LocalStore) selectRow(ctx context.Context, q querier, t *models.Table, pk any) (map[string]any, error) {
	query, args, err := s.builder.BuildSelectRow(t, pk)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	raw := make(map[string]any, len(cols))
	for i, c := range cols {
		raw[c] = values[i]
	}
	return mapper.DecodeStored(t, raw)
}

func (s *LocalStore) timeText(t time.Time) any {
	v, _ := s.dialect.Arg(timestampColumn, models.CanonicalTime(t))
	return v
}

// limit appends a row limit in the dialect's syntax
func (s *LocalStore) limit(q sq.SelectBuilder, n int) sq.SelectBuilder {
	if n <= 0 {
		return q
	}
	if s.dialect.Name() == mapper.DialectFirebird {
		return q.Suffix(fmt.Sprintf("ROWS %d", n))
	}
	return q.Limit(uint64(n))
}

// Close gracefully shuts down the database connection pool
func (s *LocalStore) Close() error {
	s.logger.Info("Closing local store")
	return s.db.Close()
}
