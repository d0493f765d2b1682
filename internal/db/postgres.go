package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Guizzs26/go-sync-engine/internal/mapper"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
)

//go:embed schema/postgres.sql
var postgresSchema string

var tracer = otel.Tracer("go-sync-engine/db")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore is the server store. Last-write-wins, origin-echo and the
// change log are enforced by triggers installed with Migrate
type PostgresStore struct {
	pool      *pgxpool.Pool
	registry  *models.Registry
	builder   *mapper.SQLBuilder
	broadcast *Broadcaster
	logger    *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, registry *models.Registry, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{
		pool:      p,
		registry:  registry,
		builder:   mapper.NewSQLBuilder(mapper.Postgres{}),
		broadcast: NewBroadcaster(),
		logger:    logger,
	}, nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate installs the change log, the trigger functions and, for every table
// of the registry, the table itself (when missing), its origin column and its
// triggers. Safe to run repeatedly
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("install change log: %w", err)
	}

	for _, t := range s.registry.Ordered() {
		name := pgx.Identifier{t.Name}.Sanitize()
		stmts := []string{
			s.builder.BuildCreateTable(t),
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS client_id text", name),
			fmt.Sprintf("DROP TRIGGER IF EXISTS sync_guard ON %s", name),
			fmt.Sprintf("CREATE TRIGGER sync_guard BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION sync_guard_row()", name),
			fmt.Sprintf("DROP TRIGGER IF EXISTS sync_log ON %s", name),
			fmt.Sprintf("CREATE TRIGGER sync_log AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION sync_log_change()", name),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate table %s: %w", t.Name, err)
			}
		}
		s.logger.Info("Replicated table ready", "table", t.Name, "level", t.Level)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnforcesLastWriteWins() bool { return true }

// Begin opens a transaction. The origin is exposed to the change-log trigger
// through the transaction-local sync.origin setting, which is how deletes get
// tagged
func (s *PostgresStore) Begin(ctx context.Context, origin string) (processor.Tx, error) {
	ctx, span := tracer.Start(ctx, "pg.begin", trace.WithAttributes(attribute.String("sync.origin", origin)))
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	if origin != "" {
		if _, err := tx.Exec(ctx, "SELECT set_config('sync.origin', $1, true)", origin); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set sync.origin: %w", err)
		}
	}
	return &pgTx{tx: tx, builder: s.builder}, nil
}

func (s *PostgresStore) CurrentLSN(ctx context.Context) (models.LSN, error) {
	var lsn int64
	err := s.pool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(lsn) FROM sync_change_log), 0),
			(SELECT compacted_through FROM sync_log_retention WHERE id = 1)
		)`).Scan(&lsn)
	if err != nil {
		return 0, fmt.Errorf("read current lsn: %w", err)
	}
	return models.LSN(lsn), nil
}

func (s *PostgresStore) CompactedThrough(ctx context.Context) (models.LSN, error) {
	var lsn int64
	err := s.pool.QueryRow(ctx, "SELECT compacted_through FROM sync_log_retention WHERE id = 1").Scan(&lsn)
	if err != nil {
		return 0, fmt.Errorf("read retention: %w", err)
	}
	return models.LSN(lsn), nil
}

func (s *PostgresStore) FetchChanges(ctx context.Context, after, upTo models.LSN, limit int) ([]models.ChangeLogEntry, error) {
	q := psql.Select("id::text AS id", "lsn", "table_name", "operation", "data", "origin", "logged_at").
		From("sync_change_log").
		Where(sq.Gt{"lsn": int64(after)}).
		OrderBy("lsn").
		Limit(uint64(limit))
	if upTo != models.ZeroLSN {
		q = q.Where(sq.LtOrEq{"lsn": int64(upTo)})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var entries []models.ChangeLogEntry
	if err := pgxscan.Select(ctx, s.pool, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("fetch changes after %s: %w", after, err)
	}
	return entries, nil
}

func (s *PostgresStore) CountRows(ctx context.Context, t *models.Table) (int64, error) {
	query, args, err := s.builder.BuildCount(t)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}
	return n, nil
}

type snapshotRow struct {
	Key  string `db:"k"`
	Data string `db:"data"`
}

// SnapshotPage pages through a table by primary key, rendered as JSON by
// Postgres itself so every column type arrives in its literal text form
func (s *PostgresStore) SnapshotPage(ctx context.Context, t *models.Table, after string, limit int) ([]map[string]any, string, error) {
	key := "t." + pgx.Identifier{t.PrimaryKey}.Sanitize() + "::text"
	q := psql.Select(key+" AS k", "row_to_json(t)::text AS data").
		From(pgx.Identifier{t.Name}.Sanitize() + " t").
		OrderBy(key).
		Limit(uint64(limit))
	if after != "" {
		q = q.Where(sq.Gt{key: after})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, "", err
	}

	var page []snapshotRow
	if err := pgxscan.Select(ctx, s.pool, &page, query, args...); err != nil {
		return nil, "", fmt.Errorf("snapshot %s: %w", t.Name, err)
	}

	rows := make([]map[string]any, 0, len(page))
	last := after
	for _, r := range page {
		row, err := models.DecodeRow([]byte(r.Data))
		if err != nil {
			return nil, "", fmt.Errorf("decode %s row %s: %w", t.Name, r.Key, err)
		}
		rows = append(rows, row)
		last = r.Key
	}
	return rows, last, nil
}

func (s *PostgresStore) Subscribe() (<-chan models.LSN, func()) {
	return s.broadcast.Subscribe()
}

// Broadcaster is fed by the Notifier
func (s *PostgresStore) Broadcaster() *Broadcaster {
	return s.broadcast
}

// Compact removes log rows through the given position and moves the
// retention watermark, so clients that are further behind get a resync
func (s *PostgresStore) Compact(ctx context.Context, through models.LSN) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM sync_change_log WHERE lsn <= $1", int64(through))
	if err != nil {
		return 0, fmt.Errorf("compact change log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE sync_log_retention SET compacted_through = GREATEST(compacted_through, $1) WHERE id = 1",
		int64(through)); err != nil {
		return 0, fmt.Errorf("update retention: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// pgTx implements processor.Tx
type pgTx struct {
	tx      pgx.Tx
	builder *mapper.SQLBuilder
}

func (t *pgTx) StoredUpdatedAt(ctx context.Context, tbl *models.Table, pk any) (time.Time, bool, error) {
	query, args, err := t.builder.BuildSelectUpdatedAt(tbl, pk)
	if err != nil {
		return time.Time{}, false, err
	}
	var ts *time.Time
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return models.CanonicalTime(*ts), true, nil
}

// Upsert reports false when the guard trigger discarded a stale update
func (t *pgTx) Upsert(ctx context.Context, tbl *models.Table, row map[string]any) (bool, error) {
	query, args, err := t.builder.BuildUpsert(tbl, row)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", tbl.Name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) Delete(ctx context.Context, tbl *models.Table, pk any) (bool, error) {
	query, args, err := t.builder.BuildDelete(tbl, pk)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", tbl.Name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) Isolate(ctx context.Context, fn func(ctx context.Context) error) error {
	return isolate(ctx, fn, func(ctx context.Context, stmt string) error {
		_, err := t.tx.Exec(ctx, stmt)
		return err
	})
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// isolate wraps fn in a savepoint so a failing row leaves the surrounding
// transaction usable
func isolate(ctx context.Context, fn func(ctx context.Context) error, exec func(ctx context.Context, stmt string) error) error {
	if err := exec(ctx, "SAVEPOINT sync_row"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		if rbErr := exec(ctx, "ROLLBACK TO SAVEPOINT sync_row"); rbErr != nil {
			return fmt.Errorf("%v (rollback to savepoint: %w)", err, rbErr)
		}
		return err
	}
	return exec(ctx, "RELEASE SAVEPOINT sync_row")
}
