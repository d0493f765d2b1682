package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-engine/internal/mapper"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
)

type memRows map[string]map[string]any

// MemoryStore is a ServerStore held in process memory. It applies the same
// guard rule and change-log append the Postgres triggers do, as a pre-commit
// hook of its transactions. Used by tests and by STORE_DRIVER=memory
type MemoryStore struct {
	registry  *models.Registry
	broadcast *Broadcaster
	// sem serializes transactions, held from Begin until Commit or Rollback
	sem chan struct{}

	mu        sync.RWMutex
	tables    map[string]memRows
	log       []models.ChangeLogEntry
	lsn       models.LSN
	compacted models.LSN
	now       func() time.Time
}

func NewMemoryStore(registry *models.Registry) *MemoryStore {
	s := &MemoryStore{
		registry:  registry,
		broadcast: NewBroadcaster(),
		sem:       make(chan struct{}, 1),
		tables:    make(map[string]memRows),
		now:       time.Now,
	}
	for _, t := range registry.Ordered() {
		s.tables[t.Name] = make(memRows)
	}
	return s
}

func (s *MemoryStore) EnforcesLastWriteWins() bool { return true }

func (s *MemoryStore) Begin(ctx context.Context, origin string) (processor.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	tables := make(map[string]memRows, len(s.tables))
	for name, rows := range s.tables {
		tables[name] = cloneRows(rows)
	}
	s.mu.RUnlock()

	return &memTx{store: s, origin: origin, tables: tables}, nil
}

// Put is a server-side business write: an insert or update with the guard
// rule applied, outside of any sync session
func (s *MemoryStore) Put(ctx context.Context, table string, data map[string]any) (bool, error) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return false, err
	}
	if _, ok := data[models.ColumnUpdatedAt]; !ok {
		stamped := make(map[string]any, len(data)+1)
		for k, v := range data {
			stamped[k] = v
		}
		stamped[models.ColumnUpdatedAt] = models.CanonicalTime(s.now())
		data = stamped
	}
	row, err := mapper.NormalizeRow(t, models.OpUpdate, data)
	if err != nil {
		return false, err
	}

	tx, err := s.Begin(ctx, "")
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	applied, err := tx.Upsert(ctx, t, row.Values)
	if err != nil {
		return false, err
	}
	return applied, tx.Commit(ctx)
}

// Remove is a server-side business delete
func (s *MemoryStore) Remove(ctx context.Context, table string, pk any) (bool, error) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return false, err
	}
	tx, err := s.Begin(ctx, "")
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	deleted, err := tx.Delete(ctx, t, pk)
	if err != nil {
		return false, err
	}
	return deleted, tx.Commit(ctx)
}

// Get returns a copy of one stored row in canonical form
func (s *MemoryStore) Get(table string, pk any) (map[string]any, bool) {
	t, err := s.registry.Lookup(table)
	if err != nil {
		return nil, false
	}
	key, err := pkKey(t, pk)
	if err != nil {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[t.Name][key]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

func (s *MemoryStore) CurrentLSN(ctx context.Context) (models.LSN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.MaxLSN(s.lsn, s.compacted), nil
}

func (s *MemoryStore) CompactedThrough(ctx context.Context) (models.LSN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted, nil
}

func (s *MemoryStore) FetchChanges(ctx context.Context, after, upTo models.LSN, limit int) ([]models.ChangeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.log), func(i int) bool { return s.log[i].LSN > after })
	var out []models.ChangeLogEntry
	for _, e := range s.log[start:] {
		if upTo != models.ZeroLSN && e.LSN > upTo || len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) CountRows(ctx context.Context, t *models.Table) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tables[t.Name])), nil
}

// SnapshotPage round-trips rows through JSON so callers see what a Postgres
// row_to_json page would give them
func (s *MemoryStore) SnapshotPage(ctx context.Context, t *models.Table, after string, limit int) ([]map[string]any, string, error) {
	s.mu.RLock()
	rows := s.tables[t.Name]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	page := make([]map[string]any, 0, len(keys))
	var encodeErr error
	for _, k := range keys {
		raw, err := json.Marshal(rows[k])
		if err != nil {
			encodeErr = err
			break
		}
		row, _ := models.DecodeRow(raw)
		page = append(page, row)
	}
	s.mu.RUnlock()

	if encodeErr != nil {
		return nil, "", fmt.Errorf("snapshot %s: %w", t.Name, encodeErr)
	}
	last := after
	if len(keys) > 0 {
		last = keys[len(keys)-1]
	}
	return page, last, nil
}

func (s *MemoryStore) Subscribe() (<-chan models.LSN, func()) {
	return s.broadcast.Subscribe()
}

func (s *MemoryStore) Compact(ctx context.Context, through models.LSN) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := sort.Search(len(s.log), func(i int) bool { return s.log[i].LSN > through })
	s.log = append([]models.ChangeLogEntry(nil), s.log[cut:]...)
	s.compacted = models.MaxLSN(s.compacted, through)
	return int64(cut), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// memTx works on a private copy of the tables, published on commit
type memTx struct {
	store   *MemoryStore
	origin  string
	tables  map[string]memRows
	pending []models.ChangeLogEntry
	done    bool
}

func (tx *memTx) StoredUpdatedAt(ctx context.Context, t *models.Table, pk any) (time.Time, bool, error) {
	key, err := pkKey(t, pk)
	if err != nil {
		return time.Time{}, false, err
	}
	row, ok := tx.tables[t.Name][key]
	if !ok {
		return time.Time{}, false, nil
	}
	ts, _ := row[models.ColumnUpdatedAt].(time.Time)
	return ts, !ts.IsZero(), nil
}

// Upsert applies the guard rule: updates that are not strictly newer are
// discarded, and an origin tag that does not change is cleared
func (tx *memTx) Upsert(ctx context.Context, t *models.Table, row map[string]any) (bool, error) {
	key, err := pkKey(t, row[t.PrimaryKey])
	if err != nil {
		return false, err
	}
	if err := tx.checkParents(t, row); err != nil {
		return false, err
	}

	op := models.OpInsert
	merged := make(map[string]any, len(t.Columns))
	if old, ok := tx.tables[t.Name][key]; ok {
		op = models.OpUpdate
		oldTS, _ := old[models.ColumnUpdatedAt].(time.Time)
		newTS, _ := row[models.ColumnUpdatedAt].(time.Time)
		if !oldTS.IsZero() && !newTS.IsZero() && !newTS.After(oldTS) {
			return false, nil
		}
		for k, v := range old {
			merged[k] = v
		}
		for k, v := range row {
			merged[k] = v
		}
		if merged[models.ColumnOrigin] == old[models.ColumnOrigin] {
			merged[models.ColumnOrigin] = nil
		}
	} else {
		for k, v := range row {
			merged[k] = v
		}
	}
	if _, ok := merged[models.ColumnOrigin]; !ok {
		merged[models.ColumnOrigin] = nil
	}

	var origin *string
	if o, ok := merged[models.ColumnOrigin].(string); ok && o != "" {
		origin = &o
	}
	if err := tx.appendLog(t, op, merged, origin); err != nil {
		return false, err
	}
	tx.tables[t.Name][key] = merged
	return true, nil
}

func (tx *memTx) Delete(ctx context.Context, t *models.Table, pk any) (bool, error) {
	key, err := pkKey(t, pk)
	if err != nil {
		return false, err
	}
	old, ok := tx.tables[t.Name][key]
	if !ok {
		return false, nil
	}
	if err := tx.checkChildren(t, key); err != nil {
		return false, err
	}

	var origin *string
	if tx.origin != "" {
		o := tx.origin
		origin = &o
	}
	if err := tx.appendLog(t, models.OpDelete, old, origin); err != nil {
		return false, err
	}
	delete(tx.tables[t.Name], key)
	return true, nil
}

func (tx *memTx) appendLog(t *models.Table, op models.Operation, row map[string]any, origin *string) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", t.Name, err)
	}
	tx.pending = append(tx.pending, models.ChangeLogEntry{
		TableName: t.Name,
		Operation: op,
		Data:      data,
		Origin:    origin,
		Timestamp: models.CanonicalTime(tx.store.now()),
	})
	return nil
}

func (tx *memTx) checkParents(t *models.Table, row map[string]any) error {
	for _, c := range t.Columns {
		if c.References == "" || row[c.Name] == nil {
			continue
		}
		parent, _, _ := strings.Cut(c.References, ".")
		pt, err := tx.store.registry.Lookup(parent)
		if err != nil {
			return err
		}
		key, err := pkKey(pt, row[c.Name])
		if err != nil {
			return err
		}
		if _, ok := tx.tables[pt.Name][key]; !ok {
			return fmt.Errorf("foreign key violation: %s.%s references missing %s %s", t.Name, c.Name, pt.Name, key)
		}
	}
	return nil
}

func (tx *memTx) checkChildren(t *models.Table, key string) error {
	for _, child := range tx.store.registry.Ordered() {
		for _, c := range child.Columns {
			parent, _, _ := strings.Cut(c.References, ".")
			if c.References == "" || parent != t.Name {
				continue
			}
			for _, row := range tx.tables[child.Name] {
				if v := row[c.Name]; v != nil && mapper.TextOf(v) == key {
					return fmt.Errorf("foreign key violation: %s %s is still referenced by %s", t.Name, key, child.Name)
				}
			}
		}
	}
	return nil
}

func (tx *memTx) Isolate(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := make(map[string]memRows, len(tx.tables))
	for name, rows := range tx.tables {
		saved[name] = cloneRows(rows)
	}
	pending := len(tx.pending)

	if err := fn(ctx); err != nil {
		tx.tables = saved
		tx.pending = tx.pending[:pending]
		return err
	}
	return nil
}

// Commit numbers the pending log rows and publishes the new tables together
// with them
func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already closed")
	}
	tx.done = true
	defer func() { <-tx.store.sem }()

	s := tx.store
	s.mu.Lock()
	s.tables = tx.tables
	for _, e := range tx.pending {
		s.lsn++
		e.LSN = s.lsn
		e.ID = uuid.NewString()
		s.log = append(s.log, e)
	}
	last := s.lsn
	s.mu.Unlock()

	if len(tx.pending) > 0 {
		s.broadcast.Publish(last)
	}
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	<-tx.store.sem
	return nil
}

func pkKey(t *models.Table, pk any) (string, error) {
	col, _ := t.Column(t.PrimaryKey)
	v, err := mapper.Normalize(col, pk)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("primary key value missing for table %s", t.Name)
	}
	return mapper.TextOf(v), nil
}

func cloneRows(rows memRows) memRows {
	out := make(memRows, len(rows))
	for k, v := range rows {
		out[k] = v
	}
	return out
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
