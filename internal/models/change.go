package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Operation is the kind of mutation carried by a TableChange
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three replicated operations
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Reserved column names present on every replicated table
const (
	ColumnUpdatedAt = "updated_at"
	ColumnOrigin    = "client_id"
)

var ErrInvalidChange = errors.New("invalid table change")

// TableChange is the unit of replication, both on the wire and in memory.
// Data carries the full post-image for insert/update and at least the primary
// key for delete
type TableChange struct {
	Table     string         `json:"table"`
	Operation Operation      `json:"operation"`
	Data      map[string]any `json:"data"`
	LSN       LSN            `json:"lsn,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (c TableChange) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidChange)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Operation)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: empty data for %s on %s", ErrInvalidChange, c.Operation, c.Table)
	}
	return nil
}

// UnmarshalJSON decodes numbers as json.Number so integer keys and numeric
// columns survive the round trip without float rounding
func (c *TableChange) UnmarshalJSON(b []byte) error {
	type wire struct {
		Table     string          `json:"table"`
		Operation Operation       `json:"operation"`
		Data      json.RawMessage `json:"data"`
		LSN       LSN             `json:"lsn"`
		UpdatedAt time.Time       `json:"updated_at"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	data, err := DecodeRow(w.Data)
	if err != nil {
		return fmt.Errorf("decode change data: %w", err)
	}

	*c = TableChange{
		Table:     w.Table,
		Operation: w.Operation,
		Data:      data,
		LSN:       w.LSN,
		UpdatedAt: w.UpdatedAt,
	}
	return nil
}

// DecodeRow turns a JSON object into a column map, keeping numbers as json.Number
func DecodeRow(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

// ChangeLogEntry is one row of the server change log. Entries are append-only
// and written by the same transaction as the business write they describe
type ChangeLogEntry struct {
	ID        string          `db:"id"`
	LSN       LSN             `db:"lsn"`
	TableName string          `db:"table_name"`
	Operation Operation       `db:"operation"`
	Data      json.RawMessage `db:"data"`
	Origin    *string         `db:"origin"`
	Timestamp time.Time       `db:"logged_at"`
}

// FromOrigin reports whether the entry was produced by a write tagged with clientID
func (e ChangeLogEntry) FromOrigin(clientID string) bool {
	return e.Origin != nil && *e.Origin == clientID
}

// ToTableChange converts the log row into its wire form. Inserts and updates
// carry the row's own updated_at; a delete is versioned by the moment it was
// logged, since its data is the image of the row before removal
func (e ChangeLogEntry) ToTableChange() (TableChange, error) {
	data, err := DecodeRow(e.Data)
	if err != nil {
		return TableChange{}, fmt.Errorf("decode change log %s: %w", e.LSN, err)
	}

	updatedAt := CanonicalTime(e.Timestamp)
	if raw, ok := data[ColumnUpdatedAt].(string); ok && e.Operation != OpDelete {
		if t, err := ParseTimestamp(raw); err == nil {
			updatedAt = t
		}
	}

	return TableChange{
		Table:     e.TableName,
		Operation: e.Operation,
		Data:      data,
		LSN:       e.LSN,
		UpdatedAt: updatedAt,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp understands RFC3339 as well as the textual forms Postgres,
// SQLite and Firebird emit. Zone-less values are taken as UTC
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return CanonicalTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// CanonicalTime is the single representation used for last-write-wins
// comparisons: UTC, microsecond precision (what Postgres stores)
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
