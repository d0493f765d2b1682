package models

import (
	"encoding/json"
	"time"
)

// OutboxStatus mirrors the processed_sync column of the client outbox
type OutboxStatus int

const (
	OutboxPending OutboxStatus = 0
	OutboxAcked   OutboxStatus = 1
	OutboxFailed  OutboxStatus = 2
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxAcked:
		return "acked"
	case OutboxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutboxEntry is a local mutation waiting for server acknowledgment.
// It is written by the same transaction that performs the mutation
type OutboxEntry struct {
	ID            string          `db:"id" json:"id"`
	Table         string          `db:"table_name" json:"table"`
	Operation     Operation       `db:"operation" json:"operation"`
	Data          json.RawMessage `db:"payload" json:"data"`
	LSN           LSN             `db:"lsn" json:"lsn"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	ProcessedSync OutboxStatus    `db:"processed_sync" json:"processed_sync"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// EstimateBytes is a rough wire size used to warn about oversized batches
func (e OutboxEntry) EstimateBytes() int {
	return len(e.Data) + len(e.Table) + len(e.ID) + 64
}

// ToTableChange builds the wire form sent upstream
func (e OutboxEntry) ToTableChange() (TableChange, error) {
	data, err := DecodeRow(e.Data)
	if err != nil {
		return TableChange{}, err
	}
	return TableChange{
		Table:     e.Table,
		Operation: e.Operation,
		Data:      data,
		LSN:       e.LSN,
		UpdatedAt: e.UpdatedAt,
	}, nil
}
