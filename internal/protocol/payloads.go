package protocol

import (
	"github.com/Guizzs26/go-sync-engine/internal/models"
)

// Sequence marks a chunk within a stream. Table is set for snapshot chunks,
// which are numbered per table
type Sequence struct {
	Table string `json:"table,omitempty"`
	Chunk int    `json:"chunk"`
	Total int    `json:"total"`
}

// Last reports whether this is the final chunk of its stream. A zero Total
// means the stream length is open ended (live)
func (s Sequence) Last() bool {
	return s.Total > 0 && s.Chunk >= s.Total
}

// ChangesPayload is carried by srv_init_changes, srv_catchup_changes,
// srv_live_changes and clt_send_changes
type ChangesPayload struct {
	Changes  []models.TableChange `json:"changes"`
	Sequence *Sequence            `json:"sequence,omitempty"`
	LastLSN  models.LSN           `json:"lastLsn,omitempty"`
}

// RowFailure identifies one change of a batch that was not applied
type RowFailure struct {
	Index  int    `json:"index"`
	Table  string `json:"table,omitempty"`
	Reason string `json:"reason"`
}

// AckPayload is shared by the receipt and apply acknowledgments of both
// directions. RefMessageID is the id of the batch being acknowledged
type AckPayload struct {
	RefMessageID string       `json:"refMessageId"`
	Success      bool         `json:"success"`
	LastLSN      models.LSN   `json:"lastLsn,omitempty"`
	Sequence     *Sequence    `json:"sequence,omitempty"`
	Applied      int          `json:"applied"`
	Skipped      int          `json:"skipped"`
	Rejected     int          `json:"rejected"`
	Failures     []RowFailure `json:"failures,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type TableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

type InitStartPayload struct {
	ServerLSN models.LSN   `json:"serverLsn"`
	Tables    []TableCount `json:"tables"`
}

// InitCompletePayload carries the server LSN observed when the snapshot started
type InitCompletePayload struct {
	ServerLSN models.LSN `json:"serverLsn"`
}

// SyncRequestPayload opens a session. Resume asks the server to continue
// from LastLSN; without it the server starts with a snapshot
type SyncRequestPayload struct {
	LastLSN models.LSN `json:"lastLsn"`
	Resume  bool       `json:"resume"`
}

type HeartbeatPayload struct {
	LSN    models.LSN `json:"lsn"`
	Active bool       `json:"active"`
}

// LSNUpdatePayload advances the client cursor when every change of a live
// batch was filtered out
type LSNUpdatePayload struct {
	LSN models.LSN `json:"lsn"`
}

// Error codes carried by srv_error and clt_error
const (
	CodeResyncRequired = "resync_required"
	CodeSequenceGap    = "sequence_gap"
	CodeInvalidMessage = "invalid_message"
	CodeApplyFailed    = "apply_failed"
	CodeUnknownType    = "unknown_type"
	CodeAckTimeout     = "ack_timeout"
)

type ErrorPayload struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Resync       bool      `json:"resync,omitempty"`
	RefMessageID string    `json:"refMessageId,omitempty"`
	Expected     *Sequence `json:"expected,omitempty"`
}

type SyncCompletedPayload struct {
	StartLSN    models.LSN `json:"startLsn"`
	FinalLSN    models.LSN `json:"finalLsn"`
	ChangeCount int        `json:"changeCount"`
	Success     bool       `json:"success"`
}

// StatsPayload is informational only
type StatsPayload struct {
	Phase        models.SyncState                    `json:"phase"`
	Sent         int                                 `json:"sent"`
	Filtered     int                                 `json:"filtered"`
	Deduplicated int                                 `json:"deduplicated"`
	PerTable     map[string]map[models.Operation]int `json:"perTable,omitempty"`
	DurationMs   int64                               `json:"durationMs"`
}
