package models

import "time"

// SyncState is the phase of a sync session as seen by the client cursor
type SyncState string

const (
	StateDisconnected SyncState = "disconnected"
	StateInitial      SyncState = "initial"
	StateCatchup      SyncState = "catchup"
	StateLive         SyncState = "live"
)

func (s SyncState) Valid() bool {
	switch s {
	case StateDisconnected, StateInitial, StateCatchup, StateLive:
		return true
	}
	return false
}

// SyncCursor is the single persisted row describing where a client left off.
// Bootstrapped is set once a snapshot completed; without it the next session
// starts over with the initial phase regardless of CurrentLSN
type SyncCursor struct {
	ClientID            string
	CurrentLSN          LSN
	SyncState           SyncState
	LastSyncTime        time.Time
	PendingChangesCount int
	Bootstrapped        bool
}

// Resumable reports whether the next session may skip the snapshot
func (c SyncCursor) Resumable() bool {
	return c.Bootstrapped
}
