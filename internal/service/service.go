// Package service runs sync sessions: the server hub that streams the change
// log to every connected client, and the client engine that keeps a local
// store in step with it
package service

import (
	"context"
	"errors"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/config"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
)

var (
	ErrResyncRequired   = errors.New("resync required")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSessionClosed    = errors.New("session closed")
	ErrAckTimeout       = errors.New("acknowledgment timeout")
)

// gapError is returned by a stream when the receiver reported a missing chunk
type gapError struct {
	expected protocol.Sequence
}

func (e *gapError) Error() string {
	return protocol.ErrSequenceGap.Error()
}

func (e *gapError) Unwrap() error { return protocol.ErrSequenceGap }

// Options tunes both ends of a session
type Options struct {
	SnapshotPageSize  int
	CatchupChunkSize  int
	LiveBatchSize     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	AckTimeout time.Duration
	// MaxResends bounds how many times one chunk is sent before the session
	// is given up
	MaxResends int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// PollInterval re-reads the change log when no notification arrived
	PollInterval time.Duration
	// StatsEvery emits srv_sync_stats after that many live batches
	StatsEvery int
	DedupTTL   time.Duration

	ReconnectMin                time.Duration
	ReconnectMax                time.Duration
	ReconnectAttemptsBeforeWake int
	WakeInterval                time.Duration

	MaintenanceInterval time.Duration
	OutboxRetention     time.Duration
}

// OptionsFrom maps the process configuration onto session options
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		SnapshotPageSize:            cfg.SnapshotPageSize,
		CatchupChunkSize:            cfg.CatchupChunkSize,
		LiveBatchSize:               cfg.LiveBatchSize,
		OutboxBatchSize:             cfg.OutboxBatchSize,
		OutboxMaxAttempts:           cfg.OutboxMaxAttempts,
		AckTimeout:                  cfg.AckTimeout,
		HeartbeatInterval:           cfg.HeartbeatInterval,
		HeartbeatTimeout:            cfg.HeartbeatTimeout,
		PollInterval:                cfg.PollInterval,
		DedupTTL:                    cfg.DedupTTL,
		ReconnectMin:                cfg.ReconnectMin,
		ReconnectMax:                cfg.ReconnectMax,
		ReconnectAttemptsBeforeWake: cfg.ReconnectAttemptsBeforeWake,
		WakeInterval:                cfg.WakeInterval,
		MaintenanceInterval:         cfg.MaintenanceInterval,
		OutboxRetention:             cfg.OutboxRetention,
	}
}

func (o Options) withDefaults() Options {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&o.SnapshotPageSize, 500)
	setInt(&o.CatchupChunkSize, 200)
	setInt(&o.LiveBatchSize, 100)
	setInt(&o.OutboxBatchSize, 50)
	setInt(&o.OutboxMaxAttempts, 5)
	setInt(&o.MaxResends, 3)
	setInt(&o.StatsEvery, 50)
	setInt(&o.ReconnectAttemptsBeforeWake, 8)
	setDur(&o.AckTimeout, 15*time.Second)
	setDur(&o.HeartbeatInterval, 10*time.Second)
	setDur(&o.HeartbeatTimeout, 3*o.HeartbeatInterval)
	setDur(&o.PollInterval, 5*time.Second)
	setDur(&o.DedupTTL, 10*time.Minute)
	setDur(&o.ReconnectMin, time.Second)
	setDur(&o.ReconnectMax, time.Minute)
	setDur(&o.WakeInterval, 5*time.Minute)
	setDur(&o.MaintenanceInterval, 5*time.Minute)
	setDur(&o.OutboxRetention, 7*24*time.Hour)
	return o
}

// endedNormally tells a closed channel or a cancelled context apart from a
// failure worth logging
func endedNormally(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, transport.ErrConnClosed)
}

// changeTime reads the version stamp of a row as decoded from JSON
func changeTime(row map[string]any) time.Time {
	switch v := row[models.ColumnUpdatedAt].(type) {
	case time.Time:
		return models.CanonicalTime(v)
	case string:
		if t, err := models.ParseTimestamp(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
