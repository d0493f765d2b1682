package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

// Session is the server side of one client connection. It owns the phase
// state machine and applies the client's batches one at a time
type Session struct {
	id       string
	clientID string
	conn     transport.Conn
	store    db.ServerStore
	registry *models.Registry
	applier  *processor.Applier
	opts     Options
	logger   *slog.Logger
	dedup    *cache.Cache

	sendMu   sync.Mutex
	requests chan protocol.Envelope
	upstream chan protocol.Envelope
	acks     chan protocol.Envelope
	lastSeen atomic.Int64

	mu    sync.Mutex
	state models.SyncState
	stats sessionStats
}

type sessionStats struct {
	phaseStart   time.Time
	sent         int
	filtered     int
	deduplicated int
	perTable     map[string]map[models.Operation]int
}

// NewSession prepares a session for conn. dedup is shared by every session
// of the hub so a batch replayed on a new connection is still recognized
func NewSession(conn transport.Conn, store db.ServerStore, registry *models.Registry, dedup *cache.Cache, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	l := logger.With("client_id", conn.ClientID(), "session", id)
	if dedup == nil {
		dedup = cache.New(opts.DedupTTL, opts.DedupTTL)
	}

	return &Session{
		id:       id,
		clientID: conn.ClientID(),
		conn:     conn,
		store:    store,
		registry: registry,
		applier: processor.NewApplier(store, registry, l, processor.Options{
			Direction: models.DirectionUp,
			Side:      metrics.SideServer,
		}),
		opts:     opts,
		logger:   l,
		dedup:    dedup,
		requests: make(chan protocol.Envelope, 1),
		upstream: make(chan protocol.Envelope, 16),
		acks:     make(chan protocol.Envelope, 32),
		state:    models.StateDisconnected,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ClientID() string { return s.clientID }

// State is the phase the session is streaming
func (s *Session) State() models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run serves the connection until it closes, the peer goes silent or ctx is
// cancelled. A closed connection is a normal end and returns nil
func (s *Session) Run(ctx context.Context) error {
	s.lastSeen.Store(time.Now().UnixNano())
	s.logger.Info("Session opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.stream(gctx) })
	g.Go(func() error { return s.upstreamLoop(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })

	err := g.Wait()
	s.conn.Close()
	s.setState(models.StateDisconnected)

	if endedNormally(err) {
		s.logger.Info("Session closed")
		return nil
	}
	s.logger.Warn("Session ended", "error", err)
	return err
}

func (s *Session) setState(state models.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) send(ctx context.Context, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	env, err := protocol.New(typ, s.clientID, payload)
	if err != nil {
		return env, err
	}
	return env, s.sendEnvelope(ctx, env)
}

func (s *Session) sendEnvelope(ctx context.Context, env protocol.Envelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Send(ctx, env)
}

func (s *Session) sendError(ctx context.Context, code, msg, ref string) {
	_, err := s.send(ctx, protocol.SrvError, protocol.ErrorPayload{Code: code, Message: msg, RefMessageID: ref})
	if err != nil {
		s.logger.Debug("error report not delivered", "code", code, "error", err)
	}
}

// readLoop is the only reader of the connection. It answers heartbeats
// itself and hands everything else to the goroutine that owns it
func (s *Session) readLoop(ctx context.Context) error {
	for {
		env, err := s.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrEmptyEnvelope) {
				s.sendError(ctx, protocol.CodeUnknownType, err.Error(), env.MessageID)
				continue
			}
			return err
		}
		s.lastSeen.Store(time.Now().UnixNano())

		if err := protocol.Expect(env, false); err != nil {
			s.sendError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID)
			continue
		}

		switch env.Type {
		case protocol.CltSyncRequest:
			select {
			case s.requests <- env:
			default:
				s.logger.Warn("Ignoring repeated sync request", "message_id", env.MessageID)
			}

		case protocol.CltSendChanges:
			select {
			case s.upstream <- env:
			case <-ctx.Done():
				return ctx.Err()
			}

		case protocol.CltHeartbeat:
			if err := s.heartbeat(ctx, env); err != nil {
				return err
			}

		case protocol.CltChangesReceived:
			s.logger.Debug("Client received batch", "message_id", env.MessageID)

		case protocol.CltInitReceived, protocol.CltCatchupReceived, protocol.CltChangesApplied, protocol.CltError:
			if env.Type == protocol.CltError {
				s.logClientError(env)
			}
			select {
			case s.acks <- env:
			default:
				s.logger.Debug("Dropping acknowledgment nobody waits for", "type", env.Type)
			}
		}
	}
}

func (s *Session) heartbeat(ctx context.Context, env protocol.Envelope) error {
	var hb protocol.HeartbeatPayload
	if err := env.Unmarshal(&hb); err != nil {
		s.sendError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID)
		return nil
	}
	if !hb.Active {
		s.logger.Info("Client is going away", "lsn", hb.LSN)
	}
	current, err := s.store.CurrentLSN(ctx)
	if err != nil {
		return fmt.Errorf("read current lsn: %w", err)
	}
	_, err = s.send(ctx, protocol.SrvHeartbeat, protocol.HeartbeatPayload{LSN: current, Active: true})
	return err
}

func (s *Session) logClientError(env protocol.Envelope) {
	var p protocol.ErrorPayload
	if err := env.Unmarshal(&p); err != nil {
		s.logger.Warn("Client reported an unreadable error", "error", err)
		return
	}
	s.logger.Warn("Client reported error", "code", p.Code, "message", p.Message, "ref", p.RefMessageID)
}

// watchdog ends the session when the client stops talking. Clients send a
// heartbeat every interval, so silence beyond the timeout means a dead link
func (s *Session) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			silent := time.Since(time.Unix(0, s.lastSeen.Load()))
			if silent > s.opts.HeartbeatTimeout {
				metrics.HeartbeatTimeouts.WithLabelValues(metrics.SideServer).Inc()
				return fmt.Errorf("%w: client silent for %s", ErrHeartbeatTimeout, silent.Round(time.Millisecond))
			}
		}
	}
}

// upstreamLoop applies the client's outbox batches, serialized per session
func (s *Session) upstreamLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.upstream:
			if err := s.applyUpstream(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (s *Session) applyUpstream(ctx context.Context, env protocol.Envelope) error {
	// 1. Receipt: the batch made it across
	if _, err := s.send(ctx, protocol.SrvChangesReceived, protocol.AckPayload{RefMessageID: env.MessageID, Success: true}); err != nil {
		return err
	}

	// 2. Idempotency: a batch already applied is acknowledged again as is
	if cached, ok := s.dedup.Get(env.MessageID); ok {
		metrics.MessagesDeduplicated.WithLabelValues(metrics.SideServer).Inc()
		s.mu.Lock()
		s.stats.deduplicated++
		s.mu.Unlock()
		_, err := s.send(ctx, protocol.SrvChangesApplied, cached.(protocol.AckPayload))
		return err
	}

	payload, err := env.Changes()
	if err != nil {
		s.sendError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID)
		return nil
	}

	// 3. Apply with the origin tag of this client
	res, err := s.applier.Apply(ctx, processor.Batch{Changes: payload.Changes, Origin: s.clientID})
	ack := protocol.AckPayload{RefMessageID: env.MessageID}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("Failed to apply client batch", "message_id", env.MessageID, "error", err)
		ack.Error = err.Error()
		_, err = s.send(ctx, protocol.SrvChangesApplied, ack)
		return err
	}

	ack.Success = true
	ack.Applied = res.Applied
	ack.Skipped = res.Skipped
	ack.Rejected = res.Rejected
	ack.Failures = rowFailures(res.Errors)

	// 4. Remember the outcome so a replay is answered without reapplying
	s.dedup.SetDefault(env.MessageID, ack)
	_, err = s.send(ctx, protocol.SrvChangesApplied, ack)
	return err
}

func rowFailures(errs []processor.RowError) []protocol.RowFailure {
	if len(errs) == 0 {
		return nil
	}
	out := make([]protocol.RowFailure, len(errs))
	for i, e := range errs {
		out[i] = protocol.RowFailure{Index: e.Index, Table: e.Table, Reason: e.Reason}
	}
	return out
}
