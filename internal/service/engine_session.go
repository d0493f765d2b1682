package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

// clientSession is the client side of one connection. Incoming messages are
// handled one at a time by the reader, so batches never overlap
type clientSession struct {
	e        *Engine
	conn     transport.Conn
	tracker  *protocol.SequenceTracker
	logger   *slog.Logger
	sendMu   sync.Mutex
	lastSeen atomic.Int64
	acks     chan protocol.Envelope
	live     chan struct{}
	liveOnce sync.Once
}

func (e *Engine) runSession(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancelSession = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelSession = nil
		e.mu.Unlock()
	}()

	cs := &clientSession{
		e:       e,
		conn:    conn,
		tracker: protocol.NewSequenceTracker(),
		logger:  e.logger,
		acks:    make(chan protocol.Envelope, 8),
		live:    make(chan struct{}),
	}
	cs.lastSeen.Store(time.Now().UnixNano())
	defer conn.Close()

	// 1. Open with the stored cursor
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	state := models.StateInitial
	if cursor.Resumable() {
		state = models.StateCatchup
	}
	if err := e.store.SetState(ctx, state); err != nil {
		return err
	}
	if _, err := cs.send(ctx, protocol.CltSyncRequest, protocol.SyncRequestPayload{
		LastLSN: cursor.CurrentLSN,
		Resume:  cursor.Resumable(),
	}); err != nil {
		return err
	}
	cs.logger.Info("Sync requested", "last_lsn", cursor.CurrentLSN, "resume", cursor.Resumable())

	// 2. Reader, heartbeats and, once live, the outbox sender
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cs.readLoop(gctx) })
	g.Go(func() error { return cs.heartbeatLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-cs.live:
		}
		return e.sender.Run(gctx, cs, e.nudge)
	})

	err = g.Wait()
	cs.goodbye(ctx)
	return err
}

func (cs *clientSession) send(ctx context.Context, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	env, err := protocol.New(typ, cs.e.store.ClientID(), payload)
	if err != nil {
		return env, err
	}
	cs.sendMu.Lock()
	defer cs.sendMu.Unlock()
	return env, cs.conn.Send(ctx, env)
}

// goodbye tells the server the client is going away on purpose
func (cs *clientSession) goodbye(ctx context.Context) {
	if ctx.Err() == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_, _ = cs.send(sendCtx, protocol.CltHeartbeat, protocol.HeartbeatPayload{Active: false})
}

func (cs *clientSession) readLoop(ctx context.Context) error {
	for {
		env, err := cs.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrEmptyEnvelope) {
				cs.reportError(ctx, protocol.CodeUnknownType, err.Error(), env.MessageID, nil)
				continue
			}
			return err
		}
		cs.lastSeen.Store(time.Now().UnixNano())

		if err := protocol.Expect(env, true); err != nil {
			cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
			continue
		}
		if err := cs.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (cs *clientSession) handle(ctx context.Context, env protocol.Envelope) error {
	store := cs.e.store

	switch env.Type {
	case protocol.SrvInitStart:
		var p protocol.InitStartPayload
		if err := env.Unmarshal(&p); err != nil {
			cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
			return nil
		}
		cs.tracker.Reset()
		cs.logger.Info("Snapshot incoming", "server_lsn", p.ServerLSN, "tables", p.Tables)
		return store.SetState(ctx, models.StateInitial)

	case protocol.SrvInitChanges:
		return cs.applyChunk(ctx, env, protocol.CltInitReceived, false)

	case protocol.SrvInitComplete:
		var p protocol.InitCompletePayload
		if err := env.Unmarshal(&p); err != nil {
			cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
			return nil
		}
		lsn, err := store.MarkBootstrapped(ctx, p.ServerLSN)
		if err != nil {
			return err
		}
		metrics.ClientLSN.Set(float64(lsn))
		cs.tracker.Reset()
		cs.logger.Info("Snapshot applied", "cursor", lsn)
		return store.SetState(ctx, models.StateCatchup)

	case protocol.SrvCatchupChanges:
		return cs.applyChunk(ctx, env, protocol.CltCatchupReceived, true)

	case protocol.SrvSyncCompleted:
		var p protocol.SyncCompletedPayload
		if err := env.Unmarshal(&p); err != nil {
			cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
			return nil
		}
		if p.Success {
			lsn, err := store.AdvanceLSN(ctx, p.FinalLSN)
			if err != nil {
				return err
			}
			metrics.ClientLSN.Set(float64(lsn))
		}
		cs.tracker.Reset()
		if err := store.SetState(ctx, models.StateLive); err != nil {
			return err
		}
		cs.logger.Info("Caught up, going live", "start", p.StartLSN, "final", p.FinalLSN, "changes", p.ChangeCount)
		cs.liveOnce.Do(func() { close(cs.live) })
		return nil

	case protocol.SrvLiveChanges:
		if _, err := cs.send(ctx, protocol.CltChangesReceived, protocol.AckPayload{RefMessageID: env.MessageID, Success: true}); err != nil {
			return err
		}
		return cs.applyChunk(ctx, env, protocol.CltChangesApplied, true)

	case protocol.SrvLSNUpdate:
		var p protocol.LSNUpdatePayload
		if err := env.Unmarshal(&p); err != nil {
			cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
			return nil
		}
		lsn, err := store.AdvanceLSN(ctx, p.LSN)
		if err != nil {
			return err
		}
		metrics.ClientLSN.Set(float64(lsn))

	case protocol.SrvError:
		return cs.handleServerError(ctx, env)

	case protocol.SrvChangesApplied:
		select {
		case cs.acks <- env:
		default:
			cs.logger.Debug("Dropping acknowledgment nobody waits for", "message_id", env.MessageID)
		}

	case protocol.SrvSyncStats:
		var p protocol.StatsPayload
		if err := env.Unmarshal(&p); err == nil {
			cs.logger.Info("Sync stats", "phase", p.Phase, "sent", p.Sent, "filtered", p.Filtered,
				"deduplicated", p.Deduplicated, "duration_ms", p.DurationMs)
		}

	case protocol.SrvHeartbeat, protocol.SrvChangesReceived:
		// lastSeen already moved
	}
	return nil
}

// applyChunk applies one server batch and acknowledges it. Chunks already
// applied are acknowledged again without touching the store; a missing
// chunk is reported so the server rewinds
func (cs *clientSession) applyChunk(ctx context.Context, env protocol.Envelope, ackType protocol.MessageType, advance bool) error {
	p, err := env.Changes()
	if err != nil {
		cs.reportError(ctx, protocol.CodeInvalidMessage, err.Error(), env.MessageID, nil)
		return nil
	}
	ack := protocol.AckPayload{RefMessageID: env.MessageID, Sequence: p.Sequence}

	if p.Sequence != nil {
		verdict, err := cs.tracker.Check(*p.Sequence)
		switch verdict {
		case protocol.Duplicate:
			metrics.MessagesDeduplicated.WithLabelValues(metrics.SideClient).Inc()
			ack.Success = true
			ack.Skipped = len(p.Changes)
			_, err := cs.send(ctx, ackType, ack)
			return err
		case protocol.Gap:
			expected := cs.tracker.Expected(p.Sequence.Table, p.Sequence.Total)
			cs.logger.Warn("Sequence gap", "got", p.Sequence.Chunk, "expected", expected.Chunk, "table", expected.Table, "error", err)
			cs.reportError(ctx, protocol.CodeSequenceGap, err.Error(), env.MessageID, &expected)
			return nil
		}
	}

	batch := processor.Batch{Changes: p.Changes}
	if advance {
		batch.LastLSN = p.LastLSN
	}
	res, err := cs.e.applier.Apply(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ack.Error = err.Error()
		_, sendErr := cs.send(ctx, ackType, ack)
		return sendErr
	}
	if p.Sequence != nil {
		cs.tracker.Commit(*p.Sequence)
	}
	if res.CursorLSN != models.ZeroLSN {
		metrics.ClientLSN.Set(float64(res.CursorLSN))
	}

	ack.Success = true
	ack.LastLSN = res.CursorLSN
	ack.Applied = res.Applied
	ack.Skipped = res.Skipped
	ack.Rejected = res.Rejected
	ack.Failures = rowFailures(res.Errors)
	_, err = cs.send(ctx, ackType, ack)
	return err
}

func (cs *clientSession) handleServerError(ctx context.Context, env protocol.Envelope) error {
	var p protocol.ErrorPayload
	if err := env.Unmarshal(&p); err != nil {
		cs.logger.Warn("Server reported an unreadable error", "error", err)
		return nil
	}
	if p.Resync || p.Code == protocol.CodeResyncRequired {
		cs.logger.Warn("Server requires a full resync", "reason", p.Message)
		cs.tracker.Reset()
		return cs.e.store.ResetLSN(ctx)
	}
	cs.logger.Warn("Server reported error", "code", p.Code, "message", p.Message, "ref", p.RefMessageID)
	return nil
}

func (cs *clientSession) reportError(ctx context.Context, code, msg, ref string, expected *protocol.Sequence) {
	_, err := cs.send(ctx, protocol.CltError, protocol.ErrorPayload{
		Code:         code,
		Message:      msg,
		RefMessageID: ref,
		Expected:     expected,
	})
	if err != nil {
		cs.logger.Debug("error report not delivered", "code", code, "error", err)
	}
}

// heartbeatLoop announces the cursor every interval and declares the link
// dead when the server has been silent beyond the timeout
func (cs *clientSession) heartbeatLoop(ctx context.Context) error {
	opts := cs.e.opts
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			silent := time.Since(time.Unix(0, cs.lastSeen.Load()))
			if silent > opts.HeartbeatTimeout {
				metrics.HeartbeatTimeouts.WithLabelValues(metrics.SideClient).Inc()
				return fmt.Errorf("%w: server silent for %s", ErrHeartbeatTimeout, silent.Round(time.Millisecond))
			}

			cursor, err := cs.e.store.Cursor(ctx)
			if err != nil {
				return fmt.Errorf("read cursor: %w", err)
			}
			if _, err := cs.send(ctx, protocol.CltHeartbeat, protocol.HeartbeatPayload{LSN: cursor.CurrentLSN, Active: true}); err != nil {
				return err
			}
		}
	}
}

// SendBatch implements Uplink over the session connection
func (cs *clientSession) SendBatch(ctx context.Context, env protocol.Envelope) (protocol.AckPayload, error) {
	cs.sendMu.Lock()
	err := cs.conn.Send(ctx, env)
	cs.sendMu.Unlock()
	if err != nil {
		return protocol.AckPayload{}, err
	}

	timer := time.NewTimer(cs.e.opts.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.AckPayload{}, ctx.Err()
		case <-timer.C:
			return protocol.AckPayload{}, ErrAckTimeout
		case reply := <-cs.acks:
			var ack protocol.AckPayload
			if err := reply.Unmarshal(&ack); err != nil || ack.RefMessageID != env.MessageID {
				continue
			}
			return ack, nil
		}
	}
}
