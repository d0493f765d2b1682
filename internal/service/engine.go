package service

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/processor"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

// LocalStore is the client's durable state: replicated tables, the outbox
// and the sync cursor
type LocalStore interface {
	processor.Target
	OutboxRepository
	MaintenanceRepository

	ClientID() string
	Cursor(ctx context.Context) (models.SyncCursor, error)
	SetState(ctx context.Context, state models.SyncState) error
	MarkBootstrapped(ctx context.Context, lsn models.LSN) (models.LSN, error)
	AdvanceLSN(ctx context.Context, lsn models.LSN) (models.LSN, error)
	ResetLSN(ctx context.Context) error
	Mutate(ctx context.Context, op models.Operation, table string, data map[string]any) (models.OutboxEntry, error)
}

// ConnState is the link state of the engine
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Engine keeps one local store in sync with the server. It owns the
// connection lifecycle: dial, run a session, and redial with backoff when the
// session ends for any reason other than shutdown
type Engine struct {
	store   LocalStore
	dialer  transport.Dialer
	applier *processor.Applier
	sender  *OutboxSender
	janitor *Janitor
	opts    Options
	logger  *slog.Logger
	backoff *infra.Backoff
	nudge   chan struct{}

	mu            sync.Mutex
	connState     ConnState
	cancelSession context.CancelFunc
}

func NewEngine(store LocalStore, dialer transport.Dialer, registry *models.Registry, opts Options, logger *slog.Logger) *Engine {
	opts = opts.withDefaults()
	l := logger.With("client_id", store.ClientID())

	return &Engine{
		store:  store,
		dialer: dialer,
		applier: processor.NewApplier(store, registry, l, processor.Options{
			Direction: models.DirectionDown,
			Side:      metrics.SideClient,
		}),
		sender:    NewOutboxSender(store, store.ClientID(), opts, l),
		janitor:   NewJanitor(store, opts, l),
		opts:      opts,
		logger:    l,
		backoff: infra.NewBackoff(opts.ReconnectMin, opts.ReconnectMax, 2.0).
			WithWake(opts.ReconnectAttemptsBeforeWake, opts.WakeInterval),
		nudge:     make(chan struct{}, 1),
		connState: ConnDisconnected,
	}
}

// Run blocks until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.janitor.Run(gctx) })
	g.Go(func() error { return e.connectLoop(gctx) })

	err := g.Wait()
	if endedNormally(err) {
		return nil
	}
	return err
}

func (e *Engine) connectLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		e.setConnState(ConnConnecting)
		conn, err := e.dialer.Dial(ctx, e.store.ClientID())
		if err != nil {
			e.setConnState(ConnDisconnected)
			e.logger.Warn("Sync server unreachable, retrying", "attempt", e.backoff.Attempts()+1, "error", err)
			if !e.backoff.Wait(ctx) {
				return nil
			}
			continue
		}

		e.backoff.Reset()
		e.setConnState(ConnConnected)
		e.logger.Info("Sync link established 🚀")

		err = e.runSession(ctx, conn)
		e.setConnState(ConnDisconnected)
		if err := e.store.SetState(context.WithoutCancel(ctx), models.StateDisconnected); err != nil {
			e.logger.Error("Failed to record disconnected state", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		metrics.Reconnections.Inc()
		if endedNormally(err) {
			e.logger.Info("Session ended, reconnecting")
		} else {
			e.logger.Warn("Session lost, reconnecting", "error", err)
		}
		if !e.backoff.Wait(ctx) {
			return nil
		}
	}
}

func (e *Engine) setConnState(s ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connState = s
}

// ConnState reports the link state
func (e *Engine) ConnState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// Processing reports whether an incoming batch is being applied
func (e *Engine) Processing() bool {
	return e.applier.Processing()
}

// Status returns the persisted cursor
func (e *Engine) Status(ctx context.Context) (models.SyncCursor, error) {
	return e.store.Cursor(ctx)
}

// Mutate applies a local write and queues it for upload
func (e *Engine) Mutate(ctx context.Context, op models.Operation, table string, data map[string]any) (models.OutboxEntry, error) {
	entry, err := e.store.Mutate(ctx, op, table, data)
	if err != nil {
		return entry, err
	}
	select {
	case e.nudge <- struct{}{}:
	default:
	}
	return entry, nil
}

// ResetLSN discards the cursor and drops the current session so the next one
// starts over with a snapshot
func (e *Engine) ResetLSN(ctx context.Context) error {
	if err := e.store.ResetLSN(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancelSession
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
