package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

// Hub accepts client connections and runs one Session per connection
type Hub struct {
	store    db.ServerStore
	registry *models.Registry
	opts     Options
	logger   *slog.Logger
	dedup    *cache.Cache

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewHub(store db.ServerStore, registry *models.Registry, opts Options, logger *slog.Logger) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   logger,
		dedup:    cache.New(opts.DedupTTL, opts.DedupTTL),
		sessions: make(map[string]*Session),
	}
}

// Serve accepts connections until ctx is cancelled or the listener closes,
// then waits for every session to finish
func (h *Hub) Serve(ctx context.Context, l transport.Listener) error {
	defer h.wg.Wait()
	h.logger.Info("🚀 Sync hub accepting sessions")

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClose) || ctx.Err() != nil {
				h.logger.Info("Sync hub stopped accepting sessions")
				return nil
			}
			return err
		}

		s := NewSession(conn, h.store, h.registry, h.dedup, h.opts, h.logger)
		h.track(s)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.untrack(s)
			_ = s.Run(ctx)
		}()
	}
}

func (h *Hub) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
	metrics.SessionsActive.Set(float64(len(h.sessions)))
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
	metrics.SessionsActive.Set(float64(len(h.sessions)))
}

// SessionInfo describes one connected client
type SessionInfo struct {
	ID       string           `json:"id"`
	ClientID string           `json:"client_id"`
	State    models.SyncState `json:"state"`
}

// Sessions lists the sessions currently running
func (h *Hub) Sessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, SessionInfo{ID: s.ID(), ClientID: s.ClientID(), State: s.State()})
	}
	return out
}
