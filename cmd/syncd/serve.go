package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-engine/internal/broker"
	"github.com/Guizzs26/go-sync-engine/internal/config"
	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/service"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept client sessions and stream the change log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Graceful Shutdown Context
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	logger.Info("🔥 Sync server initializing...", "store", cfg.StoreDriver, "pid", os.Getpid())

	store, notifier, err := openServerStore(ctx, cfg, opts.registry, logger)
	if err != nil {
		logger.Error("CRITICAL: server store unavailable", "error", err)
		return err
	}
	defer store.Close()

	codec, err := broker.NewFrameCodec(cfg.CompressThresholdBytes)
	if err != nil {
		return err
	}
	hub := service.NewHub(store, opts.registry, service.OptionsFrom(cfg), logger)

	go infra.ServeObservability(ctx, cfg.MetricsPort, logger, func(mux *http.ServeMux) {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "STORE UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("SYNC SERVER ALIVE"))
		})
		mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(hub.Sessions())
		})
	})

	g, gctx := errgroup.WithContext(ctx)
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}
	g.Go(func() error { return listenLoop(gctx, cfg, codec, hub, logger) })

	err = g.Wait()
	logger.Info("✅ Shutdown complete")
	return err
}

// openServerStore returns the store named by STORE_DRIVER. Only Postgres
// needs a notifier, the memory store publishes on commit itself
func openServerStore(ctx context.Context, cfg *config.Config, registry *models.Registry, logger *slog.Logger) (db.ServerStore, *db.Notifier, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("Using the in-memory store, nothing survives a restart")
		return db.NewMemoryStore(registry), nil, nil
	case "postgres":
		pg, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, registry, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, db.NewNotifier(pg, logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// listenLoop keeps a broker listener feeding the hub, reconnecting with
// backoff whenever the broker link drops
func listenLoop(ctx context.Context, cfg *config.Config, codec *broker.FrameCodec, hub *service.Hub, logger *slog.Logger) error {
	backoff := infra.NewBackoff(cfg.ReconnectMin, cfg.ReconnectMax, 2.0)

	for {
		if ctx.Err() != nil {
			return nil
		}

		listener, err := broker.NewRabbitMQListener(cfg.RabbitMQURL, codec, logger)
		if err != nil {
			wait := backoff.Next()
			logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff.Reset()
		logger.Info("RabbitMQ link established 🚀")

		err = hub.Serve(ctx, listener)
		listener.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("⚠️ Session hub failed", "error", err)
		} else {
			logger.Warn("⚠️ Broker link lost, reconnecting")
		}
	}
}
