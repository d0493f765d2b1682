package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-engine/internal/broker"
	"github.com/Guizzs26/go-sync-engine/internal/service"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local store in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger := opts.cfg, opts.logger
			store, err := openStore(ctx, opts)
			if err != nil {
				logger.Error("CRITICAL: local store unavailable", "error", err)
				return err
			}
			defer store.Close()

			codec, err := broker.NewFrameCodec(cfg.CompressThresholdBytes)
			if err != nil {
				return err
			}
			dialer := broker.NewRabbitMQDialer(cfg.RabbitMQURL, codec, logger)
			engine := service.NewEngine(store, dialer, opts.registry, service.OptionsFrom(cfg), logger)

			go infra.ServeObservability(ctx, cfg.MetricsPort, logger, func(mux *http.ServeMux) {
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					cursor, err := engine.Status(r.Context())
					if err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(map[string]any{
						"connection": engine.ConnState(),
						"processing": engine.Processing(),
						"cursor":     statusOf(cursor),
					})
				})
			})

			logger.Info("🚀 Sync client starting", "client_id", store.ClientID(), "store", cfg.LocalDBDriver)
			err = engine.Run(ctx)
			logger.Info("✅ Shutdown complete")
			return err
		},
	}
}
