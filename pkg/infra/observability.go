package infra

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeObservability exposes /metrics plus whatever routes adds, until ctx
// is cancelled
func ServeObservability(ctx context.Context, port string, logger *slog.Logger, routes func(mux *http.ServeMux)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if routes != nil {
		routes(mux)
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
