package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-engine/internal/config"
	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
)

type rootOptions struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *models.Registry
	format   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncclient",
		Short:         "Offline-first sync client: local store, outbox and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			opts.cfg = config.Load()
			opts.logger = infra.SetupLogger(opts.cfg, "syncclient")
			slog.SetDefault(opts.logger)

			registry, err := models.LoadRegistry(opts.cfg.TablesFile)
			if err != nil {
				return err
			}
			opts.registry = registry
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newResetLSNCommand(opts))
	cmd.AddCommand(newOutboxCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	return cmd
}

// openStore opens and migrates the local store named by LOCAL_DB_DRIVER and
// LOCAL_DB_PATH
func openStore(ctx context.Context, opts *rootOptions) (*db.LocalStore, error) {
	store, err := db.NewLocalStore(ctx, opts.cfg.LocalDBDriver, opts.cfg.LocalDBPath, opts.cfg.ClientID, opts.registry, opts.logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
