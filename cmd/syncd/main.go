package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-engine/internal/config"
	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/pkg/infra"
)

// rootOptions carries what every subcommand needs, filled before it runs
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
		Use:           "syncd",
		Short:         "Sync server: streams the change log to offline-first clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			opts.cfg = config.Load()
			opts.logger = infra.SetupLogger(opts.cfg, "syncd")
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

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTablesCommand(opts))
	cmd.AddCommand(newCompactCommand(opts))
	return cmd
}
