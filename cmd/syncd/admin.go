package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-engine/internal/db"
	"github.com/Guizzs26/go-sync-engine/internal/models"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Install the change log, the LSN sequence and the sync triggers in Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewPostgresStore(cmd.Context(), opts.cfg.DatabaseURL, opts.registry, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			opts.logger.Info("✅ Migration complete", "tables", len(opts.registry.Ordered()))
			return nil
		},
	}
}

func newTablesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Print the replicated tables in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTables(cmd, opts)
		},
	}
}

type tableInfo struct {
	Name       string           `json:"name"`
	Level      int              `json:"level"`
	Direction  models.Direction `json:"direction"`
	PrimaryKey string           `json:"primary_key"`
	Columns    int              `json:"columns"`
	Parents    []string         `json:"parents,omitempty"`
}

func printTables(cmd *cobra.Command, opts *rootOptions) error {
	var out []tableInfo
	for _, t := range opts.registry.Ordered() {
		info := tableInfo{Name: t.Name, Level: t.Level, Direction: t.Direction, PrimaryKey: t.PrimaryKey, Columns: len(t.Columns)}
		for _, c := range t.Columns {
			if c.References != "" {
				info.Parents = append(info.Parents, c.References)
			}
		}
		out = append(out, info)
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tTABLE\tDIRECTION\tPK\tCOLUMNS\tREFERENCES")
	for _, t := range out {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%v\n", t.Level, t.Name, t.Direction, t.PrimaryKey, t.Columns, t.Parents)
	}
	return w.Flush()
}

func newCompactCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <lsn>",
		Short: "Drop change-log entries up to and including lsn",
		Long: `Drop change-log entries up to and including lsn. The position accepts the
"HI/LO" hexadecimal form or a plain sequence number. Clients whose cursor is
older than the compacted position are forced through a full resync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			through, err := models.ParseLSN(args[0])
			if err != nil {
				return err
			}
			store, err := db.NewPostgresStore(cmd.Context(), opts.cfg.DatabaseURL, opts.registry, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Compact(cmd.Context(), through)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries through %s\n", removed, through)
			return nil
		},
	}
}
