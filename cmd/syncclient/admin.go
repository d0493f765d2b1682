package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

type cursorStatus struct {
	ClientID     string           `json:"client_id"`
	CurrentLSN   models.LSN       `json:"current_lsn"`
	SyncState    models.SyncState `json:"sync_state"`
	LastSyncTime *time.Time       `json:"last_sync_time,omitempty"`
	Pending      int              `json:"pending_changes"`
	Bootstrapped bool             `json:"bootstrapped"`
}

func statusOf(c models.SyncCursor) cursorStatus {
	s := cursorStatus{
		ClientID:     c.ClientID,
		CurrentLSN:   c.CurrentLSN,
		SyncState:    c.SyncState,
		Pending:      c.PendingChangesCount,
		Bootstrapped: c.Bootstrapped,
	}
	if !c.LastSyncTime.IsZero() {
		s.LastSyncTime = &c.LastSyncTime
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted sync cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			cursor, err := store.Cursor(cmd.Context())
			if err != nil {
				return err
			}
			s := statusOf(cursor)
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, s)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "client id:\t%s\n", s.ClientID)
			fmt.Fprintf(w, "lsn:\t%s\n", s.CurrentLSN)
			fmt.Fprintf(w, "state:\t%s\n", s.SyncState)
			fmt.Fprintf(w, "bootstrapped:\t%t\n", s.Bootstrapped)
			fmt.Fprintf(w, "pending changes:\t%d\n", s.Pending)
			if s.LastSyncTime != nil {
				fmt.Fprintf(w, "last sync:\t%s\n", s.LastSyncTime.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newResetLSNCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-lsn",
		Short: "Discard the cursor so the next session starts with a full snapshot",
		Long: `Discard the cursor so the next session starts with a full snapshot.
Pending outbox entries are kept and still delivered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ResetLSN(cmd.Context())
		},
	}
}

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List outbox entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *models.OutboxStatus
			switch status {
			case "all":
			case "pending", "acked", "failed":
				s := map[string]models.OutboxStatus{
					"pending": models.OutboxPending,
					"acked":   models.OutboxAcked,
					"failed":  models.OutboxFailed,
				}[status]
				filter = &s
			default:
				return fmt.Errorf("invalid status %q: must be pending, acked, failed or all", status)
			}

			store, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListOutbox(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, entries)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LSN\tID\tTABLE\tOP\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					uint64(e.LSN), e.ID, e.Table, e.Operation, e.ProcessedSync, e.Attempts, e.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "entries to list (pending|acked|failed|all)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list, 0 for no limit")
	return cmd
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Move failed outbox entries back to pending with fresh attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.RequeueFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d entries\n", n)
			return nil
		},
	}
}
