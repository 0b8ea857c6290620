package cli

import (
	"fmt"
	"strings"

	"go-pos-core/internal/database"

	"github.com/spf13/cobra"
)

func newBootstrapCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the startup restore decision and schema repair",
		Long: `Picks the newest usable store among the active file, the restore
override, the durable and secondary copies and the bundled snapshot, then
repairs the schema and creates the default administrator when no users exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			report, err := term.Bootstrap(commandContext(cmd))
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "bootstrap", Err: err}
			}
			text := fmt.Sprintf("bootstrap ok: users=%d products=%d sales=%d", report.Counts.Users, report.Counts.Products, report.Counts.Sales)
			if report.Restored {
				text += fmt.Sprintf(" (restored from %s: %s)", report.Source, report.SourcePath)
			}
			if report.CreatedAdmin {
				text += " (default administrator created)"
			}
			return printResult(cmd.OutOrStdout(), opts, report, text)
		},
	}
}

func newBackupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot and refresh the durable copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			path, err := term.Snapshot.Snapshot(commandContext(cmd))
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "backup", Err: err}
			}
			return printResult(cmd.OutOrStdout(), opts, map[string]string{"path": path}, "snapshot written: "+path)
		},
	}
}

func newRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the active store with a snapshot file",
		Long: `Replaces the active store with <file>, refreshes the durable copies so
the next bootstrap keeps it, and repairs the schema. Stop the terminal
server first and start it again afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			report, err := term.Restorer.Restore(commandContext(cmd), args[0])
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "restore", Err: err}
			}
			text := fmt.Sprintf("restored %s: users=%d sales=%d; restart the terminal server", report.Source, report.Counts.Users, report.Counts.Sales)
			return printResult(cmd.OutOrStdout(), opts, report, text)
		},
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push settings, users, inventory, recent sales and audit logs to the cloud",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			if err := database.EnsureSchemaUpdated(term.Store.DB()); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "schema repair", Err: err}
			}
			report, syncErr := term.Bulk.SyncAll(commandContext(cmd))
			text := fmt.Sprintf("settings=%d users=%d products=%d sales=%d audit_logs=%d",
				report.Settings, report.Users, report.Products, report.Sales, report.AuditLogs)
			if err := printResult(cmd.OutOrStdout(), opts, report, text); err != nil {
				return err
			}
			if syncErr != nil {
				return &ExitError{Code: ExitFailure, Message: "sync incomplete", Err: syncErr}
			}
			return nil
		},
	}
}

func newDrainCommand(opts *RootOptions) *cobra.Command {
	var requeue bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send every pending outbox row to the cloud",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			ctx := commandContext(cmd)
			if err := database.EnsureSchemaUpdated(term.Store.DB()); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "schema repair", Err: err}
			}
			if requeue {
				if _, err := term.Outbox.Requeue(ctx); err != nil {
					return &ExitError{Code: ExitFailure, Message: "requeue set-aside rows", Err: err}
				}
			}
			sent, drainErr := term.Outbox.DrainAll(ctx)
			pending, err := term.Outbox.Pending(ctx)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "count pending", Err: err}
			}
			setAside, err := term.Outbox.SetAside(ctx)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "count set-aside", Err: err}
			}
			result := map[string]int64{"sent": int64(sent), "pending": pending, "set_aside": setAside}
			text := fmt.Sprintf("sent=%d pending=%d set_aside=%d", sent, pending, setAside)
			if err := printResult(cmd.OutOrStdout(), opts, result, text); err != nil {
				return err
			}
			if drainErr != nil {
				return &ExitError{Code: ExitFailure, Message: "drain stopped", Err: drainErr}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&requeue, "requeue", false, "move rows the cloud rejected back to pending first")
	return cmd
}

func newVerifyStockCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-stock",
		Short: "Check every variant's stock against its movement ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := openTerminal(cmd, opts)
			if err != nil {
				return err
			}
			defer closeTerminal(term)

			db := term.Store.DB().WithContext(commandContext(cmd))
			if err := database.EnsureSchemaUpdated(db); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "schema repair", Err: err}
			}
			drift, err := database.VerifyStockLedger(db)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "verify stock", Err: err}
			}

			var b strings.Builder
			if len(drift) == 0 {
				b.WriteString("stock ledger consistent")
			} else {
				fmt.Fprintf(&b, "%d variant(s) drifted:", len(drift))
				for _, d := range drift {
					fmt.Fprintf(&b, "\n  %s stock=%d expected=%d", d.VariantID, d.Stock, d.Expected)
				}
			}
			result := map[string]any{"consistent": len(drift) == 0, "drift": drift}
			if err := printResult(cmd.OutOrStdout(), opts, result, b.String()); err != nil {
				return err
			}
			if len(drift) > 0 {
				return &ExitError{Code: ExitFailure, Message: "stock ledger drift"}
			}
			return nil
		},
	}
}
