// Package cli implements posctl, the operator tool for a terminal's local
// store: bootstrap, snapshots, restores, cloud pushes and the stock ledger check.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"go-pos-core/internal/app"
	"go-pos-core/internal/config"

	"github.com/spf13/cobra"
)

// Exit codes for posctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran and found a problem (stock drift, partial sync)
	ExitCommandError = 2 // bad arguments, unreadable store, missing config
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the persistent flags.
type RootOptions struct {
	DBPath  string
	Format  string
	Verbose bool
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode extracts the exit code from err, ExitFailure when unclassified.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// NewRootCommand creates the posctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posctl",
		Short: "Operate a POS terminal's local store",
		Long: `posctl runs maintenance against a terminal's local store.

Stop the terminal server before restoring; the other commands are safe
to run beside it but share the same single-writer store file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "store file (overrides DATABASE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log progress to stderr")

	cmd.AddCommand(newBootstrapCommand(opts))
	cmd.AddCommand(newBackupCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newVerifyStockCommand(opts))

	return cmd
}

// openTerminal loads config, applies --db and opens the store. The caller
// must call closeTerminal.
func openTerminal(cmd *cobra.Command, opts *RootOptions) (*app.Terminal, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}
	if opts.DBPath != "" {
		cfg.DatabasePath = opts.DBPath
	}
	// No background drains from a short-lived process.
	cfg.DrainFollowUpDelay = 0

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	term, err := app.NewTerminal(cfg, logger)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "open store", Err: err}
	}
	return term, nil
}

func closeTerminal(term *app.Terminal) {
	term.Outbox.Close()
	if err := term.Store.Close(); err != nil {
		term.Logger.Warn("store close", "err", err)
	}
}

// printResult writes v as indented JSON or as the text line.
func printResult(w io.Writer, opts *RootOptions, v any, text string) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
