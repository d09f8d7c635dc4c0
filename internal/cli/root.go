package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/logging"
	"offline-meal-queue/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	Driver   string
	Database string
	Verbose  bool

	cfg    config.Config
	logger zerolog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the operator CLI. Settings come from the same
// environment the agent reads; flags override the store location.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mealctl",
		Short: "Inspect and operate the offline meal queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.cfg = config.Load()
			if opts.Driver != "" {
				opts.cfg.StoreDriver = opts.Driver
			}
			if opts.Database != "" {
				opts.cfg.SQLitePath = opts.Database
			}
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			opts.logger = logging.NewWithOutput(cmd.ErrOrStderr(), opts.cfg.Env, level, "mealctl")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "store driver, overrides STORE_DRIVER")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite path, overrides SQLITE_PATH")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewGuardCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))

	return cmd
}

// openRecords opens the configured store. Callers must Close it.
func (o *RootOptions) openRecords(ctx context.Context) (*store.Records, error) {
	backend, err := store.Open(ctx, o.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store.NewRecords(backend, o.logger), nil
}

func (o *RootOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
