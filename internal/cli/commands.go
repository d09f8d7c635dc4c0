package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"offline-meal-queue/internal/bgsync"
	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/export"
	"offline-meal-queue/internal/guard"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/syncer"
	"offline-meal-queue/internal/transport"
)

// NewListCommand prints every pending meal in drain order.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List pending meals",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, err := opts.openRecords(ctx)
			if err != nil {
				return err
			}
			defer records.Close()

			events := records.ListAll(ctx)
			if events == nil {
				events = []models.PendingEvent{}
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.printJSON(out, events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tNAME\tDEPT\tCOUNT\tAMOUNT")
			for _, ev := range events {
				p := ev.Payload
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%.2f\n", ev.ID, p.Timestamp, p.FullName, p.DeptName, p.Count, p.Amount)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d pending\n", len(events))
			return nil
		},
	}
}

// NewClearCommand drops every pending meal.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:          "clear",
		Short:        "Delete every pending meal (unsynced data is lost)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			ctx := cmd.Context()
			records, err := opts.openRecords(ctx)
			if err != nil {
				return err
			}
			defer records.Close()

			n := len(records.ListAll(ctx))
			if !records.Clear(ctx) {
				return errors.New("clear failed, see log")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d pending meals\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// NewDumpCommand writes a queue snapshot locally or to S3.
func NewDumpCommand(opts *RootOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:          "dump",
		Short:        "Write a JSON snapshot of the pending queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, err := opts.openRecords(ctx)
			if err != nil {
				return err
			}
			defer records.Close()

			d, err := export.NewDumper(ctx, opts.cfg, records, opts.logger)
			if err != nil {
				return err
			}
			location, err := d.Dump(ctx, dest)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), location)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "local or s3 (default: s3 when configured)")
	return cmd
}

// NewDrainCommand runs one pass over the queue from the shell.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var backendURL string
	cmd := &cobra.Command{
		Use:          "drain",
		Short:        "Deliver pending meals once and report the outcome",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, err := opts.openRecords(ctx)
			if err != nil {
				return err
			}
			defer records.Close()

			if backendURL == "" {
				backendURL = opts.cfg.BackendURL
			}
			tr := transport.NewHTTP(backendURL, opts.cfg.SubmitPath, opts.cfg.DeliveryTimeout, transport.StaticToken(opts.cfg.APIToken))
			out := syncer.DrainRecords(ctx, records, tr, opts.logger)
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d/%d meals (%d rejected)\n", out.Synced, out.Total, out.Rejected)
			return nil
		},
	}
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "override BACKEND_URL")
	return cmd
}

// NewGuardCommand evaluates the staleness guard.
func NewGuardCommand(opts *RootOptions) *cobra.Command {
	var maxAge string
	cmd := &cobra.Command{
		Use:          "guard",
		Short:        "Show whether new collections are blocked by unsynced data",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, err := opts.openRecords(ctx)
			if err != nil {
				return err
			}
			defer records.Close()

			threshold := func() string { return maxAge }
			if !cmd.Flags().Changed("max-age") {
				threshold = config.MaxUnsyncedAgeDays
			}
			d := guard.NewStaleness(records, threshold).ShouldBlockCollection(ctx)
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), d)
			}
			if d.Blocked {
				fmt.Fprintf(cmd.OutOrStdout(), "blocked: %s\n", d.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "not blocked (oldest pending %.1f days)\n", records.OldestAgeInDays(ctx))
			return nil
		},
	}
	cmd.Flags().StringVar(&maxAge, "max-age", "", "threshold in days, overrides MAX_UNSYNCED_AGE_DAYS")
	return cmd
}

// NewRegisterCommand arms the background sync tag for the worker.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "register",
		Short:        "Ask the background worker to drain the queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.BackgroundSyncEnabled() {
				return fmt.Errorf("%w: REDIS_ADDR is not set", bgsync.ErrUnsupported)
			}
			client := redis.NewClient(&redis.Options{
				Addr:     opts.cfg.RedisAddr,
				Password: opts.cfg.RedisPassword,
				DB:       opts.cfg.RedisDB,
			})
			defer client.Close()
			return registerTag(cmd.Context(), bgsync.NewRedisHook(client), opts, cmd)
		},
	}
}

func registerTag(ctx context.Context, hook bgsync.Hook, opts *RootOptions, cmd *cobra.Command) error {
	r := bgsync.NewRegistrar(hook, opts.cfg.BackgroundSyncTag, opts.logger)
	if !r.RegisterMealSync(ctx) {
		return bgsync.ErrUnsupported
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", opts.cfg.BackgroundSyncTag)
	return nil
}
