// Command tutor-backup creates, restores and prunes tutor platform backups.
//
// Without a mode flag it runs the scheduled backup for today: a full backup on
// the configured weekday, an incremental one otherwise, followed by retention
// cleanup. The daemon subcommand repeats that on the configured cron schedule.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/app"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/logging"
)

var errFailed = errors.New("backup run failed")

type options struct {
	configPath    string
	full          bool
	incremental   bool
	cleanupOnly   bool
	retentionDays int
	noVerify      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tutor-backup",
		Short: "Back up and restore the tutor platform data",
		Long: `tutor-backup captures the relational store, vector store, configuration and
model artifacts into timestamped backups under the backup directory.

Examples:
  # Today's scheduled backup (full on the full-backup day, incremental otherwise)
  tutor-backup

  # Force a full backup and keep 14 days of history
  tutor-backup --full --retention-days 14

  # Only delete expired backups
  tutor-backup --cleanup-only

  # Restore a backup
  tutor-backup restore full_20261018_020000_1a2b3c4d
`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			return runBackup(cmd.Context(), a, opts, out)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("TUTOR_CONFIG"), "Path to YAML config file (env vars apply on top)")
	root.Flags().BoolVar(&opts.full, "full", false, "Take a full backup regardless of the day")
	root.Flags().BoolVar(&opts.incremental, "incremental", false, "Take an incremental backup regardless of the day")
	root.Flags().BoolVar(&opts.cleanupOnly, "cleanup-only", false, "Only delete backups older than the retention window")
	root.PersistentFlags().IntVar(&opts.retentionDays, "retention-days", 0, "Retention window in days (overrides config)")
	root.MarkFlagsMutuallyExclusive("full", "incremental", "cleanup-only")

	root.AddCommand(
		newListCmd(opts, out),
		newRestoreCmd(opts, out),
		newVerifyCmd(opts, out),
		newStatusCmd(opts, out),
		newDaemonCmd(opts),
	)
	return root
}

func (o *options) app() (*app.App, error) {
	cfg, err := config.LoadConfigFile(o.configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	return app.New(cfg, logging.Component(logger, "tutor-backup"))
}

func runBackup(ctx context.Context, a *app.App, opts *options, out io.Writer) error {
	if opts.retentionDays > 0 {
		a.Scheduler.SetRetentionDays(opts.retentionDays)
	}

	if opts.cleanupOnly {
		deleted := a.Scheduler.CleanupOldBackups()
		fmt.Fprintf(out, "Deleted %d expired backup(s) (retention %d days)\n", deleted, a.Scheduler.RetentionDays())
		return nil
	}

	var ok bool
	switch {
	case opts.full:
		ok = a.Scheduler.RunFullBackup(ctx)
	case opts.incremental:
		ok = a.Scheduler.RunIncrementalBackup(ctx)
	default:
		ok = a.Scheduler.RunScheduledBackup(ctx)
	}
	if !ok {
		return errFailed
	}
	if opts.full || opts.incremental {
		a.Scheduler.CleanupOldBackups()
	}

	if latest, err := a.Backups.LatestBackup(); err == nil && latest != nil {
		fmt.Fprintf(out, "Backup %s (%s) completed\n", latest.BackupID, latest.BackupType)
	}
	return nil
}

func newListCmd(opts *options, out io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			backups, err := a.Backups.ListBackups()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, backups)
			}
			if len(backups) == 0 {
				fmt.Fprintln(out, "No backups found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTIMESTAMP\tSIZE_MB\tCOMPRESSED\tENCRYPTED")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%t\t%t\n",
					b.BackupID, b.BackupType, b.Timestamp.Format("2006-01-02 15:04:05"), b.SizeMB, b.Compressed, b.Encrypted)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newRestoreCmd(opts *options, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a backup over the live data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			if err := a.Backups.RestoreBackup(cmd.Context(), args[0], !opts.noVerify); err != nil {
				return err
			}
			fmt.Fprintf(out, "Backup %s restored\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.noVerify, "no-verify", false, "Skip the integrity check before restoring")
	return cmd
}

func newVerifyCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Check that a backup is complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			if err := a.Backups.Verify(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Backup %s is intact\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schedule, retention and backup inventory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			status, err := a.Scheduler.Status()
			if err != nil {
				return err
			}
			return printJSON(out, status)
		},
	}
}

func newDaemonCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled backups on the configured cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			return a.Scheduler.Run(cmd.Context())
		},
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
