// Command tutor-version records version snapshots of the tutor platform and
// rolls back to them.
package main

import (
	"context"
	"encoding/json"
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

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "tutor-version",
		Short: "Manage version snapshots and rollbacks",
		Long: `tutor-version binds version labels to full backups. A rollback takes a
safety snapshot, stops the platform services, restores the target backup,
starts the services and waits for the system to report healthy. If it does
not, the safety snapshot is restored.

Examples:
  tutor-version snapshot --version v1.4.0 --description "before curriculum import"
  tutor-version list
  tutor-version rollback v1.3.2
  tutor-version prune --keep 5
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TUTOR_CONFIG"), "Path to YAML config file (env vars apply on top)")

	root.AddCommand(
		newSnapshotCmd(out),
		newRollbackCmd(out),
		newListCmd(out),
		newCurrentCmd(out),
		newDeleteCmd(out),
		newPruneCmd(out),
	)
	return root
}

func loadApp() (*app.App, error) {
	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	return app.New(cfg, logging.Component(logger, "tutor-version"))
}

func newSnapshotCmd(out io.Writer) *cobra.Command {
	var version, description string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Take a full backup and record it as the current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			snap, err := a.Versions.CreateVersionSnapshot(cmd.Context(), version, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Version %s recorded (backup %s)\n", snap.Version, snap.BackupID)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Version label (default: generated from the time)")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	return cmd
}

func newRollbackCmd(out io.Writer) *cobra.Command {
	var noVerify bool
	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll the platform back to a recorded version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			res := a.Versions.RollbackToVersion(cmd.Context(), args[0], !noVerify)
			if err := printJSON(out, res); err != nil {
				return err
			}
			if !res.Success {
				if res.Err != nil {
					return fmt.Errorf("rollback to %s failed: %w", args[0], res.Err)
				}
				return fmt.Errorf("rollback to %s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip the backup integrity check before restoring")
	return cmd
}

func newListCmd(out io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			snaps, err := a.Versions.ListVersions()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, snaps)
			}
			current, err := a.Versions.CurrentVersion()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No versions recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tVERSION\tTIMESTAMP\tBACKUP\tDESCRIPTION")
			for _, s := range snaps {
				mark := ""
				if s.Version == current {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					mark, s.Version, s.Timestamp.Format("2006-01-02 15:04:05"), s.BackupID, s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newCurrentCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Print the current version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			current, err := a.Versions.CurrentVersion()
			if err != nil {
				return err
			}
			if current == "" {
				return fmt.Errorf("no current version recorded")
			}
			fmt.Fprintln(out, current)
			return nil
		},
	}
}

func newDeleteCmd(out io.Writer) *cobra.Command {
	var deleteBackup bool
	cmd := &cobra.Command{
		Use:   "delete <version>",
		Short: "Forget a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.Versions.DeleteSnapshot(args[0], deleteBackup); err != nil {
				return err
			}
			fmt.Fprintf(out, "Version %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteBackup, "delete-backup", false, "Also delete the backup behind the version")
	return cmd
}

func newPruneCmd(out io.Writer) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Keep the current version and the newest N others",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			pruned, err := a.Versions.PruneSnapshots(keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pruned %d version(s)\n", len(pruned))
			for _, v := range pruned {
				fmt.Fprintf(out, "  %s\n", v)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 5, "Number of versions to keep besides the current one")
	return cmd
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
