// Command tutor-health runs the health daemon: periodic health checks,
// automatic restart of failed services, alerts and the status server.
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

	"github.com/spf13/cobra"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/app"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/health"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/logging"
)

var errUnhealthy = errors.New("system is unhealthy")

type options struct {
	configPath string
	once       bool
	addr       string
	noStatus   bool
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
		Use:   "tutor-health",
		Short: "Monitor tutor platform health and restart failed services",
		Long: `tutor-health checks the inference engine, vector store, relational store,
disk and memory on a fixed interval. Critical checks trigger bounded
automatic restarts of the mapped services and, when they persist, alerts.

Examples:
  # Run the daemon with the status server
  tutor-health

  # One check cycle as JSON; exit code 1 when unhealthy
  tutor-health --once

  # Clear the escalation of a service after fixing it by hand
  tutor-health reset-restart tutor-inference
`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			if opts.once {
				return runOnce(cmd.Context(), a.Monitor, out)
			}
			return a.RunHealthDaemon(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("TUTOR_CONFIG"), "Path to YAML config file (env vars apply on top)")
	root.Flags().BoolVar(&opts.once, "once", false, "Run one check cycle, print it and exit")
	root.Flags().StringVar(&opts.addr, "addr", "", "Status server listen address (overrides config)")
	root.Flags().BoolVar(&opts.noStatus, "no-status", false, "Do not start the status server")

	root.AddCommand(newResetCmd(opts, out), newInfoCmd(opts, out))
	return root
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.LoadConfigFile(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.addr != "" {
		cfg.Status.Addr = o.addr
	}
	if o.noStatus {
		cfg.Status.Enabled = false
	}
	return cfg, nil
}

func (o *options) app() (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	return app.New(cfg, logging.Component(logger, "tutor-health"))
}

func runOnce(ctx context.Context, monitor *health.Monitor, out io.Writer) error {
	result := monitor.RunHealthChecks(ctx)
	if err := printJSON(out, result); err != nil {
		return err
	}
	if !result.Healthy {
		return errUnhealthy
	}
	return nil
}

func newResetCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-restart <service>",
		Short: "Reset the restart history of a service in the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := opts.app()
			if err != nil {
				return err
			}
			if err := a.RequestRestartReset(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Restart history reset requested for %s\n", args[0])
			return nil
		},
	}
}

func newInfoCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print host, CPU, memory and disk details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return printJSON(out, health.GetDetailedSystemInfo(cmd.Context(), cfg.Health.DiskPath))
		},
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
