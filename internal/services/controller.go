// Package services controls the long-running processes of a tutoring
// deployment (API, inference engine, vector database) through systemd.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/shell"
)

// Controller is the service-control port used by restart and rollback.
type Controller interface {
	// IsActive reports whether the service is running. An error means the
	// status could not be determined (for example the query timed out).
	IsActive(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// SystemctlController drives systemd units with systemctl.
type SystemctlController struct {
	runner  shell.Runner
	command string
	user    bool
}

var _ Controller = (*SystemctlController)(nil)

// Option configures a SystemctlController.
type Option func(*SystemctlController)

// WithCommand overrides the systemctl binary.
func WithCommand(path string) Option {
	return func(c *SystemctlController) { c.command = path }
}

// WithUserUnits targets the per-user service manager (--user).
func WithUserUnits() Option {
	return func(c *SystemctlController) { c.user = true }
}

// NewSystemctlController creates a controller. runner may be nil to use os/exec.
func NewSystemctlController(runner shell.Runner, opts ...Option) *SystemctlController {
	if runner == nil {
		runner = shell.NewExecRunner()
	}
	c := &SystemctlController{runner: runner, command: "systemctl"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsActive runs "systemctl is-active --quiet". A non-zero exit means inactive.
func (c *SystemctlController) IsActive(ctx context.Context, name string) (bool, error) {
	_, err := c.runner.Run(ctx, c.command, c.args("is-active", "--quiet", name)...)
	if err == nil {
		return true, nil
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("services: status of %s: %w", name, err)
}

// Start starts the unit.
func (c *SystemctlController) Start(ctx context.Context, name string) error {
	return c.do(ctx, "start", name)
}

// Stop stops the unit.
func (c *SystemctlController) Stop(ctx context.Context, name string) error {
	return c.do(ctx, "stop", name)
}

// Restart restarts the unit.
func (c *SystemctlController) Restart(ctx context.Context, name string) error {
	return c.do(ctx, "restart", name)
}

func (c *SystemctlController) do(ctx context.Context, verb, name string) error {
	if _, err := c.runner.Run(ctx, c.command, c.args(verb, name)...); err != nil {
		return fmt.Errorf("services: %s %s: %w", verb, name, err)
	}
	return nil
}

func (c *SystemctlController) args(rest ...string) []string {
	if c.user {
		return append([]string{"--user"}, rest...)
	}
	return rest
}
