// Package shell is the single seam through which the resilience core runs
// external programs (pg_dump, psql, systemctl). Tests substitute a fake Runner.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, out)
}

// ExecRunner runs commands with os/exec. Env entries are appended to the
// inherited environment.
type ExecRunner struct {
	Env []string
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(env ...string) *ExecRunner {
	return &ExecRunner{Env: env}
}

// Run executes name with args. A context deadline kills the process and the
// returned error wraps context.DeadlineExceeded.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.Bytes(), &ExitError{
				Command:  name,
				ExitCode: exitErr.ExitCode(),
				Output:   out.String(),
			}
		}
		return out.Bytes(), fmt.Errorf("failed to run %s: %w", name, err)
	}
	return out.Bytes(), nil
}
