package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Checker produces the status of one check. Returning an error marks the
// check critical with the error as message.
type Checker interface {
	Check(ctx context.Context) (Status, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) (Status, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) (Status, error) { return f(ctx) }

// Pinger is the connectivity probe of a relational store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UsageSource reports disk and memory usage in percent.
type UsageSource interface {
	DiskUsage(ctx context.Context, path string) (float64, error)
	MemoryUsage(ctx context.Context) (float64, error)
}

// disabled reports a check that has nothing configured to probe.
func disabled(what string, now time.Time) Status {
	return NewStatus(LevelHealthy, what+" check disabled", now)
}

// HTTPCheck probes url with GET and expects 200.
func HTTPCheck(name, url string, client *http.Client, now func() time.Time) Checker {
	if client == nil {
		client = &http.Client{}
	}
	return CheckerFunc(func(ctx context.Context) (Status, error) {
		if url == "" {
			return disabled(name, now()), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Status{}, fmt.Errorf("failed to create %s request: %w", name, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Status{}, fmt.Errorf("%s unreachable: %w", name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Status{}, fmt.Errorf("%s returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return NewStatus(LevelHealthy, name+" responding", now()), nil
	})
}

// DirectoryCheck expects dir to exist, be a directory and be readable.
func DirectoryCheck(name, dir string, now func() time.Time) Checker {
	return CheckerFunc(func(ctx context.Context) (Status, error) {
		if dir == "" {
			return disabled(name, now()), nil
		}
		info, err := os.Stat(dir)
		if err != nil {
			return Status{}, fmt.Errorf("%s directory unavailable: %w", name, err)
		}
		if !info.IsDir() {
			return Status{}, fmt.Errorf("%s path %s is not a directory", name, dir)
		}
		f, err := os.Open(dir)
		if err != nil {
			return Status{}, fmt.Errorf("%s directory unreadable: %w", name, err)
		}
		defer f.Close()
		if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
			return Status{}, fmt.Errorf("%s directory unreadable: %w", name, err)
		}
		return NewStatus(LevelHealthy, name+" directory accessible", now()), nil
	})
}

// PingCheck reports p's connectivity.
func PingCheck(name string, p Pinger, now func() time.Time) Checker {
	return CheckerFunc(func(ctx context.Context) (Status, error) {
		if p == nil {
			return disabled(name, now()), nil
		}
		if err := p.Ping(ctx); err != nil {
			return Status{}, fmt.Errorf("%s connection failed: %w", name, err)
		}
		return NewStatus(LevelHealthy, name+" connected", now()), nil
	})
}

// DiskCheck classifies disk usage of path.
func DiskCheck(src UsageSource, path string, t Thresholds, now func() time.Time) Checker {
	return CheckerFunc(func(ctx context.Context) (Status, error) {
		usage, err := src.DiskUsage(ctx, path)
		if err != nil {
			return Status{}, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
		}
		return usageStatus("disk", usage, t, now()), nil
	})
}

// MemoryCheck classifies RAM usage.
func MemoryCheck(src UsageSource, t Thresholds, now func() time.Time) Checker {
	return CheckerFunc(func(ctx context.Context) (Status, error) {
		usage, err := src.MemoryUsage(ctx)
		if err != nil {
			return Status{}, fmt.Errorf("failed to read memory usage: %w", err)
		}
		return usageStatus("ram", usage, t, now()), nil
	})
}
