// Package storage defines the relational-store capability consumed by the
// backup manager and the health monitor.
//
// The interface is deliberately narrow: the backup core never reads
// application tables itself, it only asks the store to dump, export recent
// rows, restore and answer a ping. Implementations live in the sqlite and
// postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by stores missing their connection settings.
var ErrNotConfigured = errors.New("relational store is not configured")

// IncrementalDumpName is the file name of an incremental row export inside a
// backup directory.
const IncrementalDumpName = "relational_dump_incremental.sql"

// RelationalStore dumps and restores the platform's relational database.
type RelationalStore interface {
	// DumpFileName is the name of a full dump inside a backup directory,
	// e.g. relational_dump.sql.
	DumpFileName() string

	// Dump writes a complete, consistent dump to destPath.
	Dump(ctx context.Context, destPath string) error

	// DumpSince writes INSERT statements for rows created after since.
	// Tables without a created_at column are skipped.
	DumpSince(ctx context.Context, destPath string, since time.Time) error

	// Restore replaces the live database with a full dump.
	Restore(ctx context.Context, dumpPath string) error

	// ApplyIncremental replays an incremental export on top of the live database.
	ApplyIncremental(ctx context.Context, dumpPath string) error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error
}
