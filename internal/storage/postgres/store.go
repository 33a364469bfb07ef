// Package postgres implements storage.RelationalStore for PostgreSQL.
// Full dumps and restores shell out to pg_dump and psql; incremental exports
// and connectivity checks go through database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/shell"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage"
)

// Config holds connection and tool settings.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// DumpCommand is the pg_dump binary (default: pg_dump).
	DumpCommand string

	// PSQLCommand is the psql binary (default: psql).
	PSQLCommand string

	// Schema limits incremental exports (default: public).
	Schema string
}

// Store dumps and restores a PostgreSQL database.
type Store struct {
	cfg    Config
	runner shell.Runner
	open   func(dsn string) (*sql.DB, error)
}

var _ storage.RelationalStore = (*Store)(nil)

// NewStore creates a store. runner may be nil to use os/exec.
func NewStore(cfg Config, runner shell.Runner) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: %w", storage.ErrNotConfigured)
	}
	if cfg.DumpCommand == "" {
		cfg.DumpCommand = "pg_dump"
	}
	if cfg.PSQLCommand == "" {
		cfg.PSQLCommand = "psql"
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if runner == nil {
		runner = shell.NewExecRunner()
	}
	return &Store{
		cfg:    cfg,
		runner: runner,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}, nil
}

// DumpFileName implements storage.RelationalStore.
func (s *Store) DumpFileName() string { return "relational_dump.sql" }

// Dump runs pg_dump into a plain SQL file that drops and recreates objects,
// so restoring it overwrites the live schema.
func (s *Store) Dump(ctx context.Context, destPath string) error {
	_, err := s.runner.Run(ctx, s.cfg.DumpCommand,
		"--dbname="+s.cfg.DSN,
		"--format=plain",
		"--clean",
		"--if-exists",
		"--no-owner",
		"--file="+destPath,
	)
	if err != nil {
		return fmt.Errorf("postgres: pg_dump failed: %w", err)
	}
	return nil
}

// DumpSince exports rows created after since as INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) DumpSince(ctx context.Context, destPath string, since time.Time) error {
	db, err := s.open(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := storage.ExportRowsSince(ctx, db, dialect{schema: s.cfg.Schema}, destPath, since); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Restore replays a full dump with psql in a single transaction.
func (s *Store) Restore(ctx context.Context, dumpPath string) error {
	if err := s.psqlFile(ctx, dumpPath); err != nil {
		return fmt.Errorf("postgres: restore failed: %w", err)
	}
	return nil
}

// ApplyIncremental replays an incremental export with psql in a single transaction.
func (s *Store) ApplyIncremental(ctx context.Context, dumpPath string) error {
	if err := s.psqlFile(ctx, dumpPath); err != nil {
		return fmt.Errorf("postgres: incremental apply failed: %w", err)
	}
	return nil
}

func (s *Store) psqlFile(ctx context.Context, path string) error {
	_, err := s.runner.Run(ctx, s.cfg.PSQLCommand,
		"--dbname="+s.cfg.DSN,
		"--quiet",
		"--no-psqlrc",
		"--single-transaction",
		"--set=ON_ERROR_STOP=1",
		"--file="+path,
	)
	return err
}

// Ping checks connectivity with lib/pq.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.open(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

type dialect struct {
	schema string
}

func (d dialect) TablesWithColumn(ctx context.Context, db *sql.DB, column string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.table_name
		   FROM information_schema.columns c
		   JOIN information_schema.tables t
		     ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		  WHERE c.table_schema = $1 AND c.column_name = $2 AND t.table_type = 'BASE TABLE'
		  ORDER BY c.table_name`, d.schema, column)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (dialect) InsertStatement(table string, columns []string, values []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		table, strings.Join(columns, ", "), strings.Join(values, ", "))
}

func (dialect) BytesLiteral(b []byte) string {
	return `'\x` + storage.HexBytes(b) + `'::bytea`
}

func (dialect) SinceArg(since time.Time) interface{} { return since.UTC() }
