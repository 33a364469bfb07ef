// Package sqlite implements storage.RelationalStore for a SQLite database
// file, the engine used by single-node tutoring deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage"
)

// Store dumps and restores a SQLite database file.
type Store struct {
	path string
}

var _ storage.RelationalStore = (*Store)(nil)

// NewStore returns a store for the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: %w", storage.ErrNotConfigured)
	}
	return &Store{path: path}, nil
}

// Path returns the live database file.
func (s *Store) Path() string { return s.path }

// DumpFileName implements storage.RelationalStore. A SQLite dump is a
// database file, not SQL text.
func (s *Store) DumpFileName() string { return "relational_dump.db" }

// Dump creates a consistent copy of the database at destPath.
// It uses SQLite's VACUUM INTO command which handles WAL mode correctly
// and creates a consistent point-in-time backup.
func (s *Store) Dump(ctx context.Context, destPath string) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("sqlite: database not found: %w", err)
	}

	db, err := openReadOnly(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: failed to ping source database: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", storage.QuoteString(destPath))); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("sqlite: failed to dump database: %w", err)
	}

	if err := verifyDatabase(ctx, destPath); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("sqlite: dump verification failed: %w", err)
	}
	return nil
}

// DumpSince exports rows whose created_at is after since.
func (s *Store) DumpSince(ctx context.Context, destPath string, since time.Time) error {
	db, err := openReadOnly(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.ExportRowsSince(ctx, db, dialect{}, destPath, since); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

// Restore replaces the live database with the dump at dumpPath.
// The dump is verified, copied next to the live file and renamed over it,
// so the live file is either the old or the new database, never a mix.
// The database should not be in use when calling this function.
func (s *Store) Restore(ctx context.Context, dumpPath string) error {
	if err := verifyDatabase(ctx, dumpPath); err != nil {
		return fmt.Errorf("sqlite: dump verification failed: %w", err)
	}

	tmp := s.path + ".restore-tmp"
	if err := copyFile(dumpPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sqlite: failed to stage restore: %w", err)
	}

	// stale WAL pages from the old database must not be replayed onto the new one
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(tmp)
			return fmt.Errorf("sqlite: failed to remove %s: %w", s.path+suffix, err)
		}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sqlite: failed to swap restored database: %w", err)
	}

	if err := verifyDatabase(ctx, s.path); err != nil {
		return fmt.Errorf("sqlite: restored database verification failed: %w", err)
	}
	return nil
}

// ApplyIncremental replays an incremental export inside one transaction.
func (s *Store) ApplyIncremental(ctx context.Context, dumpPath string) error {
	script, err := os.ReadFile(dumpPath)
	if err != nil {
		return fmt.Errorf("sqlite: failed to read incremental dump: %w", err)
	}

	dsn, err := fileURI(s.path, "")
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	if strings.TrimSpace(stripComments(string(script))) != "" {
		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: failed to apply incremental dump: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit incremental dump: %w", err)
	}
	return nil
}

// Ping opens the database read-only and runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("sqlite: database not found: %w", err)
	}
	db, err := openReadOnly(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}

func openReadOnly(path string) (*sql.DB, error) {
	dsn, err := fileURI(path, "mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	return db, nil
}

// fileURI builds a SQLite URI for path. The path is percent-encoded, so '?',
// '#' and '%' stay part of the file name.
func fileURI(path, query string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: query}
	return u.String(), nil
}

// verifyDatabase runs SQLite's integrity_check pragma against path.
func verifyDatabase(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	// ensure data is written to disk before the rename
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func stripComments(script string) string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

type dialect struct{}

func (dialect) TablesWithColumn(ctx context.Context, db *sql.DB, column string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT m.name FROM sqlite_master m
		 WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		   AND EXISTS (SELECT 1 FROM pragma_table_info(m.name) p WHERE p.name = ?)
		 ORDER BY m.name`, column)
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

func (dialect) Placeholder(int) string { return "?" }

func (dialect) InsertStatement(table string, columns []string, values []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(values, ", "))
}

func (dialect) BytesLiteral(b []byte) string {
	return "X'" + storage.HexBytes(b) + "'"
}

// SinceArg formats the cutoff the way CURRENT_TIMESTAMP stores it, so the
// text comparison against created_at is chronological.
func (dialect) SinceArg(since time.Time) interface{} {
	return since.UTC().Format("2006-01-02 15:04:05")
}
