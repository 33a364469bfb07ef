package storage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CreatedAtColumn is the column incremental exports filter on.
const CreatedAtColumn = "created_at"

// Dialect captures the SQL differences the row exporter cares about.
type Dialect interface {
	// TablesWithColumn lists user tables that have the named column.
	TablesWithColumn(ctx context.Context, db *sql.DB, column string) ([]string, error)
	QuoteIdent(name string) string
	Placeholder(n int) string
	// InsertStatement renders one idempotent insert.
	InsertStatement(table string, columns []string, values []string) string
	BytesLiteral(b []byte) string
	// SinceArg converts the cutoff into the argument bound for created_at.
	SinceArg(since time.Time) interface{}
}

// ExportRowsSince writes one insert statement per row created after since to
// destPath. A partially written file is removed on failure.
func ExportRowsSince(ctx context.Context, db *sql.DB, d Dialect, destPath string, since time.Time) (err error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(destPath)
		}
	}()

	w := bufio.NewWriter(f)
	if err = WriteRowsSince(ctx, db, d, w, since); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync export: %w", err)
	}
	return f.Close()
}

// WriteRowsSince streams the incremental export to w.
func WriteRowsSince(ctx context.Context, db *sql.DB, d Dialect, w io.Writer, since time.Time) error {
	tables, err := d.TablesWithColumn(ctx, db, CreatedAtColumn)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	if _, err := fmt.Fprintf(w, "-- incremental export of rows created after %s\n", since.UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	for _, table := range tables {
		n, err := exportTable(ctx, db, d, w, table, since)
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", table, err)
		}
		if _, err := fmt.Fprintf(w, "-- %s: %d rows\n", table, n); err != nil {
			return err
		}
	}
	return nil
}

func exportTable(ctx context.Context, db *sql.DB, d Dialect, w io.Writer, table string, since time.Time) (int, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > %s ORDER BY %s",
		d.QuoteIdent(table), d.QuoteIdent(CreatedAtColumn), d.Placeholder(1), d.QuoteIdent(CreatedAtColumn))

	rows, err := db.QueryContext(ctx, query, d.SinceArg(since))
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdent(c)
	}

	count := 0
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, err
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = Literal(d, v)
		}
		if _, err := io.WriteString(w, d.InsertStatement(d.QuoteIdent(table), quoted, literals)+";\n"); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

// Literal renders a scanned value as an SQL literal.
func Literal(d Dialect, v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case []byte:
		return d.BytesLiteral(x)
	case time.Time:
		return QuoteString(x.UTC().Format("2006-01-02 15:04:05.999999999"))
	case string:
		return QuoteString(x)
	default:
		return QuoteString(fmt.Sprint(x))
	}
}

// QuoteString renders s as a single-quoted SQL string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// HexBytes is the shared hex body used by BytesLiteral implementations.
func HexBytes(b []byte) string {
	return hex.EncodeToString(b)
}
