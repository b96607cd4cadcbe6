package etl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"impactos/internal/domain"
	"impactos/internal/logging"
)

// ── Destination ────────────────────────────────────────────
// A Destination writes a resolved batch into the warehouse.

// Destination writes records to a target system. The write is all or
// nothing: on error no record of the batch is kept.
type Destination interface {
	Write(ctx context.Context, schema *Schema, records []Record) (int, error)
}

// ── SQL Destination ────────────────────────────────────────

// maxParams is the bind-parameter limit of a single statement on d.
func maxParams(d domain.DatabaseDriver) int {
	if d == domain.DatabaseDriverSQLite {
		return 32766
	}
	return 65535
}

// columnName matches the column names spliced into INSERT statements.
var columnName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLWriter inserts batches into a table with multi-row INSERT statements,
// all inside one transaction. It opens a connection per Write and closes it
// on every path.
type SQLWriter struct {
	Connect       func(ctx context.Context) (*sqlx.DB, error)
	Driver        domain.DatabaseDriver
	Table         string // schema-qualified
	ListSeparator string // joins multi-valued cells on drivers without arrays
	Log           logrus.FieldLogger
}

func (w *SQLWriter) Write(ctx context.Context, schema *Schema, records []Record) (written int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	log := w.Log
	if log == nil {
		log = logging.Discard()
	}
	columns := schema.FieldNames()
	if len(columns) == 0 {
		return 0, fmt.Errorf("%w: batch has no columns", ErrBulkInsert)
	}
	for _, c := range columns {
		if !columnName.MatchString(c) {
			return 0, fmt.Errorf("%w: column %q is not a plain SQL identifier", ErrFormat, c)
		}
	}

	db, err := w.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrBulkInsert, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			log.WithError(err).WithField("table", w.Table).Error("bulk insert failed")
			written = 0
		}
	}()

	rowsPerStmt := maxParams(w.Driver) / len(columns)
	for start := 0; start < len(records); start += rowsPerStmt {
		end := min(start+rowsPerStmt, len(records))
		query, args := w.insertStatement(db, columns, records[start:end])
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("%w: insert rows %d-%d: %w", ErrBulkInsert, start+1, end, err)
		}
		written = end
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrBulkInsert, err)
	}
	log.WithFields(logrus.Fields{"table": w.Table, "rows": written}).Info("batch inserted")
	return written, nil
}

// insertStatement builds one INSERT with a VALUES tuple per record, with
// placeholders rebound for the connection's driver.
func (w *SQLWriter) insertStatement(db *sqlx.DB, columns []string, records []Record) (string, []any) {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.Table, strings.Join(columns, ", "))
	args := make([]any, 0, len(columns)*len(records))
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for _, c := range columns {
			args = append(args, w.bindValue(r.Data[c]))
		}
	}
	return db.Rebind(b.String()), args
}

// bindValue converts a resolved cell to a driver argument. Multi-valued
// cells become a postgres array, or delimited text on other drivers.
func (w *SQLWriter) bindValue(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}

	if w.Driver == domain.DatabaseDriverPostgres {
		keys := make([]int64, 0, len(list))
		for _, item := range list {
			k, isKey := item.(int64)
			if !isKey {
				return pq.Array(listText(list))
			}
			keys = append(keys, k)
		}
		return pq.Array(keys)
	}

	sep := w.ListSeparator
	if sep == "" {
		sep = ","
	}
	return strings.Join(listText(list), sep)
}

func listText(list []any) []string {
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = cellText(item)
	}
	return out
}
