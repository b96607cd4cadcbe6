package dbclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"impactos/internal/domain"
	"impactos/internal/etl"
	"impactos/internal/logging"
)

// ReferenceStore reads category tables and the municipality table from the
// reference database. It implements etl.ReferenceRepository.
type ReferenceStore struct {
	Conn              domain.DatabaseConnection
	MunicipalityTable string
	Connect           ConnectFunc // defaults to Connector(Conn)
	Log               logrus.FieldLogger
}

var _ etl.ReferenceRepository = (*ReferenceStore)(nil)

// NewReferenceStore creates a store reading from conn.
func NewReferenceStore(conn domain.DatabaseConnection, municipalityTable string, log logrus.FieldLogger) *ReferenceStore {
	return &ReferenceStore{
		Conn:              conn,
		MunicipalityTable: municipalityTable,
		Connect:           Connector(conn),
		Log:               log,
	}
}

func (s *ReferenceStore) open(ctx context.Context) (*sqlx.DB, error) {
	if s.Connect == nil {
		return Open(ctx, s.Conn)
	}
	return s.Connect(ctx)
}

func (s *ReferenceStore) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logging.Discard()
	}
	return s.Log
}

// FetchTable reads every row of a category table. The key column is
// id_<table> (the first column if there is none); the label is the first
// other column. Entries are returned in key order.
func (s *ReferenceStore) FetchTable(ctx context.Context, table string) ([]etl.ReferenceEntry, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	qualified := s.Conn.Qualify(table)
	rows, err := db.QueryxContext(ctx, "SELECT * FROM "+qualified)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", queryFailure(err), qualified, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: columns of %s: %w", queryFailure(err), qualified, err)
	}
	keyIdx, labelIdx, err := referenceColumns(cols, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", etl.ErrMissingReference, qualified, err)
	}

	var entries []etl.ReferenceEntry
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", queryFailure(err), qualified, err)
		}
		key, err := toInt64(formatValue(values[keyIdx]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s key: %w", etl.ErrMissingReference, qualified, err)
		}
		label := ""
		if v := formatValue(values[labelIdx]); v != nil {
			label = fmt.Sprint(v)
		}
		entries = append(entries, etl.ReferenceEntry{Key: key, Label: label})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", queryFailure(err), qualified, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	s.logger().WithFields(logrus.Fields{"table": qualified, "rows": len(entries)}).Debug("reference table fetched")
	return entries, nil
}

// queryFailure classifies an error raised after the connection opened: a
// lost connection is etl.ErrConnection, anything else means the reference
// data is missing or malformed.
func queryFailure(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.As(err, &netErr):
		return etl.ErrConnection
	default:
		return etl.ErrMissingReference
	}
}

// referenceColumns locates the key and label columns of a category table.
func referenceColumns(cols []string, table string) (int, int, error) {
	if len(cols) < 2 {
		return 0, 0, fmt.Errorf("expected a key and a label column, got %d columns", len(cols))
	}
	keyIdx := 0
	for i, c := range cols {
		if strings.EqualFold(c, "id_"+table) {
			keyIdx = i
			break
		}
	}
	labelIdx := 0
	if keyIdx == 0 {
		labelIdx = 1
	}
	return keyIdx, labelIdx, nil
}

type municipalityRow struct {
	State string        `db:"sigla_uf"`
	Name  string        `db:"nome_mun"`
	Code  sql.NullInt64 `db:"cod_mun"`
}

// FetchMunicipalities reads (sigla_uf, nome_mun, cod_mun) from the
// municipality table. Rows without a code are skipped.
func (s *ReferenceStore) FetchMunicipalities(ctx context.Context) ([]etl.Municipality, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	qualified := s.Conn.Qualify(s.MunicipalityTable)
	var rows []municipalityRow
	query := fmt.Sprintf("SELECT sigla_uf, nome_mun, cod_mun FROM %s", qualified)
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", queryFailure(err), qualified, err)
	}

	out := make([]etl.Municipality, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		if !r.Code.Valid {
			skipped++
			continue
		}
		out = append(out, etl.Municipality{State: r.State, Name: r.Name, Code: r.Code.Int64})
	}
	log := s.logger().WithFields(logrus.Fields{"table": qualified, "rows": len(out)})
	if skipped > 0 {
		log.WithField("skipped", skipped).Warn("municipalities without cod_mun skipped")
	}
	log.Debug("municipalities fetched")
	return out, nil
}

// formatValue normalizes a scanned database value.
func formatValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case nil:
		return 0, fmt.Errorf("null key")
	default:
		return 0, fmt.Errorf("unsupported key type %T", v)
	}
}
