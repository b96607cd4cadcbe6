package storage

import (
	"time"

	"github.com/google/uuid"

	"impactos/internal/etl"
)

// ETLStore persists the run history.
type ETLStore struct {
	db *DB
}

func NewETLStore(db *DB) *ETLStore {
	return &ETLStore{db: db}
}

type runLogRow struct {
	ID          string    `db:"id"`
	Trigger     string    `db:"trigger_type"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
	Status      string    `db:"status"`
	Files       int       `db:"files"`
	RowsRead    int       `db:"rows_read"`
	RowsWritten int       `db:"rows_written"`
	Error       string    `db:"error"`
}

func (r runLogRow) runLog() etl.SyncRunLog {
	return etl.SyncRunLog{
		ID:          r.ID,
		Trigger:     r.Trigger,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Status:      r.Status,
		Files:       r.Files,
		RowsRead:    r.RowsRead,
		RowsWritten: r.RowsWritten,
		Error:       r.Error,
	}
}

// CreateRunLog stores a finished run. A log without an ID gets a new one;
// a log without a trigger is recorded as manual.
func (s *ETLStore) CreateRunLog(log *etl.SyncRunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Trigger == "" {
		log.Trigger = "manual"
	}
	_, err := s.db.conn.NamedExec(
		`INSERT INTO etl_run_logs (id, trigger_type, started_at, finished_at, status, files, rows_read, rows_written, error)
		 VALUES (:id, :trigger_type, :started_at, :finished_at, :status, :files, :rows_read, :rows_written, :error)`,
		runLogRow{
			ID:          log.ID,
			Trigger:     log.Trigger,
			StartedAt:   log.StartedAt.UTC(),
			FinishedAt:  log.FinishedAt.UTC(),
			Status:      log.Status,
			Files:       log.Files,
			RowsRead:    log.RowsRead,
			RowsWritten: log.RowsWritten,
			Error:       log.Error,
		},
	)
	return err
}

// ListRunLogs returns the most recent runs, newest first. A non-positive
// limit means 20.
func (s *ETLStore) ListRunLogs(limit int) ([]etl.SyncRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.selectRunLogs(`ORDER BY started_at DESC LIMIT ?`, limit)
}

// LastSuccess returns the most recent successful run, or nil.
func (s *ETLStore) LastSuccess() (*etl.SyncRunLog, error) {
	logs, err := s.selectRunLogs(`WHERE status = ? ORDER BY started_at DESC LIMIT 1`, etl.StatusSuccess)
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}

func (s *ETLStore) selectRunLogs(clause string, args ...any) ([]etl.SyncRunLog, error) {
	var rows []runLogRow
	err := s.db.conn.Select(&rows,
		`SELECT id, trigger_type, started_at, finished_at, status, files, rows_read, rows_written, error
		 FROM etl_run_logs `+clause, args...)
	if err != nil {
		return nil, err
	}
	logs := make([]etl.SyncRunLog, len(rows))
	for i, r := range rows {
		logs[i] = r.runLog()
	}
	return logs, nil
}
