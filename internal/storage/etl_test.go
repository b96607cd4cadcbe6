package storage_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactos/internal/etl"
	"impactos/internal/storage"
)

func openStore(t *testing.T) *storage.ETLStore {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "history", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewETLStore(db)
}

func TestETLStore_RunLogs(t *testing.T) {
	store := openStore(t)
	base := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

	first := &etl.SyncRunLog{
		StartedAt: base, FinishedAt: base.Add(time.Second),
		Status: etl.StatusSuccess, Files: 2, RowsRead: 10, RowsWritten: 9,
	}
	require.NoError(t, store.CreateRunLog(first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "manual", first.Trigger)

	second := &etl.SyncRunLog{
		ID: "run-2", Trigger: "schedule",
		StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Second),
		Status: etl.StatusError, Error: "load: bulk insert failed",
	}
	require.NoError(t, store.CreateRunLog(second))

	logs, err := store.ListRunLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "run-2", logs[0].ID, "newest first")
	assert.Equal(t, "schedule", logs[0].Trigger)
	assert.Equal(t, "load: bulk insert failed", logs[0].Error)
	assert.Equal(t, 9, logs[1].RowsWritten)
	assert.Equal(t, 2, logs[1].Files)
	assert.True(t, logs[1].StartedAt.Equal(base))

	last, err := store.LastSuccess()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, first.ID, last.ID)
}

func TestETLStore_EmptyHistory(t *testing.T) {
	store := openStore(t)

	logs, err := store.ListRunLogs(0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	last, err := store.LastSuccess()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestNew_MigratesTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := storage.New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestNew_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = storage.New(path)
	assert.ErrorContains(t, err, "newer than this binary")
}
