package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"impactos/internal/etl"
	"impactos/internal/service"
)

// ─────────────────────────────────────────────────────────────
// fakes
// ─────────────────────────────────────────────────────────────

type fakeRunner struct {
	calls   atomic.Int32
	release chan struct{} // when set, Run blocks until closed
	started chan struct{}
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, runID string) (*etl.SyncResult, error) {
	r.calls.Add(1)
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return &etl.SyncResult{RunID: runID, Status: etl.StatusError, Error: r.err.Error()}, r.err
	}
	return &etl.SyncResult{RunID: runID, Status: etl.StatusSuccess, Files: 1, RowsRead: 4, RowsWritten: 3}, nil
}

type memoryStore struct {
	mu   sync.Mutex
	logs []etl.SyncRunLog
}

func (m *memoryStore) CreateRunLog(l *etl.SyncRunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append([]etl.SyncRunLog{*l}, m.logs...)
	return nil
}

func (m *memoryStore) ListRunLogs(limit int) ([]etl.SyncRunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.logs) {
		limit = len(m.logs)
	}
	return append([]etl.SyncRunLog(nil), m.logs[:limit]...), nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ─────────────────────────────────────────────────────────────
// RunBatch
// ─────────────────────────────────────────────────────────────

func TestRunBatch_RecordsHistoryAndNotifies(t *testing.T) {
	runner := &fakeRunner{}
	store := &memoryStore{}
	obs := &service.MockObserver{}
	svc := service.NewETLService(runner, store, nil, obs)

	res, err := svc.RunBatch(context.Background(), service.TriggerManual)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("expected a run id")
	}

	logs, err := svc.ListRunLogs(10)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 run log, got %d", len(logs))
	}
	got := logs[0]
	if got.ID != res.RunID || got.Trigger != service.TriggerManual || got.Status != etl.StatusSuccess {
		t.Errorf("unexpected run log %+v", got)
	}
	if got.RowsRead != 4 || got.RowsWritten != 3 || got.Files != 1 {
		t.Errorf("counts not recorded: %+v", got)
	}
	if got.FinishedAt.Before(got.StartedAt) {
		t.Error("finished before started")
	}
	if obs.Len() != 1 || obs.Last().RunID != res.RunID {
		t.Errorf("observer not notified with the run result")
	}
}

func TestRunBatch_FailureIsRecorded(t *testing.T) {
	runner := &fakeRunner{err: etl.ErrBulkInsert}
	store := &memoryStore{}
	obs := &service.MockObserver{}
	svc := service.NewETLService(runner, store, nil, obs)

	_, err := svc.RunBatch(context.Background(), service.TriggerManual)
	if !errors.Is(err, etl.ErrBulkInsert) {
		t.Fatalf("expected ErrBulkInsert, got %v", err)
	}
	logs, _ := svc.ListRunLogs(10)
	if len(logs) != 1 || logs[0].Status != etl.StatusError || logs[0].Error == "" {
		t.Fatalf("expected an error run log, got %+v", logs)
	}
	if obs.Last().Status != etl.StatusError {
		t.Error("observer should see failed runs too")
	}
}

func TestRunBatch_WithoutHistory(t *testing.T) {
	svc := service.NewETLService(&fakeRunner{}, nil, nil)
	if _, err := svc.RunBatch(context.Background(), service.TriggerManual); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if _, err := svc.ListRunLogs(5); !errors.Is(err, service.ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

func TestRunBatch_RefusesConcurrentRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	svc := service.NewETLService(runner, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunBatch(context.Background(), service.TriggerManual)
		done <- err
	}()
	<-runner.started

	if _, err := svc.RunBatch(context.Background(), service.TriggerSchedule); !errors.Is(err, service.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.WaitRunning(ctx)
	if ctx.Err() != nil {
		t.Fatal("WaitRunning did not return after the run finished")
	}
	if got := runner.calls.Load(); got != 1 {
		t.Errorf("expected 1 runner call, got %d", got)
	}
}

// ─────────────────────────────────────────────────────────────
// Triggers
// ─────────────────────────────────────────────────────────────

func TestSchedule_InvalidExpression(t *testing.T) {
	svc := service.NewETLService(&fakeRunner{}, nil, nil)
	defer svc.Stop()

	err := svc.Schedule(context.Background(), "every tuesday")
	if err == nil || !strings.Contains(err.Error(), "invalid cron expression") {
		t.Fatalf("expected invalid cron expression error, got %v", err)
	}
}

func TestSchedule_Fires(t *testing.T) {
	runner := &fakeRunner{}
	store := &memoryStore{}
	svc := service.NewETLService(runner, store, nil)

	if err := svc.Schedule(context.Background(), "@every 1s"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { logs, _ := store.ListRunLogs(1); return len(logs) == 1 })
	svc.Stop()

	logs, _ := store.ListRunLogs(1)
	if len(logs) == 0 || logs[0].Trigger != service.TriggerSchedule {
		t.Fatalf("expected a scheduled run log, got %+v", logs)
	}
}

func TestWatch_TriggersOnMatchingFile(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	store := &memoryStore{}
	svc := service.NewETLService(runner, store, nil)
	defer svc.Stop()

	match := func(name string) bool { return strings.EqualFold(filepath.Ext(name), ".xlsx") }
	if err := svc.Watch(context.Background(), dir, match, 50*time.Millisecond); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := runner.calls.Load(); got != 0 {
		t.Fatalf("non-matching file triggered %d runs", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "form.xlsx"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { logs, _ := store.ListRunLogs(1); return len(logs) == 1 })

	logs, _ := store.ListRunLogs(1)
	if len(logs) == 0 || logs[0].Trigger != service.TriggerFileWatch {
		t.Fatalf("expected a file_watch run log, got %+v", logs)
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	svc := service.NewETLService(&fakeRunner{}, nil, nil)
	defer svc.Stop()

	err := svc.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), func(string) bool { return true }, time.Millisecond)
	if err == nil {
		t.Fatal("expected an error watching a missing directory")
	}
}

func TestStop_Idempotent(t *testing.T) {
	svc := service.NewETLService(&fakeRunner{}, nil, nil)
	svc.Stop()
	svc.Stop()
}
