package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"impactos/internal/etl"
	"impactos/internal/logging"
)

// ─────────────────────────────────────────────────────────────
// ETL Service: single-flight batch runs and their triggers
// ─────────────────────────────────────────────────────────────

// Triggers recorded in the run history.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerFileWatch = "file_watch"
)

// batchKey is the single-flight key shared by every trigger: a batch always
// covers the whole input directory, so two runs must never overlap.
const batchKey = "batch"

var (
	// ErrAlreadyRunning is returned when a batch is requested while one runs.
	ErrAlreadyRunning = errors.New("a batch is already running")

	// ErrHistoryDisabled is returned by ListRunLogs without a history store.
	ErrHistoryDisabled = errors.New("run history is disabled")
)

// Runner executes one batch. *etl.Engine implements it.
type Runner interface {
	Run(ctx context.Context, runID string) (*etl.SyncResult, error)
}

// RunLogStore persists the run history. *storage.ETLStore implements it.
type RunLogStore interface {
	CreateRunLog(log *etl.SyncRunLog) error
	ListRunLogs(limit int) ([]etl.SyncRunLog, error)
}

// ETLService runs batches one at a time, records each in the run history and
// notifies observers. Runs start manually, from a cron schedule or when
// input files land in the watched directory.
type ETLService struct {
	runner      Runner
	store       RunLogStore // nil disables the history
	observers   []RunObserver
	log         logrus.FieldLogger
	runningJobs runningJobsGuard

	// watcher / cron lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewETLService creates an ETLService ready for use.
func NewETLService(runner Runner, store RunLogStore, log logrus.FieldLogger, observers ...RunObserver) *ETLService {
	if log == nil {
		log = logging.Discard()
	}
	return &ETLService{
		runner:    runner,
		store:     store,
		observers: observers,
		log:       log,
	}
}

// ── Run ────────────────────────────────────────────────────

// RunBatch executes one batch synchronously. It fails with ErrAlreadyRunning
// when another batch is in progress in this process.
func (s *ETLService) RunBatch(ctx context.Context, trigger string) (*etl.SyncResult, error) {
	if !s.runningJobs.TryLock(batchKey) {
		return nil, ErrAlreadyRunning
	}
	defer s.runningJobs.Unlock(batchKey)

	runID := uuid.New().String()
	log := s.log.WithFields(logrus.Fields{"run_id": runID, "trigger": trigger})
	log.Info("run started")

	start := time.Now()
	result, runErr := s.runner.Run(ctx, runID)
	if result == nil {
		result = &etl.SyncResult{RunID: runID, Status: etl.StatusError, Duration: time.Since(start)}
		if runErr != nil {
			result.Error = runErr.Error()
		}
	}

	if s.store != nil {
		runLog := &etl.SyncRunLog{
			ID:          runID,
			Trigger:     trigger,
			StartedAt:   start,
			FinishedAt:  time.Now(),
			Status:      result.Status,
			Files:       result.Files,
			RowsRead:    result.RowsRead,
			RowsWritten: result.RowsWritten,
		}
		if runErr != nil {
			runLog.Error = runErr.Error()
		}
		if err := s.store.CreateRunLog(runLog); err != nil {
			log.WithError(err).Warn("record run history")
		}
	}

	for _, o := range s.observers {
		o.RunFinished(ctx, result)
	}
	return result, runErr
}

// ListRunLogs returns the most recent runs, newest first.
func (s *ETLService) ListRunLogs(limit int) ([]etl.SyncRunLog, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.ListRunLogs(limit)
}

// ── Triggers (cron + file_watch) ──────────────────────────

// Schedule runs a batch on every tick of the cron expression until Stop.
// Ticks that land while a batch is running are skipped.
func (s *ETLService) Schedule(ctx context.Context, expr string) error {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if _, err := s.RunBatch(ctx, TriggerSchedule); err != nil {
			s.log.WithError(err).WithField("trigger", TriggerSchedule).Warn("scheduled run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	if s.cronSched != nil {
		s.cronSched.Stop()
	}
	s.cronSched = c
	s.mu.Unlock()

	c.Start()
	s.log.WithField("cron", expr).Info("batch scheduled")
	return nil
}

// Watch runs a batch when files accepted by match are created or written in
// dir. Bursts of events are debounced; a trigger that finds a batch running
// is retried after another debounce period.
func (s *ETLService) Watch(ctx context.Context, dir string, match func(name string) bool, debounce time.Duration) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("bad watch path %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir %q: %w", absDir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.watcher = watcher
	s.watchCancel = cancel
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"trigger": TriggerFileWatch, "dir": absDir})

	go func() {
		var (
			timerMu sync.Mutex
			timer   *time.Timer
		)
		var fire func()
		arm := func() {
			timerMu.Lock()
			defer timerMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
		}
		fire = func() {
			if watchCtx.Err() != nil {
				return
			}
			_, err := s.RunBatch(watchCtx, TriggerFileWatch)
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				arm()
			case err != nil:
				log.WithError(err).Warn("file-triggered run failed")
			}
		}
		defer func() {
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !match(filepath.Base(event.Name)) {
					continue
				}
				log.WithField("file", filepath.Base(event.Name)).Debug("input file changed")
				arm()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("watcher error")
			}
		}
	}()

	log.Info("watching input directory")
	return nil
}

// WaitRunning blocks until the running batch finishes or ctx is cancelled.
// Used for graceful shutdown.
func (s *ETLService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Stop tears down the watcher and the scheduler. A batch already running is
// not interrupted; use WaitRunning to wait for it.
func (s *ETLService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
