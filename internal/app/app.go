package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"impactos/internal/config"
	"impactos/internal/dbclient"
	"impactos/internal/domain"
	"impactos/internal/etl"
	_ "impactos/internal/etl/sources" // register all sources via init()
	"impactos/internal/metrics"
	"impactos/internal/service"
	"impactos/internal/storage"
)

// App wires the configured pipeline: reference store, engine, run history,
// metrics and the service that triggers runs.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	source   etl.Source
	engine   *etl.Engine
	history  *storage.DB // nil when history is disabled
	reporter *metrics.Reporter
	etl      *service.ETLService
}

// New builds an App from cfg. Close releases the run-history database.
func New(cfg *config.Config, log *logrus.Logger) (*App, error) {
	src, err := etl.GetSource(cfg.Input.Format)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}

	srcCfg := etl.SourceConfig{}
	switch cfg.Input.Format {
	case "xlsx":
		if cfg.Input.Sheet != "" {
			srcCfg["sheet"] = cfg.Input.Sheet
		}
	case "csv":
		srcCfg["delimiter"] = cfg.Input.Delimiter
	}

	repo := dbclient.NewReferenceStore(cfg.Database, cfg.Reference.MunicipalityTable, log)
	engine := &etl.Engine{
		Repo: repo,
		Ingestor: &etl.Ingestor{
			Dir:    cfg.Paths.InputDir,
			Source: src,
			Config: srcCfg,
			Log:    log,
		},
		Fields:         domain.Fields,
		LookupDir:      cfg.Paths.LookupDir,
		RefreshLookups: cfg.Reference.Refresh,
		Dest: &etl.SQLWriter{
			Connect:       dbclient.Connector(cfg.Database),
			Driver:        cfg.Database.Driver,
			Table:         cfg.TargetTable(),
			ListSeparator: cfg.Load.ListSeparator,
			Log:           log,
		},
		Archiver: &etl.Archiver{
			Dir:    cfg.Paths.ArchiveDir,
			Format: cfg.Archive.Format,
			Log:    log,
		},
		Log: log,
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		source:   src,
		engine:   engine,
		reporter: metrics.NewReporter(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, log),
	}

	var store service.RunLogStore
	if cfg.History.Enabled {
		db, err := storage.New(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open run history: %w", err)
		}
		a.history = db
		store = storage.NewETLStore(db)
	}

	a.etl = service.NewETLService(engine, store, log, a.reporter)
	return a, nil
}

// Close releases resources held by the App.
func (a *App) Close() error {
	a.etl.Stop()
	if a.history != nil {
		return a.history.Close()
	}
	return nil
}

// ── Operations ─────────────────────────────────────────────

// RunOnce executes one batch and logs its summary.
func (a *App) RunOnce(ctx context.Context) (*etl.SyncResult, error) {
	res, err := a.etl.RunBatch(ctx, service.TriggerManual)
	if err != nil {
		return res, err
	}
	a.log.WithFields(logrus.Fields{
		"run_id":       res.RunID,
		"status":       res.Status,
		"files":        res.Files,
		"rows_read":    res.RowsRead,
		"duplicates":   res.Duplicates,
		"rows_written": res.RowsWritten,
		"archived":     len(res.Archived),
		"duration":     res.Duration.String(),
	}).Info("batch finished")
	return res, nil
}

// RefreshLookups rewrites the lookup side files from the database.
func (a *App) RefreshLookups(ctx context.Context) error {
	if err := a.engine.RefreshOnly(ctx); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"dir":    a.cfg.Paths.LookupDir,
		"tables": len(domain.ReferenceTables(domain.Fields)),
	}).Info("lookup side files refreshed")
	return nil
}

// Schedule starts cron-triggered batches. It returns immediately.
func (a *App) Schedule(ctx context.Context, expr string) error {
	return a.etl.Schedule(ctx, expr)
}

// Watch starts file-triggered batches on the input directory. It returns
// immediately.
func (a *App) Watch(ctx context.Context) error {
	spec := a.source.Spec()
	match := func(name string) bool {
		if strings.HasPrefix(name, "~$") {
			return false
		}
		return spec.Matches(strings.ToLower(filepath.Ext(name)))
	}
	return a.etl.Watch(ctx, a.cfg.Paths.InputDir, match, a.cfg.Watch.Debounce)
}

// WaitRunning blocks until the running batch, if any, finishes.
func (a *App) WaitRunning(ctx context.Context) {
	a.etl.WaitRunning(ctx)
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]etl.SyncRunLog, error) {
	logs, err := a.etl.ListRunLogs(limit)
	if errors.Is(err, service.ErrHistoryDisabled) {
		return nil, withCode(exitConfig, fmt.Errorf("%w: %w", config.ErrInvalid, err))
	}
	return logs, err
}
