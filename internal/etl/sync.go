package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"impactos/internal/domain"
	"impactos/internal/logging"
)

// ── Engine ─────────────────────────────────────────────────
// Orchestrates one batch:
// refresh side files → lookup cache → ingest → normalize → resolve →
// bulk load → archive.

// Run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusEmpty   = "empty" // no input files
)

// SyncResult is the outcome of one run.
type SyncResult struct {
	RunID                   string        `json:"runId"`
	Status                  string        `json:"status"`
	Files                   int           `json:"files"`
	RowsRead                int           `json:"rowsRead"`
	Duplicates              int           `json:"duplicates"`
	RowsWritten             int           `json:"rowsWritten"`
	LookupMisses            int           `json:"lookupMisses"`
	UnmatchedMunicipalities int           `json:"unmatchedMunicipalities"`
	Archived                []string      `json:"archived,omitempty"`
	Duration                time.Duration `json:"duration"`
	Error                   string        `json:"error,omitempty"`
}

// SyncRunLog is a historical record of a run.
type SyncRunLog struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"` // "manual" | "schedule" | "file_watch"
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	Files       int       `json:"files"`
	RowsRead    int       `json:"rowsRead"`
	RowsWritten int       `json:"rowsWritten"`
	Error       string    `json:"error,omitempty"`
}

// Engine runs batches. Repo is used for the side-file refresh and the
// municipality table; Dest receives the resolved rows.
type Engine struct {
	Repo           ReferenceRepository
	Ingestor       *Ingestor
	Fields         []domain.Field
	LookupDir      string
	RefreshLookups bool
	Dest           Destination
	Archiver       *Archiver
	Log            logrus.FieldLogger
}

// Run executes one batch end-to-end. The returned result is never nil; on
// failure its Status is StatusError and the error is also returned.
func (e *Engine) Run(ctx context.Context, runID string) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{RunID: runID}
	log := e.Log
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithField("run_id", runID)

	fail := func(stage string, err error) (*SyncResult, error) {
		err = fmt.Errorf("%s: %w", stage, err)
		result.Status = StatusError
		result.Error = err.Error()
		result.Duration = time.Since(start)
		log.WithError(err).Error("run failed")
		return result, err
	}

	tables := domain.ReferenceTables(e.Fields)

	// 1. Refresh side files from the reference database.
	if e.RefreshLookups {
		if err := RefreshSideFiles(ctx, e.Repo, e.LookupDir, tables); err != nil {
			return fail("refresh lookups", err)
		}
		log.WithField("tables", len(tables)).Info("lookup side files refreshed")
	}

	// 2. Load the lookup cache.
	cache, err := LoadLookupCache(e.LookupDir, tables)
	if err != nil {
		return fail("load lookups", err)
	}

	// 3. Ingest the input files.
	raw, stats, err := e.Ingestor.Ingest(ctx)
	if err != nil {
		return fail("ingest", err)
	}
	result.Files = stats.Files
	result.RowsRead = stats.RowsRead
	result.Duplicates = stats.Duplicates
	if stats.Files == 0 {
		result.Status = StatusEmpty
		result.Duration = time.Since(start)
		log.Info("no input files, nothing to do")
		return result, nil
	}
	log.WithFields(logrus.Fields{
		"files":      stats.Files,
		"rows":       stats.RowsRead,
		"duplicates": stats.Duplicates,
	}).Info("input ingested")

	// 4. Rename headers to canonical fields.
	normalized := Normalize(raw, domain.HeaderMapping(e.Fields))

	// 5. Resolve against the reference data.
	municipalities, err := e.Repo.FetchMunicipalities(ctx)
	if err != nil {
		return fail("fetch municipalities", err)
	}
	index := NewMunicipalityIndex(municipalities)
	if index.Duplicates > 0 {
		log.WithField("rows", index.Duplicates).Warn("duplicate municipalities in reference table, first code kept")
	}
	resolver := &Resolver{Fields: e.Fields, Lookups: cache, Municipalities: index, Log: log}
	resolved, rstats, err := resolver.Resolve(normalized)
	if err != nil {
		return fail("resolve", err)
	}
	result.LookupMisses = rstats.TotalLookupMisses()
	result.UnmatchedMunicipalities = rstats.UnmatchedMunicipalities

	// 6. Load. A failure here leaves the inputs in place.
	written, err := e.Dest.Write(ctx, resolved.Schema, resolved.Records)
	if err != nil {
		return fail("load", err)
	}
	result.RowsWritten = written

	// 7. Archive the normalized rows and remove the inputs.
	if e.Archiver != nil {
		archived, err := e.Archiver.Archive(normalized)
		result.Archived = archived
		if err != nil {
			return fail("archive", err)
		}
	}

	result.Status = StatusSuccess
	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"rows":     written,
		"archived": len(result.Archived),
		"duration": result.Duration.String(),
	}).Info("run finished")
	return result, nil
}

// RefreshOnly refreshes the side files without running a batch.
func (e *Engine) RefreshOnly(ctx context.Context) error {
	tables := domain.ReferenceTables(e.Fields)
	if err := RefreshSideFiles(ctx, e.Repo, e.LookupDir, tables); err != nil {
		return err
	}
	// Read back what was written so a broken dump fails here, not mid-run.
	if _, err := LoadLookupCache(e.LookupDir, tables); err != nil {
		return err
	}
	return nil
}
