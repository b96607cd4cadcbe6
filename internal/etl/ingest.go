package etl

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"impactos/internal/logging"
)

// ── Ingestor ───────────────────────────────────────────────
// Discovers the input spreadsheets, reads them through a Source,
// concatenates and deduplicates the rows.

// Ingestor reads every input file of one format found in Dir.
type Ingestor struct {
	Dir    string
	Source Source
	Config SourceConfig // per-format options; "filePath" is set per file
	Log    logrus.FieldLogger
}

// IngestStats summarizes one ingestion.
type IngestStats struct {
	Files      int
	RowsRead   int
	Duplicates int
}

// Discover lists the input files in Dir, in lexical order. Office lock files
// ("~$...") are skipped.
func (in *Ingestor) Discover() ([]string, error) {
	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		return nil, fmt.Errorf("list input dir %s: %w", in.Dir, err)
	}
	spec := in.Source.Spec()
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), "~$") {
			continue
		}
		if spec.Matches(strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(in.Dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Ingest reads and concatenates every discovered file, then removes
// exact-duplicate rows. With no input files it returns an empty batch.
func (in *Ingestor) Ingest(ctx context.Context) (*Batch, IngestStats, error) {
	log := in.Log
	if log == nil {
		log = logging.Discard()
	}

	var stats IngestStats
	files, err := in.Discover()
	if err != nil {
		return nil, stats, err
	}

	batch := &Batch{Schema: &Schema{}}
	if len(files) == 0 {
		return batch, stats, nil
	}

	for _, path := range files {
		schema, records, err := in.readFile(ctx, path)
		if err != nil {
			return nil, stats, err
		}
		// One header spelled differently across files is one column.
		file := renameColumns(&Batch{Schema: schema, Records: records}, NormalizeHeader)
		batch.Schema.Merge(file.Schema)
		batch.Records = append(batch.Records, file.Records...)
		batch.Files = append(batch.Files, path)
		log.WithFields(logrus.Fields{"file": filepath.Base(path), "rows": len(records)}).Debug("input file read")
	}

	stats.Files = len(files)
	stats.RowsRead = len(batch.Records)

	// Rows of files missing a column get an explicit null.
	columns := batch.Schema.FieldNames()
	fillNulls := TransformerFunc(func(r Record) (Record, bool) {
		for _, name := range columns {
			if _, ok := r.Data[name]; !ok {
				r.Data[name] = nil
			}
		}
		return r, true
	})
	deduped, removed := Dedupe(applyBatch(batch, batch.Schema, fillNulls))
	stats.Duplicates = removed
	return deduped, stats, nil
}

func (in *Ingestor) readFile(ctx context.Context, path string) (*Schema, []Record, error) {
	cfg := maps.Clone(in.Config)
	if cfg == nil {
		cfg = SourceConfig{}
	}
	cfg["filePath"] = path
	if err := in.Source.Spec().Validate(cfg); err != nil {
		return nil, nil, err
	}

	schema, err := in.Source.Discover(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read header of %s: %w", ErrFormat, filepath.Base(path), err)
	}

	recCh, errCh := in.Source.Read(ctx, cfg)
	var records []Record
	for rec := range recCh {
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %w", ErrFormat, filepath.Base(path), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return schema, records, nil
}
