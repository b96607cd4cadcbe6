package etl

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"impactos/internal/domain"
	"impactos/internal/logging"
)

// ── Archiver ───────────────────────────────────────────────
// After a successful load the ingested rows are kept as per-state files
// under the archive directory and the input files are removed.

const (
	// ArchiveComma separates the columns of csv archive files.
	ArchiveComma = ';'

	// noStateDir holds the rows whose uf is empty.
	noStateDir = "_sem_uf"

	archiveSheet = "Sheet1"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Archiver writes per-state archive files.
type Archiver struct {
	Dir    string
	Format string           // "csv" | "xlsx"
	Now    func() time.Time // defaults to time.Now
	Log    logrus.FieldLogger
}

// Archive partitions b by uf, writes one file per state as
// <Dir>/<uf>/impactos_seca_<uf>_<YYYYMMDD>.<ext> and then deletes b.Files.
// Inputs are only deleted once every archive file has been synced to disk.
// It returns the archive files written.
func (a *Archiver) Archive(b *Batch) ([]string, error) {
	log := a.Log
	if log == nil {
		log = logging.Discard()
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	date := now().Format("20060102")
	columns := b.Schema.FieldNames()

	var order []string
	parts := make(map[string][]Record)
	for _, r := range b.Records {
		uf := NormalizeLabel(cellText(r.Data[domain.FieldState]))
		if _, seen := parts[uf]; !seen {
			order = append(order, uf)
		}
		parts[uf] = append(parts[uf], r)
	}

	written := make([]string, 0, len(order))
	for _, uf := range order {
		dir, token := noStateDir, "sem_uf"
		if uf != "" {
			token = unsafePathChars.ReplaceAllString(uf, "_")
			dir = token
		}
		dir = filepath.Join(a.Dir, dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return written, fmt.Errorf("create archive dir: %w", err)
		}

		path := freePath(filepath.Join(dir, fmt.Sprintf("impactos_seca_%s_%s", token, date)), a.ext())
		var err error
		if a.Format == "xlsx" {
			err = writeXLSX(path, columns, parts[uf])
		} else {
			err = writeCSV(path, columns, parts[uf])
		}
		if err != nil {
			return written, fmt.Errorf("archive %s: %w", uf, err)
		}
		written = append(written, path)
		log.WithFields(logrus.Fields{"file": path, "rows": len(parts[uf])}).Info("archive written")
	}

	var errs []error
	for _, f := range b.Files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		log.WithField("file", f).Debug("input removed")
	}
	if err := errors.Join(errs...); err != nil {
		return written, fmt.Errorf("remove inputs: %w", err)
	}
	return written, nil
}

func (a *Archiver) ext() string {
	if a.Format == "xlsx" {
		return ".xlsx"
	}
	return ".csv"
}

// freePath returns base+ext, or base_N+ext for the first N not taken, so a
// second run on the same day does not overwrite the first archive.
func freePath(base, ext string) string {
	path := base + ext
	for n := 2; ; n++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

func writeCSV(path string, columns []string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = ArchiveComma
	if err := w.Write(columns); err != nil {
		f.Close()
		return err
	}
	row := make([]string, len(columns))
	for _, r := range records {
		for i, c := range columns {
			row[i] = cellText(r.Data[c])
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeXLSX(path string, columns []string, records []Record) error {
	x := excelize.NewFile()
	defer x.Close()

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := x.SetSheetRow(archiveSheet, "A1", &header); err != nil {
		return err
	}
	for n, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return err
		}
		values := r.Values(columns)
		if err := x.SetSheetRow(archiveSheet, cell, &values); err != nil {
			return err
		}
	}
	if err := x.SaveAs(path); err != nil {
		return err
	}
	return syncFile(path)
}

// syncFile flushes a file written by a library that does not sync it.
func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
