package etl

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
)

// ── Reference data ─────────────────────────────────────────
// Category tables (surrogate key ↔ label) and the municipality table live
// in the reference database. Before a run they are dumped to side files,
// one per table, which the lookup cache reads back.

// ReferenceEntry is one row of a category table.
type ReferenceEntry struct {
	Key   int64  `csv:"key"`
	Label string `csv:"label"`
}

// Municipality is one row of the municipality reference table.
type Municipality struct {
	State string `db:"sigla_uf"`
	Name  string `db:"nome_mun"`
	Code  int64  `db:"cod_mun"`
}

// ReferenceRepository reads reference data from the reference database.
// Every call opens and closes its own connection.
type ReferenceRepository interface {
	// FetchTable returns the full contents of a category table.
	FetchTable(ctx context.Context, table string) ([]ReferenceEntry, error)

	// FetchMunicipalities returns the municipality reference table.
	FetchMunicipalities(ctx context.Context) ([]Municipality, error)
}

// SideFileComma separates key and label in a side file.
const SideFileComma = ';'

// SideFilePath returns where the side file of table lives in dir.
func SideFilePath(dir, table string) string {
	return filepath.Join(dir, table)
}

// RefreshSideFiles dumps every table to its side file in dir. All tables are
// fetched before any file is written, so a fetch failure leaves the previous
// side files as they were.
func RefreshSideFiles(ctx context.Context, repo ReferenceRepository, dir string, tables []string) error {
	fetched := make([][]ReferenceEntry, len(tables))
	for i, table := range tables {
		entries, err := repo.FetchTable(ctx, table)
		if err != nil {
			return fmt.Errorf("fetch reference table %s: %w", table, err)
		}
		fetched[i] = entries
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lookup dir: %w", err)
	}
	for i, table := range tables {
		if err := WriteSideFile(SideFilePath(dir, table), fetched[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSideFile writes entries as header-less "key;label" lines. The file is
// written next to path and renamed into place once synced.
func WriteSideFile(path string, entries []ReferenceEntry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create side file: %w", err)
	}
	defer os.Remove(tmp) // no-op after a successful rename

	w := csv.NewWriter(f)
	w.Comma = SideFileComma
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = false
	if len(entries) > 0 {
		if err := enc.Encode(entries); err != nil {
			f.Close()
			return fmt.Errorf("encode side file %s: %w", filepath.Base(path), err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write side file %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync side file %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close side file %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace side file %s: %w", filepath.Base(path), err)
	}
	return nil
}
