package sources_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"impactos/internal/etl"
	_ "impactos/internal/etl/sources"
)

func collect(t *testing.T, src etl.Source, cfg etl.SourceConfig) []etl.Record {
	t.Helper()
	recCh, errCh := src.Read(context.Background(), cfg)
	var out []etl.Record
	for r := range recCh {
		out = append(out, r)
	}
	require.NoError(t, <-errCh)
	return out
}

func writeWorkbook(t *testing.T, path, sheet string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		_, err := f.NewSheet(sheet)
		require.NoError(t, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

func TestRegistry(t *testing.T) {
	specs := etl.ListSources()
	require.Len(t, specs, 2)
	assert.Equal(t, "csv", specs[0].Type)
	assert.Equal(t, "xlsx", specs[1].Type)

	_, err := etl.GetSource("ods")
	assert.ErrorContains(t, err, "registered: csv, xlsx")
}

func TestXLSXSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.xlsx")
	writeWorkbook(t, path, "Sheet1", [][]any{
		{"Estado", "Município", "", "Tipo de Cultura", "Estado"},
		{"SP", " Campinas ", "x", "Milho, Feijão"},
		{nil, nil, nil, nil},
		{"CE", "Quixadá", nil, nil, "dup"},
	})
	src, err := etl.GetSource("xlsx")
	require.NoError(t, err)
	cfg := etl.SourceConfig{"filePath": path}

	schema, err := src.Discover(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Estado", "Município", "Unnamed: 2", "Tipo de Cultura", "Estado.1"}, schema.FieldNames())

	records := collect(t, src, cfg)
	require.Len(t, records, 2, "empty rows are skipped")
	assert.Equal(t, "Campinas", records[0].Data["Município"])
	assert.Equal(t, "Milho, Feijão", records[0].Data["Tipo de Cultura"])
	assert.Nil(t, records[0].Data["Estado.1"])
	assert.Nil(t, records[1].Data["Tipo de Cultura"])
	assert.Equal(t, "dup", records[1].Data["Estado.1"])
}

func TestXLSXSource_SuffixedHeadersStayUnique(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.xlsx")
	writeWorkbook(t, path, "Sheet1", [][]any{
		{"A", "A", "A.1", "A"},
		{"1", "2", "3", "4"},
	})
	src, err := etl.GetSource("xlsx")
	require.NoError(t, err)
	cfg := etl.SourceConfig{"filePath": path}

	schema, err := src.Discover(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A.1", "A.1.1", "A.2"}, schema.FieldNames())

	records := collect(t, src, cfg)
	require.Len(t, records, 1)
	assert.Equal(t, map[string]any{"A": "1", "A.1": "2", "A.1.1": "3", "A.2": "4"}, records[0].Data)
}

func TestXLSXSource_NamedSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.xlsx")
	writeWorkbook(t, path, "Respostas", [][]any{{"Estado"}, {"BA"}})
	src, err := etl.GetSource("xlsx")
	require.NoError(t, err)

	records := collect(t, src, etl.SourceConfig{"filePath": path, "sheet": "Respostas"})
	require.Len(t, records, 1)
	assert.Equal(t, "BA", records[0].Data["Estado"])
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.csv")
	content := "\xEF\xBB\xBFEstado;Município;Tipo de Cultura\nSP;Campinas;\"Milho, Feijão\"\nCE;;Mandioca\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	src, err := etl.GetSource("csv")
	require.NoError(t, err)
	cfg := etl.SourceConfig{"filePath": path, "delimiter": ";"}

	schema, err := src.Discover(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "Estado", schema.FieldNames()[0], "BOM is stripped")

	records := collect(t, src, cfg)
	require.Len(t, records, 2)
	assert.Equal(t, "Milho, Feijão", records[0].Data["Tipo de Cultura"])
	assert.Nil(t, records[1].Data["Município"])
}

func TestCSVSource_Errors(t *testing.T) {
	src, err := etl.GetSource("csv")
	require.NoError(t, err)

	_, err = src.Discover(context.Background(), etl.SourceConfig{})
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = src.Discover(context.Background(), etl.SourceConfig{"filePath": empty})
	assert.Error(t, err)
}

func TestIngestor_ReadsXLSXDirectory(t *testing.T) {
	dir := t.TempDir()
	header := []any{"Estado", "Município"}
	writeWorkbook(t, filepath.Join(dir, "b.xlsx"), "Sheet1", [][]any{header, {"SP", "Campinas"}})
	writeWorkbook(t, filepath.Join(dir, "a.xlsx"), "Sheet1", [][]any{header, {"SP", "Campinas"}, {"CE", "Quixadá"}})
	require.NoError(t, os.Rename(filepath.Join(dir, "a.xlsx"), filepath.Join(dir, "a.XLSX")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "~$a.xlsx"), []byte("lock"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	src, err := etl.GetSource("xlsx")
	require.NoError(t, err)
	in := &etl.Ingestor{Dir: dir, Source: src}

	files, err := in.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.XLSX"), filepath.Join(dir, "b.xlsx")}, files)

	batch, stats, err := in.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 3, stats.RowsRead)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, files, batch.Files)
}

func TestIngestor_BrokenFileIsFormatError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.xlsx"), []byte("not a zip"), 0o644))
	src, err := etl.GetSource("xlsx")
	require.NoError(t, err)

	_, _, err = (&etl.Ingestor{Dir: dir, Source: src}).Ingest(context.Background())
	assert.ErrorIs(t, err, etl.ErrFormat)
}
