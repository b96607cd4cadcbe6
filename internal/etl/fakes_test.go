package etl_test

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"impactos/internal/domain"
	"impactos/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// Shared fakes for the etl tests
//   - fakeRepo: in-memory ReferenceRepository
//   - tsvSource: tab-separated input files, first line is the header
//   - recordingDest: Destination that keeps what it was given
// ─────────────────────────────────────────────────────────────

type fakeRepo struct {
	tables         map[string][]etl.ReferenceEntry
	municipalities []etl.Municipality
	err            error
	fetched        []string
}

func (r *fakeRepo) FetchTable(_ context.Context, table string) ([]etl.ReferenceEntry, error) {
	r.fetched = append(r.fetched, table)
	if r.err != nil {
		return nil, r.err
	}
	return r.tables[table], nil
}

func (r *fakeRepo) FetchMunicipalities(context.Context) ([]etl.Municipality, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.municipalities, nil
}

// surveyRepo returns reference data covering every category table.
func surveyRepo() *fakeRepo {
	return &fakeRepo{
		tables: map[string][]etl.ReferenceEntry{
			"dt_chuva":           {{Key: 1, Label: "Sim"}, {Key: 2, Label: "Não"}},
			"de_chuva":           {{Key: 1, Label: "Regular"}, {Key: 2, Label: "Irregular"}},
			"qnt_chuva":          {{Key: 1, Label: "Abaixo da média"}, {Key: 2, Label: "Acima da média"}},
			"percepcao_seca":     {{Key: 1, Label: "Seca fraca"}, {Key: 2, Label: "Seca severa"}},
			"acesso_agua":        {{Key: 1, Label: "Normal"}, {Key: 2, Label: "Restrito"}},
			"sit_cultura":        {{Key: 1, Label: "Boa"}, {Key: 2, Label: "Perda parcial"}},
			"tipo_cultura":       {{Key: 10, Label: "Milho"}, {Key: 11, Label: "Feijão"}, {Key: 12, Label: "Mandioca"}},
			"problema_restricao": {{Key: 20, Label: "Falta de água"}, {Key: 21, Label: "Pragas"}},
		},
		municipalities: []etl.Municipality{
			{State: "SP", Name: "Campinas", Code: 3509502},
			{State: "CE", Name: "Quixadá", Code: 2311306},
		},
	}
}

// loadCache refreshes side files from repo into a temp dir and loads them.
func loadCache(t *testing.T, repo *fakeRepo) *etl.LookupCache {
	t.Helper()
	dir := t.TempDir()
	tables := domain.ReferenceTables(domain.Fields)
	require.NoError(t, etl.RefreshSideFiles(context.Background(), repo, dir, tables))
	cache, err := etl.LoadLookupCache(dir, tables)
	require.NoError(t, err)
	return cache
}

type tsvSource struct{}

func (tsvSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:         "tsv",
		Label:        "TSV",
		Extensions:   []string{".tsv"},
		ConfigFields: []etl.ConfigField{{Key: "filePath", Label: "File Path", Required: true}},
	}
}

func (s tsvSource) Discover(_ context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	header, _, err := readTSV(cfg["filePath"].(string))
	if err != nil {
		return nil, err
	}
	schema := &etl.Schema{}
	for _, h := range header {
		schema.Fields = append(schema.Fields, etl.Field{Name: h, Type: "text"})
	}
	return schema, nil
}

func (s tsvSource) Read(_ context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		header, rows, err := readTSV(cfg["filePath"].(string))
		if err != nil {
			errCh <- err
			return
		}
		for _, row := range rows {
			data := make(map[string]any, len(header))
			for i, h := range header {
				if i < len(row) && row[i] != "" {
					data[h] = row[i]
				} else {
					data[h] = nil
				}
			}
			out <- etl.Record{Data: data}
		}
	}()
	return out, errCh
}

func readTSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var lines [][]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.Split(sc.Text(), "\t"))
	}
	if len(lines) == 0 {
		return nil, nil, errors.New("empty file")
	}
	return lines[0], lines[1:], sc.Err()
}

// surveyHeader is the survey header row in sheet order.
func surveyHeader() string {
	headers := make([]string, len(domain.Fields))
	for i, f := range domain.Fields {
		headers[i] = f.Header
	}
	return strings.Join(headers, "\t")
}

func writeTSV(t *testing.T, dir, name string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := surveyHeader() + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type recordingDest struct {
	schema  *etl.Schema
	records []etl.Record
	err     error
}

func (d *recordingDest) Write(_ context.Context, schema *etl.Schema, records []etl.Record) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.schema = schema
	d.records = records
	return len(records), nil
}
