package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"impactos/internal/etl"
)

// ── XLSX Source ─────────────────────────────────────────────
// Reads the survey spreadsheets exported by the collection forms.

type xlsxSource struct{}

func init() { etl.RegisterSource(&xlsxSource{}) }

func (s *xlsxSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:       "xlsx",
		Label:      "Excel Workbook",
		Extensions: []string{".xlsx"},
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Required: true, Help: "Path to the workbook"},
			{Key: "sheet", Label: "Sheet", Help: "Sheet to read (default: first sheet)"},
		},
	}
}

func (s *xlsxSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	headers, _, err := readWorkbook(cfg)
	if err != nil {
		return nil, err
	}
	return textSchema(headers), nil
}

func (s *xlsxSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		headers, rows, err := readWorkbook(cfg)
		if err != nil {
			errCh <- err
			return
		}
		emitRows(ctx, out, headers, rows)
	}()

	return out, errCh
}

func readWorkbook(cfg etl.SourceConfig) ([]string, [][]string, error) {
	filePath, _ := cfg["filePath"].(string)
	if filePath == "" {
		return nil, nil, fmt.Errorf("filePath is required")
	}

	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet, _ := cfg["sheet"].(string)
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, nil, fmt.Errorf("no sheets found in workbook")
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("sheet %q is empty", sheet)
	}
	return headerNames(rows[0]), rows[1:], nil
}

// headerNames names blank header cells "Unnamed: <index>" and suffixes
// repeated headers with ".1", ".2", ... skipping any name already in use.
func headerNames(row []string) []string {
	headers := make([]string, len(row))
	taken := make(map[string]bool, len(row))
	next := make(map[string]int, len(row))
	for i, h := range row {
		if strings.TrimSpace(h) == "" {
			h = fmt.Sprintf("Unnamed: %d", i)
		}
		name := h
		for taken[name] {
			next[h]++
			name = fmt.Sprintf("%s.%d", h, next[h])
		}
		taken[name] = true
		headers[i] = name
	}
	return headers
}

func textSchema(headers []string) *etl.Schema {
	schema := &etl.Schema{Fields: make([]etl.Field, len(headers))}
	for i, h := range headers {
		schema.Fields[i] = etl.Field{Name: h, Type: "text"}
	}
	return schema
}

// emitRows sends one record per non-empty row. Cells are trimmed text; empty
// and missing cells are null.
func emitRows(ctx context.Context, out chan<- etl.Record, headers []string, rows [][]string) {
	for _, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		data := make(map[string]any, len(headers))
		for j, h := range headers {
			var v any
			if j < len(row) {
				if cell := strings.TrimSpace(row[j]); cell != "" {
					v = cell
				}
			}
			data[h] = v
		}
		select {
		case out <- etl.Record{Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
