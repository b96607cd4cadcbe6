package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"impactos/internal/etl"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads delimited exports of the survey spreadsheet.

type csvFileSource struct{}

func init() { etl.RegisterSource(&csvFileSource{}) }

func (s *csvFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:       "csv",
		Label:      "CSV File",
		Extensions: []string{".csv"},
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Required: true, Help: "Path to the CSV file"},
			{Key: "delimiter", Label: "Delimiter", Default: ",", Help: "Column delimiter (default: comma)"},
			{Key: "hasHeader", Label: "Has Header", Default: "true", Help: "Whether the first row contains column names"},
		},
	}
}

func (s *csvFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	headers, _, err := readCSVFile(cfg)
	if err != nil {
		return nil, err
	}
	return textSchema(headers), nil
}

func (s *csvFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		headers, rows, err := readCSVFile(cfg)
		if err != nil {
			errCh <- err
			return
		}
		emitRows(ctx, out, headers, rows)
	}()

	return out, errCh
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readCSVFile(cfg etl.SourceConfig) ([]string, [][]string, error) {
	filePath, _ := cfg["filePath"].(string)
	if filePath == "" {
		return nil, nil, fmt.Errorf("filePath is required")
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	// Spreadsheet tools prefix UTF-8 exports with a BOM.
	br := bufio.NewReader(f)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, nil, err
		}
	}
	reader := csv.NewReader(br)

	if delim, ok := cfg["delimiter"].(string); ok && delim != "" {
		reader.Comma = []rune(delim)[0]
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty csv file")
	}

	hasHeader := true
	if h, ok := cfg["hasHeader"].(string); ok {
		hasHeader = strings.ToLower(h) != "false"
	}

	if !hasHeader {
		headers := make([]string, len(records[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("col_%d", i+1)
		}
		return headers, records, nil
	}
	return headerNames(records[0]), records[1:], nil
}
