// Package analysis holds the bundled analysis: it reads the two declared CSV
// inputs, writes a combined CSV plus a JSON summary, and reports progress.
// Replace Run to plug different logic into the service.
package analysis

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kiranshivaraju/analysisworker/internal/executor"
)

// ErrEmptyInput is returned when an input CSV has no header row.
var ErrEmptyInput = errors.New("input file is empty")

type table struct {
	name   string
	header []string
	rows   [][]string
}

// Summary is the result payload of Run. It is also written to results.json.
type Summary struct {
	AnalysisType  string            `json:"analysis_type"`
	Parameters    map[string]string `json:"parameters"`
	Files         []FileStats       `json:"files"`
	TotalRows     int               `json:"total_rows"`
	SharedColumns []string          `json:"shared_columns"`
	Insights      []string          `json:"insights"`
}

// FileStats describes one input table.
type FileStats struct {
	Key     string   `json:"key"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// Run implements executor.AnalysisFunc.
func Run(ctx context.Context, req executor.Request, progress executor.ProgressFunc) (map[string]any, error) {
	progress(0.1, "Loading CSV files...")

	var tables []table
	for _, key := range []string{"file1", "file2"} {
		t, err := readCSV(key, req.Inputs[key])
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(0.3, "Processing data...")

	if path, ok := req.Processing["temp_data"]; ok {
		if err := writeCSV(path, tables[0].header, tables[0].rows); err != nil {
			return nil, fmt.Errorf("writing intermediate data: %w", err)
		}
	}

	header, rows := combine(tables)
	summary := summarize(tables, req.Params)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(0.7, "Saving outputs...")

	if err := writeCSV(req.Outputs["data"], header, rows); err != nil {
		return nil, fmt.Errorf("writing data output: %w", err)
	}
	if err := writeJSON(req.Outputs["results"], summary); err != nil {
		return nil, fmt.Errorf("writing results output: %w", err)
	}
	if len(summary.Insights) > 0 {
		text := "Analysis insights:\n\n- " + strings.Join(summary.Insights, "\n- ") + "\n"
		if err := os.WriteFile(req.Outputs["insights"], []byte(text), 0o644); err != nil {
			return nil, fmt.Errorf("writing insights output: %w", err)
		}
	}

	progress(1.0, "Analysis completed!")

	return summary.asMap(), nil
}

func readCSV(key, path string) (table, error) {
	f, err := os.Open(path)
	if err != nil {
		return table{}, fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return table{}, fmt.Errorf("%w: %s", ErrEmptyInput, key)
	}
	if err != nil {
		return table{}, fmt.Errorf("parsing %s header: %w", key, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return table{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return table{name: key, header: header, rows: rows}, nil
}

// combine stacks every table under the union of their columns, prefixed with
// a source column naming the originating input.
func combine(tables []table) ([]string, [][]string) {
	var columns []string
	index := make(map[string]int)
	for _, t := range tables {
		for _, c := range t.header {
			if _, ok := index[c]; !ok {
				index[c] = len(columns)
				columns = append(columns, c)
			}
		}
	}

	var rows [][]string
	for _, t := range tables {
		for _, row := range t.rows {
			out := make([]string, len(columns)+1)
			out[0] = t.name
			for i, v := range row {
				if i < len(t.header) {
					out[index[t.header[i]]+1] = v
				}
			}
			rows = append(rows, out)
		}
	}
	return append([]string{"source"}, columns...), rows
}

func summarize(tables []table, params map[string]string) Summary {
	s := Summary{
		AnalysisType:  params["analysis_type"],
		Parameters:    params,
		SharedColumns: []string{},
		Insights:      []string{},
	}

	inFirst := make(map[string]bool)
	for _, c := range tables[0].header {
		inFirst[c] = true
	}
	for _, c := range tables[1].header {
		if inFirst[c] {
			s.SharedColumns = append(s.SharedColumns, c)
		}
	}

	for _, t := range tables {
		s.Files = append(s.Files, FileStats{Key: t.name, Rows: len(t.rows), Columns: t.header})
		s.TotalRows += len(t.rows)
		if len(t.rows) == 0 {
			s.Insights = append(s.Insights, fmt.Sprintf("%s has no data rows", t.name))
		}
	}

	if a, b := len(tables[0].rows), len(tables[1].rows); a != b {
		s.Insights = append(s.Insights, fmt.Sprintf("row counts differ: file1 has %d, file2 has %d", a, b))
	}
	if len(s.SharedColumns) == 0 {
		s.Insights = append(s.Insights, "inputs share no columns")
	}
	return s
}

func (s Summary) asMap() map[string]any {
	files := make([]map[string]any, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, map[string]any{"key": f.Key, "rows": f.Rows, "columns": f.Columns})
	}
	return map[string]any{
		"analysis_type":  s.AnalysisType,
		"parameters":     s.Parameters,
		"files":          files,
		"total_rows":     s.TotalRows,
		"shared_columns": s.SharedColumns,
		"insights":       s.Insights,
	}
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
