// Package eventtable turns flat event tables (one row per event, as CSV or
// XLSX) into the canonical event table, the way a process log export is
// prepared before import: columns are renamed, list cells split, duplicate
// rows dropped and rows ordered by time.
package eventtable

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/logflow/ekg/pkg/ocel"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Config maps table columns onto the event model.
type Config struct {
	IDColumn       string            `yaml:"id_column"`
	TypeColumn     string            `yaml:"type_column"`
	TimeColumn     string            `yaml:"time_column"`
	TimeLayout     string            `yaml:"time_layout"`
	Rename         map[string]string `yaml:"rename"`
	ListSeparator  string            `yaml:"list_separator"`
	DropDuplicates bool              `yaml:"drop_duplicates"`
	LogID          string            `yaml:"log_id"`
	Sheet          string            `yaml:"sheet"`
}

// DefaultConfig returns the column names of a typical export.
func DefaultConfig() Config {
	return Config{
		TypeColumn:     "Activity",
		TimeColumn:     "timestamp",
		ListSeparator:  ",",
		DropDuplicates: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TypeColumn == "" {
		c.TypeColumn = d.TypeColumn
	}
	if c.TimeColumn == "" {
		c.TimeColumn = d.TimeColumn
	}
	return c
}

// LogAttribute names the attribute holding Config.LogID.
const LogAttribute = "Log"

// Read loads a .csv or .xlsx file.
func Read(ctx context.Context, path string, cfg Config) (*ocel.EventTable, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ekgerrors.FileNotFound(path)
	}
	var (
		header  []string
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		header, records, err = readXLSX(path, cfg.Sheet)
	default:
		header, records, err = readCSV(path)
	}
	if err != nil {
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "cannot read event table").
			WithContext("path", path)
	}
	return Build(ctx, header, records, cfg)
}

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, nil, err
	}
	records, err := r.ReadAll()
	return header, records, err
}

func readXLSX(path, sheet string) ([]string, [][]string, error) {
	xl, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer xl.Close()

	if sheet == "" {
		sheet = xl.GetSheetName(0)
	}
	if sheet == "" {
		list := xl.GetSheetList()
		if len(list) == 0 {
			return nil, nil, fmt.Errorf("no sheets found in xlsx file")
		}
		sheet = list[0]
	}

	rows, err := xl.Rows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil, fmt.Errorf("xlsx sheet %q is empty", sheet)
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	var records [][]string
	for rows.Next() {
		rec, err := rows.Columns()
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return header, records, rows.Error()
}

// Build converts a header and records into an event table.
func Build(ctx context.Context, header []string, records [][]string, cfg Config) (*ocel.EventTable, error) {
	cfg = cfg.withDefaults()

	cols := make([]string, len(header))
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if to, ok := cfg.Rename[h]; ok {
			h = to
		}
		cols[i] = h
		index[h] = i
	}

	need := []string{cfg.TypeColumn, cfg.TimeColumn}
	if cfg.IDColumn != "" {
		need = append(need, cfg.IDColumn)
	}
	for _, c := range need {
		if _, ok := index[c]; !ok {
			return nil, ekgerrors.MalformedLogInput("required column not found").
				WithContext("column", c).
				WithContext("available", cols)
		}
	}

	mapped := map[string]bool{cfg.TypeColumn: true, cfg.TimeColumn: true, cfg.IDColumn: true}
	var attrCols []int
	for i, c := range cols {
		if mapped[c] || c == "" {
			continue
		}
		if ocel.IsReservedColumn(c) || (cfg.LogID != "" && c == LogAttribute) {
			return nil, ekgerrors.SchemaConflict("column", c)
		}
		attrCols = append(attrCols, i)
	}

	if cfg.DropDuplicates {
		records = dropDuplicates(records)
	}

	timeIdx := index[cfg.TimeColumn]
	samples := make([]string, 0, 256)
	for i := 0; i < len(records) && i < 256; i++ {
		samples = append(samples, cell(records[i], timeIdx))
	}
	tp := NewTimestampParser(cfg.TimeLayout, samples)

	table := &ocel.EventTable{Rows: make([]ocel.EventRow, 0, len(records))}
	for _, i := range attrCols {
		table.Columns = append(table.Columns, cols[i])
	}
	if cfg.LogID != "" {
		table.Columns = append(table.Columns, LogAttribute)
	}

	for n, rec := range records {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, ekgerrors.ContextCanceled("event table")
			}
		}
		ts, err := tp.Parse(cell(rec, timeIdx))
		if err != nil {
			return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "failed to parse timestamp").
				WithContext("value", cell(rec, timeIdx)).
				WithContext("row", n+2)
		}
		row := ocel.EventRow{
			Type:  cell(rec, index[cfg.TypeColumn]),
			Time:  ts,
			Attrs: make(map[string]any, len(attrCols)+1),
		}
		if cfg.IDColumn != "" {
			row.ID = cell(rec, index[cfg.IDColumn])
		}
		if row.Type == "" {
			return nil, ekgerrors.MalformedLogInput("event lacks type").WithContext("row", n+2)
		}
		for _, i := range attrCols {
			if v := splitCell(cell(rec, i), cfg.ListSeparator); v != nil {
				row.Attrs[cols[i]] = v
			}
		}
		if cfg.LogID != "" {
			row.Attrs[LogAttribute] = cfg.LogID
		}
		table.Rows = append(table.Rows, row)
	}

	sort.SliceStable(table.Rows, func(i, j int) bool {
		return table.Rows[i].Time.Before(table.Rows[j].Time)
	})
	for i := range table.Rows {
		table.Rows[i].Seq = int64(i)
		if table.Rows[i].ID == "" {
			table.Rows[i].ID = fmt.Sprintf("e%d", i)
		}
	}
	return table, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

// splitCell returns nil for empty cells, a []any for cells holding sep and
// the trimmed string otherwise.
func splitCell(s, sep string) any {
	if s == "" {
		return nil
	}
	if sep == "" || !strings.Contains(s, sep) {
		return s
	}
	var out []any
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func dropDuplicates(records [][]string) [][]string {
	seen := make(map[string]struct{}, len(records))
	out := records[:0:0]
	for _, r := range records {
		k := strings.Join(r, "\x1f")
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
