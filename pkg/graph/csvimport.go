package graph

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultBatchSize is the number of rows committed per write.
const DefaultBatchSize = 1000

// CSVRelationship describes an edge import: each row becomes an edge from
// the FromLabel node whose FromKey equals FromColumn to the ToLabel node
// whose ToKey equals ToColumn. Remaining columns become edge properties.
type CSVRelationship struct {
	Type          string
	FromLabel     string
	FromKey       string
	FromColumn    string
	ToLabel       string
	ToKey         string
	ToColumn      string
	IdentityProps []string
}

// CSVImport describes a bulk import from a CSV file with a header row.
type CSVImport struct {
	Path string
	// Label of the nodes to create. Ignored when Relationship is set.
	Label        string
	Relationship *CSVRelationship
	// ListCells decodes cells written by EncodeCell, so JSON arrays become
	// lists. Other cells are taken verbatim.
	ListCells bool
	// SeqProperty, if set, stores the zero-based data row index.
	SeqProperty string
	BatchSize   int
	OnBatch     func(rows int)
}

func (c CSVImport) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// ImportCSV loads a CSV file through s. Stores implementing BulkImporter
// use their native path; everything else is read here and written in
// batches. Returns the number of nodes or edges created.
func ImportCSV(ctx context.Context, s Store, spec CSVImport) (int, error) {
	if bi, ok := s.(BulkImporter); ok {
		return bi.ImportCSV(ctx, spec)
	}
	return ReadCSVBatches(ctx, spec, func(rows []Properties) (int, error) {
		if rel := spec.Relationship; rel != nil {
			batch := EdgeBatch{
				Type:          rel.Type,
				FromLabel:     rel.FromLabel,
				FromKey:       rel.FromKey,
				ToLabel:       rel.ToLabel,
				ToKey:         rel.ToKey,
				IdentityProps: rel.IdentityProps,
				Rows:          make([]EdgeRow, 0, len(rows)),
			}
			for _, r := range rows {
				from, to := r[rel.FromColumn], r[rel.ToColumn]
				props := r.Clone()
				delete(props, rel.FromColumn)
				delete(props, rel.ToColumn)
				batch.Rows = append(batch.Rows, EdgeRow{From: from, To: to, Props: props})
			}
			return s.MergeEdges(ctx, batch)
		}
		return s.CreateNodes(ctx, spec.Label, rows)
	})
}

// ReadCSVBatches decodes spec.Path into property rows and hands them to fn
// in batches. Empty cells are omitted, temporal columns are parsed as
// RFC 3339 times.
func ReadCSVBatches(ctx context.Context, spec CSVImport, fn func([]Properties) (int, error)) (int, error) {
	f, err := os.Open(spec.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read header of %s: %w", spec.Path, err)
	}

	var (
		total int
		seq   int64
		batch = make([]Properties, 0, spec.batchSize())
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := fn(batch)
		if err != nil {
			return err
		}
		total += n
		if spec.OnBatch != nil {
			spec.OnBatch(len(batch))
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read %s line %d: %w", spec.Path, seq+2, err)
		}
		props := make(Properties, len(header)+1)
		for i, name := range header {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			v, err := csvValue(name, rec[i], spec)
			if err != nil {
				return total, fmt.Errorf("%s line %d column %s: %w", spec.Path, seq+2, name, err)
			}
			props[name] = v
		}
		if spec.SeqProperty != "" {
			props[spec.SeqProperty] = seq
		}
		seq++
		batch = append(batch, props)
		if len(batch) >= spec.batchSize() {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

func csvValue(column, cell string, spec CSVImport) (any, error) {
	if IsTemporal(column) {
		t, err := time.Parse(time.RFC3339Nano, cell)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	if spec.ListCells {
		return DecodeCell(cell)
	}
	return cell, nil
}

// EncodeCell renders a property value as one CSV cell. Lists become JSON
// arrays of their stringified items. A scalar whose text starts with '['
// or '"' is written as a JSON string so it cannot be read back as a list.
// Everything else is written as Stringify returns it.
func EncodeCell(v any) (string, error) {
	if items, ok := NormalizeValue(v).([]any); ok {
		strs := make([]string, len(items))
		for i, item := range items {
			strs[i] = Stringify(item)
		}
		b, err := json.Marshal(strs)
		return string(b), err
	}
	s := Stringify(v)
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, `"`) {
		b, err := json.Marshal(s)
		return string(b), err
	}
	return s, nil
}

// DecodeCell reverses EncodeCell. List items come back as strings.
func DecodeCell(cell string) (any, error) {
	switch {
	case strings.HasPrefix(cell, "["):
		var strs []string
		if err := json.Unmarshal([]byte(cell), &strs); err != nil {
			return nil, fmt.Errorf("decode list cell: %w", err)
		}
		out := make([]any, len(strs))
		for i, s := range strs {
			out[i] = s
		}
		return out, nil
	case strings.HasPrefix(cell, `"`):
		var s string
		if err := json.Unmarshal([]byte(cell), &s); err != nil {
			return nil, fmt.Errorf("decode string cell: %w", err)
		}
		return s, nil
	}
	return cell, nil
}
