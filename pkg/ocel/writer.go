package ocel

import (
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// ParquetConfig holds Parquet writer settings.
type ParquetConfig struct {
	Compression string
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{Compression: "zstd"}
}

func codec(name string) compress.Compression {
	switch name {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Zstd
	}
}

// tableWriter accumulates one table in column builders. Every column is a
// nullable string except "time", which is a nanosecond timestamp.
type tableWriter struct {
	schema   *arrow.Schema
	builders []array.Builder
	rows     int
}

func newTableWriter(alloc memory.Allocator, columns []string) *tableWriter {
	fields := make([]arrow.Field, len(columns))
	builders := make([]array.Builder, len(columns))
	for i, c := range columns {
		if c == ColumnTime {
			fields[i] = arrow.Field{Name: c, Type: arrow.FixedWidthTypes.Timestamp_ns, Nullable: true}
			builders[i] = array.NewTimestampBuilder(alloc, arrow.FixedWidthTypes.Timestamp_ns.(*arrow.TimestampType))
			continue
		}
		fields[i] = arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true}
		builders[i] = array.NewStringBuilder(alloc)
	}
	return &tableWriter{schema: arrow.NewSchema(fields, nil), builders: builders}
}

// append adds one row. values[i] is nil for a missing cell.
func (t *tableWriter) append(values []any) {
	for i, v := range values {
		switch b := t.builders[i].(type) {
		case *array.TimestampBuilder:
			ts, ok := graph.AsTime(v)
			if !ok || ts.IsZero() {
				b.AppendNull()
				continue
			}
			b.Append(arrow.Timestamp(ts.UnixNano()))
		case *array.StringBuilder:
			if v == nil {
				b.AppendNull()
				continue
			}
			b.Append(graph.Stringify(v))
		}
	}
	t.rows++
}

func (t *tableWriter) write(path string, cfg ParquetConfig) error {
	cols := make([]arrow.Array, len(t.builders))
	for i, b := range t.builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
		defer b.Release()
	}
	rec := array.NewRecord(t.schema, cols, int64(t.rows))
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec(cfg.Compression)),
		parquet.WithDictionaryDefault(true),
		parquet.WithDataPageSize(1024*1024),
	)
	w, err := pqarrow.NewFileWriter(t.schema, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	// Closing the file writer closes f.
	return w.Close()
}

// WriteParquet persists the tables as four Parquet files.
func WriteParquet(dir, base string, t *Tables, cfg ParquetConfig) (Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, ekgerrors.Wrap(err, ekgerrors.CodeWriteFailed, "cannot create output directory")
	}
	a := ArtifactPaths(dir, base, ".parquet")
	alloc := memory.NewGoAllocator()

	objects := newTableWriter(alloc, ObjectsHeader)
	for _, o := range t.Objects {
		objects.append([]any{o.ID, o.Type})
	}

	attrs := newTableWriter(alloc, ObjectAttributesHeader)
	for _, oa := range t.ObjectAttributes {
		attrs.append([]any{oa.ID, oa.Name, oa.Value, oa.Time})
	}

	events := newTableWriter(alloc, EventsHeader(t.Events))
	for _, e := range t.Events.Rows {
		vals := make([]any, 0, 3+len(t.Events.Columns))
		vals = append(vals, e.ID, e.Type, e.Time)
		for _, c := range t.Events.Columns {
			vals = append(vals, e.Attrs[c])
		}
		events.append(vals)
	}

	relations := newTableWriter(alloc, RelationsHeader)
	for _, r := range t.Relations {
		relations.append([]any{r.EventID, r.ObjectID, r.Qualifier})
	}

	for _, tw := range []struct {
		path string
		w    *tableWriter
	}{
		{a.Objects, objects},
		{a.ObjectAttributes, attrs},
		{a.Events, events},
		{a.Relations, relations},
	} {
		if err := tw.w.write(tw.path, cfg); err != nil {
			return Artifacts{}, ekgerrors.Wrap(err, ekgerrors.CodeWriteFailed, "failed to write table").
				WithContext("path", tw.path)
		}
	}
	return a, nil
}
