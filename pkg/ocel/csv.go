package ocel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Artifacts are the persisted table files of one log.
type Artifacts struct {
	Objects          string
	ObjectAttributes string
	Events           string
	Relations        string
}

// ArtifactPaths returns the file names the tables of log base are stored
// under in dir, using ext (".csv" or ".parquet").
func ArtifactPaths(dir, base, ext string) Artifacts {
	p := func(suffix string) string {
		return filepath.Join(dir, base+".ocel."+suffix+ext)
	}
	return Artifacts{
		Objects:          p("objects"),
		ObjectAttributes: p("objects.attributes"),
		Events:           p("events"),
		Relations:        p("relationships.events-objects"),
	}
}

// Exists reports whether all four files are present.
func (a Artifacts) Exists() bool {
	for _, p := range []string{a.Objects, a.ObjectAttributes, a.Events, a.Relations} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Header rows of the persisted tables.
var (
	ObjectsHeader          = []string{"id", "type"}
	ObjectAttributesHeader = []string{"id", "name", "value", "time"}
	RelationsHeader        = []string{"eventId", "objectId", "qualifier"}
)

// EventsHeader returns the events header: id, type, time, then attribute columns.
func EventsHeader(t EventTable) []string {
	return append([]string{ColumnID, ColumnType, ColumnTime}, t.Columns...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// WriteCSV persists the tables as four CSV files with header rows. Event
// attribute cells use graph.EncodeCell so lists survive the round trip;
// times are written as RFC 3339.
func WriteCSV(dir, base string, t *Tables) (Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, ekgerrors.Wrap(err, ekgerrors.CodeWriteFailed, "cannot create output directory")
	}
	a := ArtifactPaths(dir, base, ".csv")

	objects := make([][]string, len(t.Objects))
	for i, o := range t.Objects {
		objects[i] = []string{o.ID, o.Type}
	}
	attrs := make([][]string, len(t.ObjectAttributes))
	for i, oa := range t.ObjectAttributes {
		attrs[i] = []string{oa.ID, oa.Name, graph.Stringify(oa.Value), formatTime(oa.Time)}
	}
	events := make([][]string, len(t.Events.Rows))
	for i, e := range t.Events.Rows {
		rec := make([]string, 0, 3+len(t.Events.Columns))
		rec = append(rec, e.ID, e.Type, formatTime(e.Time))
		for _, c := range t.Events.Columns {
			v, ok := e.Attrs[c]
			if !ok {
				rec = append(rec, "")
				continue
			}
			cell, err := graph.EncodeCell(v)
			if err != nil {
				return Artifacts{}, ekgerrors.Wrap(err, ekgerrors.CodeWriteFailed, "cannot encode event attribute").
					WithContext("event", e.ID).
					WithContext("attribute", c)
			}
			rec = append(rec, cell)
		}
		events[i] = rec
	}
	relations := make([][]string, len(t.Relations))
	for i, r := range t.Relations {
		relations[i] = []string{r.EventID, r.ObjectID, r.Qualifier}
	}

	files := []struct {
		path   string
		header []string
		rows   [][]string
	}{
		{a.Objects, ObjectsHeader, objects},
		{a.ObjectAttributes, ObjectAttributesHeader, attrs},
		{a.Events, EventsHeader(t.Events), events},
		{a.Relations, RelationsHeader, relations},
	}
	for _, f := range files {
		if err := writeCSVFile(f.path, f.header, f.rows); err != nil {
			return Artifacts{}, ekgerrors.Wrap(err, ekgerrors.CodeWriteFailed, "failed to write table").
				WithContext("path", f.path)
		}
	}
	return a, nil
}

func writeCSVFile(path string, header []string, rows [][]string) error {
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
		return fmt.Errorf("write rows: %w", err)
	}
	return f.Close()
}
