package ocel

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

const sampleLog = `{
  "objectTypes": [{"name": "order", "attributes": [{"name": "price", "type": "float"}]}],
  "eventTypes": [{"name": "place order", "attributes": [{"name": "resource", "type": "string"}]}],
  "objects": [
    {"id": "o1", "type": "order", "attributes": [
      {"name": "price", "time": "1970-01-01T00:00:00Z", "value": 10},
      {"name": "price", "time": "2023-01-05T00:00:00Z", "value": 12.5}
    ], "relationships": [{"objectId": "i1", "qualifier": "contains"}]},
    {"id": "i1", "type": "item"}
  ],
  "events": [
    {"id": "e1", "type": "place order", "time": "2023-01-01T09:00:00Z",
     "attributes": [{"name": "resource", "value": "Ann"}, {"name": "resource", "value": "Bob"}],
     "relationships": [
       {"objectId": "o1", "qualifier": "order"},
       {"objectId": "o1", "qualifier": "order"},
       {"objectId": "i1", "qualifier": "item"}
     ]},
    {"id": "e2", "type": "pay order", "time": "2023-01-02T09:00:00.250+01:00",
     "attributes": [{"name": "amount", "value": 12.5}],
     "relationships": [{"objectId": "o1", "qualifier": "order"}]}
  ]
}`

func decodeSample(t *testing.T, doc string) (*Document, error) {
	t.Helper()
	return Decode(context.Background(), strings.NewReader(doc))
}

func TestDecode(t *testing.T) {
	doc, err := decodeSample(t, sampleLog)
	require.NoError(t, err)
	require.Len(t, doc.Objects, 2)
	require.Len(t, doc.Events, 2)
	assert.Equal(t, "order", doc.ObjectTypes[0].Name)
	assert.Len(t, doc.Objects[0].Attributes, 2)
	assert.Equal(t, "contains", doc.Objects[0].Relationships[0].Qualifier)

	want := time.Date(2023, 1, 2, 8, 0, 0, 250_000_000, time.UTC)
	assert.True(t, want.Equal(doc.Events[1].Time))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing events key", `{"objectTypes":[],"eventTypes":[],"objects":[]}`},
		{"object without type", `{"objectTypes":[],"eventTypes":[],"objects":[{"id":"o1"}],"events":[]}`},
		{"event without id", `{"objectTypes":[],"eventTypes":[],"objects":[],"events":[{"type":"x","time":"2023-01-01T00:00:00Z"}]}`},
		{"bad time", `{"objectTypes":[],"eventTypes":[],"objects":[],"events":[{"id":"e","type":"x","time":"tomorrow"}]}`},
		{"not an object", `[1,2]`},
		{"truncated", `{"objectTypes":[`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSample(t, tt.doc)
			require.Error(t, err)
			assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeMalformedLogInput), err.Error())
		})
	}
}

func TestDecodeEmptyLists(t *testing.T) {
	doc, err := decodeSample(t, `{"objectTypes":[],"eventTypes":[],"objects":[],"events":[]}`)
	require.NoError(t, err)
	tables, err := Normalize(doc)
	require.NoError(t, err)
	assert.Empty(t, tables.Objects)
	assert.Empty(t, tables.ObjectAttributes)
	assert.Empty(t, tables.Events.Rows)
	assert.Empty(t, tables.Relations)
}

func TestNormalize(t *testing.T) {
	doc, err := decodeSample(t, sampleLog)
	require.NoError(t, err)
	tables, err := Normalize(doc)
	require.NoError(t, err)

	assert.Equal(t, []ObjectRow{{"o1", "order"}, {"i1", "item"}}, tables.Objects)

	require.Len(t, tables.ObjectAttributes, 2)
	assert.Equal(t, int64(10), tables.ObjectAttributes[0].Value)
	assert.Equal(t, 12.5, tables.ObjectAttributes[1].Value)

	require.Len(t, tables.Events.Rows, 2)
	assert.Equal(t, []string{"resource", "amount"}, tables.Events.Columns)
	e1 := tables.Events.Rows[0]
	assert.Equal(t, "Bob", e1.Attrs["resource"], "last write wins")
	assert.Equal(t, int64(0), e1.Seq)
	assert.Equal(t, int64(1), tables.Events.Rows[1].Seq)

	assert.Equal(t, []RelationRow{
		{EventID: "e1", ObjectID: "o1", Qualifier: "order"},
		{EventID: "e1", ObjectID: "i1", Qualifier: "item"},
		{EventID: "e2", ObjectID: "o1", Qualifier: "order"},
	}, tables.Relations)
}

func TestNormalizeSchemaConflict(t *testing.T) {
	for _, reserved := range []string{"id", "type", "time"} {
		doc := &Document{Events: []RawEvent{{
			ID: "e1", Type: "x",
			Attributes: []EventAttributeRecord{{Name: reserved, Value: "v"}},
		}}}
		_, _, err := NormalizeEvents(doc)
		require.Error(t, err)
		assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeSchemaConflict), reserved)

		tables, err := Normalize(doc)
		assert.Nil(t, tables)
		assert.Error(t, err)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	require.NoError(t, err)
	return recs
}

func TestWriteCSV(t *testing.T) {
	doc, err := decodeSample(t, sampleLog)
	require.NoError(t, err)
	tables, err := Normalize(doc)
	require.NoError(t, err)

	dir := t.TempDir()
	a, err := WriteCSV(dir, "orders", tables)
	require.NoError(t, err)
	assert.True(t, a.Exists())
	assert.Equal(t, filepath.Join(dir, "orders.ocel.relationships.events-objects.csv"), a.Relations)

	objects := readCSV(t, a.Objects)
	assert.Equal(t, [][]string{{"id", "type"}, {"o1", "order"}, {"i1", "item"}}, objects)

	attrs := readCSV(t, a.ObjectAttributes)
	assert.Equal(t, []string{"id", "name", "value", "time"}, attrs[0])
	assert.Equal(t, []string{"o1", "price", "10", "1970-01-01T00:00:00Z"}, attrs[1])

	events := readCSV(t, a.Events)
	assert.Equal(t, []string{"id", "type", "time", "resource", "amount"}, events[0])
	assert.Equal(t, []string{"e1", "place order", "2023-01-01T09:00:00Z", "Bob", ""}, events[1])
	assert.Equal(t, "2023-01-02T08:00:00.25Z", events[2][2])

	relations := readCSV(t, a.Relations)
	assert.Equal(t, []string{"eventId", "objectId", "qualifier"}, relations[0])
	assert.Len(t, relations, 4)
}

func TestWriteCSVEncodesListCells(t *testing.T) {
	tables := &Tables{Events: EventTable{
		Columns: []string{"customer", "items"},
		Rows: []EventRow{{
			ID:    "e1",
			Type:  "place order",
			Attrs: map[string]any{"customer": "Smith, John", "items": []any{"i1", "i2"}},
		}},
	}}
	a, err := WriteCSV(t.TempDir(), "orders", tables)
	require.NoError(t, err)

	events := readCSV(t, a.Events)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"e1", "place order", "", "Smith, John", `["i1","i2"]`}, events[1])
}

func TestWriteParquet(t *testing.T) {
	doc, err := decodeSample(t, sampleLog)
	require.NoError(t, err)
	tables, err := Normalize(doc)
	require.NoError(t, err)

	a, err := WriteParquet(t.TempDir(), "orders", tables, DefaultParquetConfig())
	require.NoError(t, err)
	for _, p := range []string{a.Objects, a.ObjectAttributes, a.Events, a.Relations} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestReadDocumentZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonocel.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("log.jsonocel")
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleLog))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	doc, err := ReadDocument(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, doc.Events, 2)

	_, err = ReadDocument(context.Background(), filepath.Join(dir, "absent.json"))
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeFileNotFound))
}
