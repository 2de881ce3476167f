// Package graphtest holds a behavioural test suite shared by every
// graph.Store implementation.
package graphtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/ekg/pkg/graph"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) graph.Store

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s graph.Store)
	}{
		{"CreateAndScan", testCreateAndScan},
		{"UpsertIsIdempotent", testUpsert},
		{"FindNodesByStringifiedKey", testFindNodes},
		{"MergeEdgesDeduplicates", testMergeEdges},
		{"MergeEdgesSkipsUnresolved", testMergeUnresolved},
		{"Link", testLink},
		{"SetProperties", testSetProperties},
		{"DeleteNodesDetaches", testDeleteNodes},
		{"DeleteEdges", testDeleteEdges},
		{"PropertyTypesRoundTrip", testPropertyTypes},
		{"ImportCSV", testImportCSV},
		{"RejectsBadIdentifiers", testIdentifiers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func collectNodes(t *testing.T, s graph.Store, label string) []graph.Node {
	t.Helper()
	var out []graph.Node
	require.NoError(t, s.ScanNodes(context.Background(), label, func(n graph.Node) error {
		out = append(out, n)
		return nil
	}))
	return out
}

func collectEdges(t *testing.T, s graph.Store, relType string) []graph.Edge {
	t.Helper()
	var out []graph.Edge
	require.NoError(t, s.ScanEdges(context.Background(), relType, func(e graph.Edge) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func testCreateAndScan(t *testing.T, s graph.Store) {
	ctx := context.Background()
	n, err := s.CreateNodes(ctx, "Event", []graph.Properties{
		{"id": "e1", "type": "create"},
		{"id": "e2", "type": "ship"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.CreateNodes(ctx, "Entity", []graph.Properties{{"id": "o1"}})
	require.NoError(t, err)

	events := collectNodes(t, s, "Event")
	require.Len(t, events, 2)
	assert.Equal(t, "Event", events[0].Label)

	count, err := s.CountNodes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	keys, err := s.PropertyKeys(ctx, "Event")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "type"}, keys)
}

func testUpsert(t *testing.T, s graph.Store) {
	ctx := context.Background()
	rows := []graph.Properties{
		{"EntityType": "Order", "ID": "1", "uID": "Order1"},
		{"EntityType": "Order", "ID": "2", "uID": "Order2"},
		{"EntityType": "Order", "ID": "1", "uID": "Order1"},
	}
	n, err := s.UpsertNodes(ctx, "Entity", "uID", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertNodes(ctx, "Entity", "uID", rows)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := s.CountNodes(ctx, "Entity")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func testFindNodes(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Entity", []graph.Properties{
		{"id": "o1"},
		{"id": int64(7)},
	})
	require.NoError(t, err)

	found, err := s.FindNodes(ctx, "Entity", "id", []string{"o1", "7", "missing"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "o1", found["o1"].Props["id"])
	assert.NotEmpty(t, found["7"].ID)
}

func testMergeEdges(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Event", []graph.Properties{{"id": "e1"}, {"id": "e2"}})
	require.NoError(t, err)

	batch := graph.EdgeBatch{
		Type:          "DF",
		FromLabel:     "Event",
		FromKey:       "id",
		ToLabel:       "Event",
		ToKey:         "id",
		IdentityProps: []string{"EntityType", "ID"},
		Rows: []graph.EdgeRow{
			{From: "e1", To: "e2", Props: graph.Properties{"EntityType": "Order", "ID": "1"}},
			{From: "e1", To: "e2", Props: graph.Properties{"EntityType": "Item", "ID": "1"}},
			{From: "e1", To: "e2", Props: graph.Properties{"EntityType": "Order", "ID": "1"}},
		},
	}
	n, err := s.MergeEdges(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.MergeEdges(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	edges := collectEdges(t, s, "DF")
	require.Len(t, edges, 2)
	assert.Equal(t, "Order", edges[0].Props["EntityType"])

	types, err := s.EdgeTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"DF"}, types)
}

func testMergeUnresolved(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Event", []graph.Properties{{"id": "e1"}})
	require.NoError(t, err)
	n, err := s.MergeEdges(ctx, graph.EdgeBatch{
		Type: "CORR", FromLabel: "Event", FromKey: "id", ToLabel: "Entity", ToKey: "uID",
		Rows: []graph.EdgeRow{{From: "e1", To: "nope"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testLink(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Entity", []graph.Properties{{"id": "o1"}, {"id": "o2"}})
	require.NoError(t, err)
	_, err = s.CreateNodes(ctx, "EntityAttribute", []graph.Properties{
		{"id": "o1", "name": "price", "value": "10"},
		{"id": "o1", "name": "price", "value": "12"},
		{"id": "o3", "name": "price", "value": "1"},
	})
	require.NoError(t, err)

	spec := graph.LinkSpec{Type: "HAS_ATTRIBUTE", FromLabel: "Entity", FromProp: "id", ToLabel: "EntityAttribute", ToProp: "id"}
	n, err := s.Link(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Link(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testSetProperties(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Entity", []graph.Properties{{"id": "o1"}})
	require.NoError(t, err)
	node := collectNodes(t, s, "Entity")[0]

	n, err := s.SetProperties(ctx, []graph.PropertyUpdate{{NodeID: node.ID, Props: graph.Properties{"status": "paid"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	node = collectNodes(t, s, "Entity")[0]
	assert.Equal(t, "paid", node.Props["status"])
	assert.Equal(t, "o1", node.Props["id"])

	found, err := s.FindNodes(ctx, "Entity", "status", []string{"paid"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func testDeleteNodes(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Event", []graph.Properties{{"id": "e1"}})
	require.NoError(t, err)
	_, err = s.CreateNodes(ctx, "Entity", []graph.Properties{{"id": "o1"}})
	require.NoError(t, err)
	_, err = s.UpsertNodes(ctx, "Entity", "uID", []graph.Properties{{"uID": "Order1", "EntityType": "Order", "ID": "1"}})
	require.NoError(t, err)
	_, err = s.MergeEdges(ctx, graph.EdgeBatch{
		Type: "CORR", FromLabel: "Event", FromKey: "id", ToLabel: "Entity", ToKey: "uID",
		Rows: []graph.EdgeRow{{From: "e1", To: "Order1"}},
	})
	require.NoError(t, err)

	n, err := s.DeleteNodes(ctx, "Entity", "uID")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.CountNodes(ctx, "Entity")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	edges, err := s.CountEdges(ctx, "CORR")
	require.NoError(t, err)
	assert.Equal(t, int64(0), edges)

	n, err = s.DeleteNodes(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testDeleteEdges(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Event", []graph.Properties{{"id": "e1"}, {"id": "e2"}})
	require.NoError(t, err)
	for _, rel := range []string{"DF", "DF_Order"} {
		_, err = s.MergeEdges(ctx, graph.EdgeBatch{
			Type: rel, FromLabel: "Event", FromKey: "id", ToLabel: "Event", ToKey: "id",
			Rows: []graph.EdgeRow{{From: "e1", To: "e2"}},
		})
		require.NoError(t, err)
	}
	n, err := s.DeleteEdges(ctx, "DF_Order")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	total, err := s.CountEdges(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// merging again after a delete creates the edge anew
	n, err = s.MergeEdges(ctx, graph.EdgeBatch{
		Type: "DF_Order", FromLabel: "Event", FromKey: "id", ToLabel: "Event", ToKey: "id",
		Rows: []graph.EdgeRow{{From: "e1", To: "e2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testPropertyTypes(t *testing.T, s graph.Store) {
	ctx := context.Background()
	ts := time.Date(2023, 3, 1, 10, 30, 0, 500, time.UTC)
	_, err := s.CreateNodes(ctx, "Event", []graph.Properties{{
		"id":     "e1",
		"time":   ts,
		"seq":    int64(4),
		"amount": 12.5,
		"paid":   true,
		"items":  []any{"i1", "i2"},
	}})
	require.NoError(t, err)

	n := collectNodes(t, s, "Event")[0]
	got, ok := graph.AsTime(n.Props["time"])
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
	seq, ok := graph.AsInt64(n.Props["seq"])
	require.True(t, ok)
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, 12.5, n.Props["amount"])
	assert.Equal(t, true, n.Props["paid"])
	assert.Equal(t, []any{"i1", "i2"}, graph.Values(n.Props["items"]))
}

func testImportCSV(t *testing.T, s graph.Store) {
	ctx := context.Background()
	dir := t.TempDir()
	events := filepath.Join(dir, "events.csv")
	require.NoError(t, os.WriteFile(events, []byte(`id,type,time,items,customer
e1,create,2023-01-01T00:00:00Z,"[""i1"",""i2""]","Smith, John"
e2,ship,2023-01-02T00:00:00Z,i3,"""[vip]"""
`), 0o644))

	n, err := graph.ImportCSV(ctx, s, graph.CSVImport{
		Path: events, Label: "Event", ListCells: true, SeqProperty: "seq", BatchSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := s.FindNodes(ctx, "Event", "id", []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, []any{"i1", "i2"}, graph.Values(found["e1"].Props["items"]))
	assert.Equal(t, "Smith, John", found["e1"].Props["customer"])
	assert.Equal(t, "i3", found["e2"].Props["items"])
	assert.Equal(t, "[vip]", found["e2"].Props["customer"])
	seq, _ := graph.AsInt64(found["e2"].Props["seq"])
	assert.Equal(t, int64(1), seq)
	_, ok := graph.AsTime(found["e2"].Props["time"])
	assert.True(t, ok)
}

func testIdentifiers(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.CreateNodes(ctx, "Event`) DETACH DELETE n //", []graph.Properties{{"id": "x"}})
	assert.Error(t, err)
	assert.Error(t, s.EnsureIndex(ctx, "Event", "bad key"))
}
