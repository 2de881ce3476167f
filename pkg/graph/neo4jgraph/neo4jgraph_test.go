package neo4jgraph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/graphtest"
)

// TestContract runs against a live server when EKG_TEST_NEO4J_URI is set.
func TestContract(t *testing.T) {
	uri := os.Getenv("EKG_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("EKG_TEST_NEO4J_URI not set")
	}
	cfg := Config{
		URI:      uri,
		Username: os.Getenv("EKG_TEST_NEO4J_USERNAME"),
		Password: os.Getenv("EKG_TEST_NEO4J_PASSWORD"),
	}
	graphtest.Run(t, func(t *testing.T) graph.Store {
		s, err := Open(context.Background(), cfg, nil)
		require.NoError(t, err)
		_, err = s.DeleteNodes(context.Background(), "", "")
		require.NoError(t, err)
		return s
	})
}

func TestMergeEdgesQuery(t *testing.T) {
	q := mergeEdgesQuery(graph.EdgeBatch{
		Type: "CORR", FromLabel: "Event", FromKey: "id", ToLabel: "Entity", ToKey: "id",
	})
	assert.Contains(t, q, "MATCH (a:`Event`) WHERE a.`id` = row.from")
	assert.Contains(t, q, "MATCH (b:`Entity`) WHERE b.`id` = row.to")
	assert.Contains(t, q, "OPTIONAL MATCH (a)-[r:`CORR`]->(b)")
	assert.Contains(t, q, "CREATE (a)-[e:`CORR`]->(b)")

	q = mergeEdgesQuery(graph.EdgeBatch{Type: "DF"})
	assert.Contains(t, q, "MATCH (a) WHERE elementId(a) = row.from")
	assert.Contains(t, q, "MATCH (b) WHERE elementId(b) = row.to")
}

func TestDedupeEdgeRows(t *testing.T) {
	rows := dedupeEdgeRows(graph.EdgeBatch{
		IdentityProps: []string{"EntityType"},
		Rows: []graph.EdgeRow{
			{From: "1", To: "2", Props: graph.Properties{"EntityType": "Order"}},
			{From: "1", To: "2", Props: graph.Properties{"EntityType": "Order", "ID": "o1"}},
			{From: "1", To: "2", Props: graph.Properties{"EntityType": "Item"}},
			{From: 1, To: 3},
		},
	})
	require.Len(t, rows, 3)
	last := rows[2].(map[string]any)
	assert.Equal(t, int64(1), last["from"])
	assert.Empty(t, last["props"])
}

func TestCheckBatch(t *testing.T) {
	assert.NoError(t, checkBatch(graph.EdgeBatch{Type: "DF_Order"}))
	assert.Error(t, checkBatch(graph.EdgeBatch{Type: "DF Order"}))
	assert.Error(t, checkBatch(graph.EdgeBatch{Type: "CORR", FromLabel: "Event) DETACH DELETE (x", FromKey: "id"}))
}

func TestImportQueryNodes(t *testing.T) {
	q, err := importQuery(graph.CSVImport{
		Label:       "Event",
		SeqProperty: "ingestSeq",
		BatchSize:   500,
	}, []string{"id", "time", "order ref"})
	require.NoError(t, err)
	assert.Contains(t, q, "LOAD CSV WITH HEADERS FROM $url AS line")
	assert.Contains(t, q, "CREATE (n:`Event`)")
	assert.Contains(t, q, "`time`: datetime(line.`time`)")
	assert.Contains(t, q, "`order ref`: line.`order ref`")
	assert.Contains(t, q, "`ingestSeq`: linenumber() - 2")
	assert.Contains(t, q, "IN TRANSACTIONS OF 500 ROWS")

	_, err = importQuery(graph.CSVImport{Label: "bad label"}, []string{"id"})
	assert.Error(t, err)
}

func TestImportQueryRelationships(t *testing.T) {
	q, err := importQuery(graph.CSVImport{Relationship: &graph.CSVRelationship{
		Type: "CORR", FromLabel: "Event", FromKey: "id", FromColumn: "eventId",
		ToLabel: "Entity", ToKey: "id", ToColumn: "objectId",
		IdentityProps: []string{"qualifier"},
	}}, []string{"eventId", "objectId", "qualifier"})
	require.NoError(t, err)
	assert.Contains(t, q, "MATCH (a:`Event`) WHERE a.`id` = line.`eventId`")
	assert.Contains(t, q, "MATCH (b:`Entity`) WHERE b.`id` = line.`objectId`")
	assert.Contains(t, q, "WITH a, b, {`qualifier`: line.`qualifier`} AS props")
	assert.Contains(t, q, "CREATE (a)-[e:`CORR`]->(b)")
	assert.Contains(t, q, "IN TRANSACTIONS OF 1000 ROWS")
}

func TestValueConversion(t *testing.T) {
	zone := time.FixedZone("CET", 3600)
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, zone)
	props := fromProps(map[string]any{
		"time":  ts,
		"items": []any{"a", ts},
		"n":     int64(3),
	})
	assert.Equal(t, ts.UTC(), props["time"])
	assert.Equal(t, time.UTC, props["time"].(time.Time).Location())
	assert.Equal(t, []any{"a", ts.UTC()}, props["items"])
	assert.Equal(t, int64(3), props["n"])

	params := toParam(graph.Properties{"n": 3, "gone": nil})
	assert.Equal(t, map[string]any{"n": int64(3)}, params)
}
