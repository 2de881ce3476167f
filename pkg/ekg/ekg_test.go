package ekg

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/memory"
	"github.com/logflow/ekg/pkg/ocel"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

var t0 = time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)

func at(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func newBuilder(t *testing.T) (*Builder, *memory.Store) {
	t.Helper()
	s := memory.New()
	return NewBuilder(s, Options{BatchSize: 2, Concurrency: 2}, nil), s
}

func event(id, typ string, ts time.Time, seq int64, attrs map[string]any) ocel.EventRow {
	return ocel.EventRow{ID: id, Type: typ, Time: ts, Seq: seq, Attrs: attrs}
}

func loadEvents(t *testing.T, b *Builder, rows ...ocel.EventRow) {
	t.Helper()
	_, err := b.LoadEvents(context.Background(), &ocel.EventTable{Rows: rows})
	require.NoError(t, err)
}

// dfPairs returns the DF edges of relType as "from->to" event ids.
func dfPairs(t *testing.T, s graph.Store, relType string) []string {
	t.Helper()
	ctx := context.Background()
	ids := make(map[string]string)
	require.NoError(t, s.ScanNodes(ctx, graph.LabelEvent, func(n graph.Node) error {
		ids[n.ID] = graph.Stringify(n.Props[PropID])
		return nil
	}))
	var pairs []string
	require.NoError(t, s.ScanEdges(ctx, relType, func(e graph.Edge) error {
		pairs = append(pairs, ids[e.From]+"->"+ids[e.To])
		return nil
	}))
	sort.Strings(pairs)
	return pairs
}

func count(t *testing.T, s graph.Store, label, relType string) int64 {
	t.Helper()
	var (
		n   int64
		err error
	)
	if label != "" {
		n, err = s.CountNodes(context.Background(), label)
	} else {
		n, err = s.CountEdges(context.Background(), relType)
	}
	require.NoError(t, err)
	return n
}

var orderSpec = EntitySpec{Type: "Order", Attribute: "Order"}

func TestPlaceAndShipRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "place order", at(0), 0, map[string]any{"Order": []any{int64(1)}}),
		event("e2", "ship order", at(1), 1, map[string]any{"Order": []any{int64(1)}}),
	)

	r, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Details["entities.Order"])
	assert.Equal(t, 2, r.Details["corr.Order"])

	_, err = b.BuildDirectlyFollows(ctx, Scope{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, count(t, s, graph.LabelEntity, ""))
	assert.EqualValues(t, 2, count(t, s, "", graph.RelCorr))
	assert.Equal(t, []string{"e1->e2"}, dfPairs(t, s, graph.RelDF))

	found, err := s.FindNodes(ctx, graph.LabelEntity, PropUID, []string{"Order:1"})
	require.NoError(t, err)
	require.Contains(t, found, "Order:1")
	assert.Equal(t, "Order", found["Order:1"].Props[PropEntityType])
	assert.EqualValues(t, 1, found["Order:1"].Props[PropEntityID])

	var df graph.Edge
	require.NoError(t, s.ScanEdges(ctx, graph.RelDF, func(e graph.Edge) error {
		df = e
		return nil
	}))
	assert.Equal(t, "Order", df.Props[PropEntityType])
}

func TestInferenceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "a", at(0), 0, map[string]any{"Order": []any{int64(1), int64(2)}}),
		event("e2", "b", at(1), 1, map[string]any{"Order": int64(2)}),
		event("e3", "c", at(2), 2, map[string]any{"Order": []any{int64(2), int64(2)}}),
		event("e4", "d", at(3), 3, nil),
	)

	first, err := b.InferEntities(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	_, err = b.Correlate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)

	again, err := b.InferEntities(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	corr, err := b.Correlate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	assert.Zero(t, corr.Created)
	assert.Equal(t, 5, corr.Skipped)

	assert.EqualValues(t, 2, count(t, s, graph.LabelEntity, ""))
	assert.EqualValues(t, 4, count(t, s, "", graph.RelCorr))
}

func TestCorrelateBeforeInferFails(t *testing.T) {
	b, s := newBuilder(t)
	loadEvents(t, b, event("e1", "a", at(0), 0, map[string]any{"Order": "7"}))

	_, err := b.Correlate(context.Background(), []EntitySpec{orderSpec})
	require.Error(t, err)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeUnresolvedEntityReference))
	assert.Zero(t, count(t, s, "", graph.RelCorr))
}

func TestFilterMatchingNothing(t *testing.T) {
	b, s := newBuilder(t)
	loadEvents(t, b, event("e1", "a", at(0), 0, map[string]any{"Order": "7"}))

	spec := EntitySpec{Type: "Order", Attribute: "Order", Where: []Condition{{Property: "type", Op: OpEq, Value: "nope"}}}
	r, err := b.InferAndCorrelate(context.Background(), []EntitySpec{spec})
	require.NoError(t, err)
	assert.Zero(t, r.Created)
	assert.Zero(t, count(t, s, graph.LabelEntity, ""))
	assert.Zero(t, count(t, s, "", graph.RelCorr))
}

func TestSpecsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "a", at(0), 0, map[string]any{"Order": "1", "Item": []any{"i1", "i2"}}),
		event("e2", "b", at(1), 1, map[string]any{"Order": "1", "Item": "i1"}),
		event("e3", "c", at(2), 2, map[string]any{"Order": "2", "Resource": "Ann"}),
	)
	specs := []EntitySpec{
		orderSpec,
		{Type: "Item", Attribute: "Item"},
		{Type: "Resource", Attribute: "Resource", Predicate: func(n graph.Node) bool { return n.Props[PropType] == "c" }},
	}
	r, err := b.InferAndCorrelate(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Details["entities.Order"])
	assert.Equal(t, 2, r.Details["entities.Item"])
	assert.Equal(t, 1, r.Details["entities.Resource"])
	assert.EqualValues(t, 5, count(t, s, graph.LabelEntity, ""))
	assert.EqualValues(t, 7, count(t, s, "", graph.RelCorr))
}

func TestEntityIdentityIsPerType(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "place order", at(0), 0, map[string]any{"Order": "12"}),
		event("e2", "split order", at(1), 1, map[string]any{"OrderX": "2"}),
	)
	specs := []EntitySpec{orderSpec, {Type: "Order1", Attribute: "OrderX"}}
	_, err := b.InferAndCorrelate(ctx, specs)
	require.NoError(t, err)

	entities := make(map[string]string)
	require.NoError(t, s.ScanNodes(ctx, graph.LabelEntity, func(n graph.Node) error {
		entities[n.ID] = graph.Stringify(n.Props[PropEntityType]) + "/" + graph.Stringify(n.Props[PropEntityID])
		return nil
	}))
	assert.ElementsMatch(t, []string{"Order/12", "Order1/2"}, mapValues(entities))

	events := make(map[string]string)
	require.NoError(t, s.ScanNodes(ctx, graph.LabelEvent, func(n graph.Node) error {
		events[n.ID] = graph.Stringify(n.Props[PropID])
		return nil
	}))
	var corr []string
	require.NoError(t, s.ScanEdges(ctx, graph.RelCorr, func(e graph.Edge) error {
		corr = append(corr, events[e.From]+"->"+entities[e.To])
		return nil
	}))
	assert.ElementsMatch(t, []string{"e1->Order/12", "e2->Order1/2"}, corr)
	assert.NotEqual(t, UID("Order", "12"), UID("Order1", "2"))
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestValidateSpecs(t *testing.T) {
	tests := []struct {
		name  string
		specs []EntitySpec
	}{
		{"missing type", []EntitySpec{{Attribute: "Order"}}},
		{"missing attribute", []EntitySpec{{Type: "Order"}}},
		{"duplicate type", []EntitySpec{orderSpec, orderSpec}},
		{"unknown op", []EntitySpec{{Type: "Order", Attribute: "Order", Where: []Condition{{Property: "x", Op: "like"}}}}},
		{"type with uID separator", []EntitySpec{{Type: "ns:Order", Attribute: "Order"}}},
		{"condition without property", []EntitySpec{{Type: "Order", Attribute: "Order", Where: []Condition{{Op: OpExists}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpecs(tt.specs)
			require.Error(t, err)
			assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidEntitySpec))
		})
	}
	assert.NoError(t, ValidateSpecs(nil))

	err := Model{Entities: []EntitySpec{orderSpec}, DF: Scope{Mode: "sideways"}}.Validate()
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidConfig))
}

func TestConditionMatch(t *testing.T) {
	n := graph.Node{Props: graph.Properties{"Item": []any{"i1", "i2"}, "n": int64(3), "empty": ""}}
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Property: "Item", Op: OpEq, Value: "i2"}, true},
		{Condition{Property: "Item", Op: OpEq, Value: "i3"}, false},
		{Condition{Property: "Item", Op: OpNe, Value: "i3"}, true},
		{Condition{Property: "n", Op: OpEq, Value: 3}, true},
		{Condition{Property: "n", Op: OpIn, Values: []any{"1", "3"}}, true},
		{Condition{Property: "n", Op: OpIn, Values: []any{"1"}}, false},
		{Condition{Property: "Item", Op: OpExists}, true},
		{Condition{Property: "empty", Op: OpExists}, false},
		{Condition{Property: "missing", Op: OpNotExists}, true},
		{Condition{Property: "n", Op: OpNotExists}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cond.Match(n), "%s %s", tt.cond.Op, tt.cond.Property)
	}
}

func TestDirectlyFollowsPath(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e3", "c", at(3), 0, map[string]any{"Order": "1"}),
		event("e1", "a", at(1), 1, map[string]any{"Order": "1"}),
		event("e4", "d", at(4), 2, map[string]any{"Order": "1"}),
		event("e2", "b", at(2), 3, map[string]any{"Order": []any{"1", "2"}}),
	)
	_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)

	r, err := b.BuildDirectlyFollows(ctx, Scope{Mode: ScopeGlobal})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Created)
	assert.Equal(t, []string{"e1->e2", "e2->e3", "e3->e4"}, dfPairs(t, s, graph.RelDF))
}

func TestDirectlyFollowsTieBreak(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b, s := newBuilder(t)
		loadEvents(t, b,
			event("z", "a", at(0), 0, map[string]any{"Order": "1"}),
			event("a", "b", at(0), 1, map[string]any{"Order": "1"}),
			event("m", "c", at(0), 1, map[string]any{"Order": "1"}),
		)
		_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec})
		require.NoError(t, err)
		_, err = b.BuildDirectlyFollows(ctx, Scope{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a->m", "z->a"}, dfPairs(t, s, graph.RelDF))
	}
}

func TestDirectlyFollowsStalePolicy(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "a", at(0), 0, map[string]any{"Order": "1"}),
		event("e2", "b", at(1), 1, map[string]any{"Order": "1"}),
		event("e3", "c", at(2), 2, map[string]any{"Order": "1"}),
	)
	_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	_, err = b.BuildDirectlyFollows(ctx, Scope{})
	require.NoError(t, err)

	_, err = b.BuildDirectlyFollows(ctx, Scope{})
	require.Error(t, err)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStaleDirectlyFollows))

	r, err := b.BuildDirectlyFollows(ctx, Scope{Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Deleted)
	assert.Equal(t, 2, r.Created)
	assert.EqualValues(t, 2, count(t, s, "", graph.RelDF))
}

func TestDirectlyFollowsPerType(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "a", at(0), 0, map[string]any{"Order": "1", "Item": "i1"}),
		event("e2", "b", at(1), 1, map[string]any{"Order": "1", "Item": "i1"}),
		event("e3", "c", at(2), 2, map[string]any{"Item": "i1"}),
		event("e4", "d", at(3), 3, map[string]any{"Order": "2"}),
	)
	_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec, {Type: "Item", Attribute: "Item"}})
	require.NoError(t, err)

	r, err := b.BuildDirectlyFollows(ctx, Scope{Mode: ScopePerType})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Details["DF_Order"])
	assert.Equal(t, 2, r.Details["DF_Item"])
	assert.Equal(t, []string{"e1->e2"}, dfPairs(t, s, "DF_Order"))
	assert.Equal(t, []string{"e1->e2", "e2->e3"}, dfPairs(t, s, "DF_Item"))

	n, err := b.ClearDirectlyFollows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	r, err = b.BuildDirectlyFollows(ctx, Scope{Mode: ScopePerType, Types: []string{"Item"}})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Created)
	assert.Empty(t, dfPairs(t, s, "DF_Order"))
}

func TestDirectlyFollowsStaleCheckIsScoped(t *testing.T) {
	for _, mode := range []string{ScopePerType, ScopeGlobal} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			b, s := newBuilder(t)
			loadEvents(t, b,
				event("e1", "a", at(0), 0, map[string]any{"Order": "1", "Item": "i1"}),
				event("e2", "b", at(1), 1, map[string]any{"Order": "1", "Item": "i1"}),
				event("e3", "c", at(2), 2, map[string]any{"Item": "i1"}),
			)
			_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec, {Type: "Item", Attribute: "Item"}})
			require.NoError(t, err)

			itemRel, orderRel := graph.DFType("Item"), graph.DFType("Order")
			if mode == ScopeGlobal {
				itemRel, orderRel = graph.RelDF, graph.RelDF
			}
			dfCount := func() int64 { return count(t, s, "", itemRel) + count(t, s, "", orderRel) }

			_, err = b.BuildDirectlyFollows(ctx, Scope{Mode: mode, Types: []string{"Item"}})
			require.NoError(t, err)

			r, err := b.BuildDirectlyFollows(ctx, Scope{Mode: mode, Types: []string{"Order"}})
			require.NoError(t, err, "other types' edges are not stale")
			assert.Equal(t, 1, r.Created)

			_, err = b.BuildDirectlyFollows(ctx, Scope{Mode: mode, Types: []string{"Order"}})
			assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStaleDirectlyFollows))

			before := dfCount()
			r, err = b.BuildDirectlyFollows(ctx, Scope{Mode: mode, Types: []string{"Order"}, Rebuild: true})
			require.NoError(t, err)
			assert.Equal(t, 1, r.Deleted)
			assert.Equal(t, 1, r.Created)
			assert.Equal(t, before, dfCount())

			var items []string
			require.NoError(t, s.ScanEdges(ctx, itemRel, func(e graph.Edge) error {
				if e.Props[PropEntityType] == "Item" {
					items = append(items, graph.Stringify(e.Props[PropEntityID]))
				}
				return nil
			}))
			assert.Equal(t, []string{"i1", "i1"}, items, "item chain survives an order rebuild")
		})
	}
}

func TestDirectlyFollowsSkipsUntimedEvents(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	loadEvents(t, b,
		event("e1", "a", at(0), 0, map[string]any{"Order": "1"}),
		event("e2", "b", time.Time{}, 1, map[string]any{"Order": "1"}),
		event("e3", "c", at(2), 2, map[string]any{"Order": "1"}),
	)
	_, err := b.InferAndCorrelate(ctx, []EntitySpec{orderSpec})
	require.NoError(t, err)
	r, err := b.BuildDirectlyFollows(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, []string{"e1->e3"}, dfPairs(t, s, graph.RelDF))
}

func objectTables(versions []ocel.ObjectAttributeRow) *ocel.Tables {
	return &ocel.Tables{
		Objects:          []ocel.ObjectRow{{ID: "o1", Type: "order"}, {ID: "o2", Type: "order"}},
		ObjectAttributes: versions,
	}
}

func TestMaterializeLastState(t *testing.T) {
	ctx := context.Background()
	versions := []ocel.ObjectAttributeRow{
		{ID: "o1", Name: "price", Value: int64(10), Time: at(1)},
		{ID: "o1", Name: "price", Value: int64(12), Time: at(3)},
		{ID: "o1", Name: "price", Value: int64(11), Time: at(2)},
		{ID: "o1", Name: "status", Value: "b", Time: at(1)},
		{ID: "o1", Name: "status", Value: "a", Time: at(1)},
		{ID: "o1", Name: "note", Value: "late", Time: at(5)},
		{ID: "o1", Name: "note", Value: "initial"},
		{ID: "o1", Name: "type", Value: "hacked", Time: at(9)},
	}

	results := make([]graph.Properties, 0, 2)
	for _, rows := range [][]ocel.ObjectAttributeRow{versions, reversed(versions)} {
		b, s := newBuilder(t)
		_, err := b.LoadTables(ctx, objectTables(rows))
		require.NoError(t, err)

		r, err := b.MaterializeLastState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Updated)
		assert.Equal(t, 1, r.Skipped)

		found, err := s.FindNodes(ctx, graph.LabelEntity, PropID, []string{"o1", "o2"})
		require.NoError(t, err)
		o1 := found["o1"].Props
		assert.EqualValues(t, 12, o1["price"])
		assert.Equal(t, "b", o1["status"])
		assert.Equal(t, "late", o1["note"])
		assert.Equal(t, "order", o1[PropType])
		assert.NotContains(t, found["o2"].Props, "price")
		results = append(results, o1)

		again, err := b.MaterializeLastState(ctx)
		require.NoError(t, err)
		assert.Zero(t, again.Updated)
		assert.EqualValues(t, 8, count(t, s, graph.LabelEntityAttribute, ""))
	}
	assert.Equal(t, results[0], results[1])
}

func reversed(rows []ocel.ObjectAttributeRow) []ocel.ObjectAttributeRow {
	out := make([]ocel.ObjectAttributeRow, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r
	}
	return out
}

const orderLog = `{
  "objectTypes": [{"name": "order", "attributes": [{"name": "price", "type": "float"}]}, {"name": "item", "attributes": []}],
  "eventTypes": [{"name": "place order", "attributes": []}, {"name": "pay order", "attributes": []}],
  "objects": [
    {"id": "o1", "type": "order", "attributes": [
      {"name": "price", "time": "2023-01-01T00:00:00Z", "value": 10},
      {"name": "price", "time": "2023-01-05T00:00:00Z", "value": 12.5}
    ]},
    {"id": "i1", "type": "item"},
    {"id": "i2", "type": "item"}
  ],
  "events": [
    {"id": "e1", "type": "place order", "time": "2023-01-01T09:00:00Z",
     "attributes": [{"name": "resource", "value": "Ann"}, {"name": "customer", "value": "Smith, John"}],
     "relationships": [{"objectId": "o1", "qualifier": "order"}, {"objectId": "i1", "qualifier": "item"}, {"objectId": "i2", "qualifier": "item"}]},
    {"id": "e2", "type": "pay order", "time": "2023-01-02T09:00:00Z",
     "attributes": [{"name": "resource", "value": "Bob"}],
     "relationships": [{"objectId": "o1", "qualifier": "order"}, {"objectId": "ghost", "qualifier": "order"}]},
    {"id": "e3", "type": "ship item", "time": "2023-01-03T09:00:00Z",
     "relationships": [{"objectId": "i1", "qualifier": "item"}]}
  ]
}`

func orderTables(t *testing.T) *ocel.Tables {
	t.Helper()
	doc, err := ocel.Decode(context.Background(), strings.NewReader(orderLog))
	require.NoError(t, err)
	tables, err := ocel.Normalize(doc)
	require.NoError(t, err)
	return tables
}

type graphCounts struct {
	events, entities, attrs, links, corr int64
}

func countsOf(t *testing.T, s graph.Store) graphCounts {
	return graphCounts{
		events:   count(t, s, graph.LabelEvent, ""),
		entities: count(t, s, graph.LabelEntity, ""),
		attrs:    count(t, s, graph.LabelEntityAttribute, ""),
		links:    count(t, s, "", graph.RelHasAttribute),
		corr:     count(t, s, "", graph.RelCorr),
	}
}

func TestLoadTables(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	reports, err := b.LoadTables(ctx, orderTables(t))
	require.NoError(t, err)
	require.Len(t, reports, 6)
	assert.Equal(t, StepLoadRelations, reports[5].Step)
	assert.Equal(t, 5, reports[5].Created)
	assert.Equal(t, 1, reports[5].Skipped)

	assert.Equal(t, graphCounts{events: 3, entities: 3, attrs: 2, links: 2, corr: 5}, countsOf(t, s))

	var qualifiers []string
	require.NoError(t, s.ScanEdges(ctx, graph.RelCorr, func(e graph.Edge) error {
		qualifiers = append(qualifiers, e.Props[PropQualifier].(string))
		return nil
	}))
	sort.Strings(qualifiers)
	assert.Equal(t, []string{"item", "item", "item", "order", "order"}, qualifiers)

	_, err = b.BuildDirectlyFollows(ctx, Scope{Mode: ScopePerType})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1->e2"}, dfPairs(t, s, "DF_order"))
	assert.Equal(t, []string{"e1->e3"}, dfPairs(t, s, "DF_item"))
}

func TestImportArtifactsMatchesLoadTables(t *testing.T) {
	ctx := context.Background()
	tables := orderTables(t)
	artifacts, err := ocel.WriteCSV(t.TempDir(), "orders", tables)
	require.NoError(t, err)

	b, s := newBuilder(t)
	reports, err := b.ImportArtifacts(ctx, artifacts)
	require.NoError(t, err)
	require.Len(t, reports, 6)

	direct, ds := newBuilder(t)
	_, err = direct.LoadTables(ctx, tables)
	require.NoError(t, err)
	assert.Equal(t, countsOf(t, ds), countsOf(t, s))

	found, err := s.FindNodes(ctx, graph.LabelEvent, PropID, []string{"e2"})
	require.NoError(t, err)
	e2 := found["e2"].Props
	assert.IsType(t, time.Time{}, e2[PropTime])
	assert.EqualValues(t, 1, e2[PropSeq])
	assert.Equal(t, "Bob", e2["resource"])

	customers := []EntitySpec{{Type: "Customer", Attribute: "customer"}}
	for _, builder := range []*Builder{b, direct} {
		_, err = builder.InferAndCorrelate(ctx, customers)
		require.NoError(t, err)
	}
	for _, store := range []graph.Store{s, ds} {
		var ids []any
		require.NoError(t, store.ScanNodes(ctx, graph.LabelEntity, func(n graph.Node) error {
			if n.Props[PropEntityType] == "Customer" {
				ids = append(ids, n.Props[PropEntityID])
			}
			return nil
		}))
		assert.Equal(t, []any{"Smith, John"}, ids)
	}

	_, err = b.MaterializeLastState(ctx)
	require.NoError(t, err)
	found, err = s.FindNodes(ctx, graph.LabelEntity, PropID, []string{"o1"})
	require.NoError(t, err)
	assert.Equal(t, "12.5", found["o1"].Props["price"])
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	_, err := b.LoadTables(ctx, orderTables(t))
	require.NoError(t, err)
	_, err = b.InferAndCorrelate(ctx, []EntitySpec{{Type: "Resource", Attribute: "resource"}})
	require.NoError(t, err)
	_, err = b.BuildDirectlyFollows(ctx, Scope{})
	require.NoError(t, err)
	require.EqualValues(t, 5, count(t, s, graph.LabelEntity, ""))

	r, err := b.Reset(ctx, ResetDerived)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Details["entities"])
	assert.Zero(t, count(t, s, "", graph.RelDF))
	assert.Equal(t, graphCounts{events: 3, entities: 3, attrs: 2, links: 2, corr: 5}, countsOf(t, s))

	_, err = b.Reset(ctx, ResetAll)
	require.NoError(t, err)
	assert.Equal(t, graphCounts{}, countsOf(t, s))
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	b, _ := newBuilder(t)
	_, err := b.LoadTables(ctx, orderTables(t))
	require.NoError(t, err)

	s, err := b.Summarize(ctx)
	require.NoError(t, err)
	require.Len(t, s.Labels, 3)
	assert.Equal(t, graph.LabelEvent, s.Labels[0].Label)
	assert.Equal(t, int64(3), s.Labels[0].Count)
	assert.Contains(t, s.Labels[0].Keys, PropSeq)
	assert.Equal(t, []string{PropID, PropType}, s.Labels[1].Keys)
	assert.Equal(t, []EdgeSummary{
		{Type: graph.RelCorr, Count: 5},
		{Type: graph.RelHasAttribute, Count: 2},
	}, s.Edges)
}
