package ekg

import (
	"context"

	"github.com/logflow/ekg/pkg/graph"
)

// LabelSummary describes the nodes of one label.
type LabelSummary struct {
	Label string
	Count int64
	Keys  []string
}

// EdgeSummary counts the edges of one relationship type.
type EdgeSummary struct {
	Type  string
	Count int64
}

// Summary is a read-only overview of the graph in a store.
type Summary struct {
	Labels []LabelSummary
	Edges  []EdgeSummary
}

// Summarize counts nodes per label, their property keys and edges per
// relationship type.
func (b *Builder) Summarize(ctx context.Context) (Summary, error) {
	var s Summary
	for _, label := range []string{graph.LabelEvent, graph.LabelEntity, graph.LabelEntityAttribute} {
		n, err := b.store.CountNodes(ctx, label)
		if err != nil {
			return s, storeErr(err, "summarize")
		}
		keys, err := b.store.PropertyKeys(ctx, label)
		if err != nil {
			return s, storeErr(err, "summarize")
		}
		s.Labels = append(s.Labels, LabelSummary{Label: label, Count: n, Keys: keys})
	}

	types, err := b.store.EdgeTypes(ctx)
	if err != nil {
		return s, storeErr(err, "summarize")
	}
	for _, t := range types {
		n, err := b.store.CountEdges(ctx, t)
		if err != nil {
			return s, storeErr(err, "summarize")
		}
		s.Edges = append(s.Edges, EdgeSummary{Type: t, Count: n})
	}
	return s, nil
}
