package ekg

import (
	"context"
	"time"

	"github.com/logflow/ekg/pkg/graph"
)

// identity properties are never overwritten by attribute values.
var identityProps = map[string]bool{
	PropID:         true,
	PropType:       true,
	PropEntityType: true,
	PropEntityID:   true,
	PropUID:        true,
}

type attrVersion struct {
	name    string
	value   any
	time    time.Time
	hasTime bool
}

// newer reports whether v supersedes cur. Untimed versions order before
// timed ones; equal times fall back to the larger stringified value.
func (v attrVersion) newer(cur attrVersion) bool {
	if v.hasTime != cur.hasTime {
		return v.hasTime
	}
	if v.hasTime && !v.time.Equal(cur.time) {
		return v.time.After(cur.time)
	}
	return graph.Stringify(v.value) > graph.Stringify(cur.value)
}

// MaterializeLastState sets, on every node with attribute versions, each
// attribute name to the value of its latest version. Version nodes are
// only read. Properties already holding the latest value are not written.
func (b *Builder) MaterializeLastState(ctx context.Context) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepLastState}

	versions := make(map[string]attrVersion)
	err := b.store.ScanNodes(ctx, graph.LabelEntityAttribute, func(n graph.Node) error {
		name, _ := n.Props[PropName].(string)
		if name == "" {
			return nil
		}
		t, ok := graph.AsTime(n.Props[PropTime])
		versions[n.ID] = attrVersion{name: name, value: n.Props[PropValue], time: t, hasTime: ok}
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan attributes")
	}

	latest := make(map[string]map[string]attrVersion)
	var owners []string
	err = b.store.ScanEdges(ctx, graph.RelHasAttribute, func(e graph.Edge) error {
		v, ok := versions[e.To]
		if !ok {
			return nil
		}
		if identityProps[v.name] {
			r.Skipped++
			r.detail("reserved."+v.name, 1)
			return nil
		}
		byName, ok := latest[e.From]
		if !ok {
			byName = make(map[string]attrVersion)
			latest[e.From] = byName
			owners = append(owners, e.From)
		}
		if cur, ok := byName[v.name]; !ok || v.newer(cur) {
			byName[v.name] = v
		}
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan attribute links")
	}
	if len(owners) == 0 {
		b.finish(&r, start)
		return r, nil
	}

	current := make(map[string]graph.Properties, len(owners))
	err = b.store.ScanNodes(ctx, "", func(n graph.Node) error {
		if _, ok := latest[n.ID]; ok {
			current[n.ID] = n.Props
		}
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan owners")
	}

	var updates []graph.PropertyUpdate
	for _, id := range owners {
		props := make(graph.Properties)
		for name, v := range latest[id] {
			if old, ok := current[id][name]; ok && graph.Stringify(old) == graph.Stringify(v.value) {
				continue
			}
			props[name] = v.value
		}
		if len(props) > 0 {
			updates = append(updates, graph.PropertyUpdate{NodeID: id, Props: props})
		}
	}
	err = chunks(updates, b.opts.BatchSize, func(batch []graph.PropertyUpdate) error {
		if err := checkCtx(ctx, StepLastState); err != nil {
			return err
		}
		n, err := b.store.SetProperties(ctx, batch)
		if err != nil {
			return storeErr(err, StepLastState)
		}
		r.Updated += n
		b.batch(StepLastState, len(batch))
		return nil
	})
	if err != nil {
		return r, err
	}
	b.finish(&r, start)
	return r, nil
}
