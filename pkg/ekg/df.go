package ekg

import (
	"context"
	"sort"
	"time"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Directly-follows scope modes.
const (
	ScopeGlobal  = "global"
	ScopePerType = "per_type"
)

// Scope selects how directly-follows relations are built.
type Scope struct {
	// Mode is ScopeGlobal (one DF relation type) or ScopePerType (one
	// DF_<EntityType> relation type per entity type). Empty means global.
	Mode string `yaml:"mode" json:"mode"`
	// Types restricts the build to these entity types. Empty means all.
	Types []string `yaml:"types,omitempty" json:"types,omitempty"`
	// Rebuild clears existing DF relations first instead of refusing.
	Rebuild bool `yaml:"rebuild" json:"rebuild"`
}

// Validate checks the scope mode.
func (s Scope) Validate() error {
	switch s.Mode {
	case "", ScopeGlobal, ScopePerType:
		return nil
	}
	return ekgerrors.New(ekgerrors.CodeInvalidConfig, "unknown directly-follows scope").
		WithContext("mode", s.Mode)
}

func (s Scope) relType(entityType string) string {
	if s.Mode == ScopePerType {
		return graph.DFType(entityType)
	}
	return graph.RelDF
}

// covers reports whether relType holds edges this scope builds. Under
// ScopeGlobal with a type filter, DF also holds edges of other types;
// those are told apart by their EntityType property.
func (s Scope) covers(relType string) bool {
	if s.Mode != ScopePerType {
		return relType == graph.RelDF
	}
	if !graph.IsDFType(relType) {
		return false
	}
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if graph.DFType(t) == relType {
			return true
		}
	}
	return false
}

// shared reports whether relType also holds edges outside the scope.
func (s Scope) shared(relType string) bool {
	return relType == graph.RelDF && len(s.Types) > 0
}

func (s Scope) includes(entityType string) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if t == entityType {
			return true
		}
	}
	return false
}

type dfEntity struct {
	entityType string
	id         any
}

// entityIdentity returns the (type, id) pair DF edges carry. Inferred
// entities use EntityType/ID, imported objects type/id.
func entityIdentity(n graph.Node) (dfEntity, bool) {
	if _, ok := n.Props[PropUID]; ok {
		t, _ := n.Props[PropEntityType].(string)
		return dfEntity{entityType: t, id: n.Props[PropEntityID]}, t != ""
	}
	t, _ := n.Props[PropType].(string)
	return dfEntity{entityType: t, id: n.Props[PropID]}, t != ""
}

type dfEvent struct {
	nodeID string
	id     string
	time   time.Time
	seq    int64
}

// sortEvents orders events by time, then ingestion sequence, then id.
func sortEvents(events []dfEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.time.Equal(b.time) {
			return a.time.Before(b.time)
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.id < b.id
	})
}

// dfEdgeTypes lists relation types holding DF edges.
func (b *Builder) dfEdgeTypes(ctx context.Context) ([]string, error) {
	types, err := b.store.EdgeTypes(ctx)
	if err != nil {
		return nil, storeErr(err, "list edge types")
	}
	var out []string
	for _, t := range types {
		if t == graph.RelDF || graph.IsDFType(t) {
			n, err := b.store.CountEdges(ctx, t)
			if err != nil {
				return nil, storeErr(err, "count edges")
			}
			if n > 0 {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// ClearDirectlyFollows deletes every DF and DF_<type> edge.
func (b *Builder) ClearDirectlyFollows(ctx context.Context) (int, error) {
	types, err := b.dfEdgeTypes(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, t := range types {
		n, err := b.store.DeleteEdges(ctx, t)
		if err != nil {
			return deleted, storeErr(err, "delete "+t)
		}
		deleted += n
	}
	return deleted, nil
}

// staleDirectlyFollows lists the relation types already holding edges the
// scope would build.
func (b *Builder) staleDirectlyFollows(ctx context.Context, scope Scope) ([]string, error) {
	types, err := b.dfEdgeTypes(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range types {
		if !scope.covers(t) {
			continue
		}
		if scope.shared(t) {
			inScope := false
			err := b.store.ScanEdges(ctx, t, func(e graph.Edge) error {
				if scope.includes(graph.Stringify(e.Props[PropEntityType])) {
					inScope = true
				}
				return nil
			})
			if err != nil {
				return nil, storeErr(err, "scan "+t)
			}
			if !inScope {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// clearScope deletes the edges of types that the scope builds. Edges of
// other entity types sharing the DF relation are written back.
func (b *Builder) clearScope(ctx context.Context, scope Scope, types []string) (int, error) {
	deleted := 0
	for _, t := range types {
		var keep []graph.EdgeRow
		if scope.shared(t) {
			err := b.store.ScanEdges(ctx, t, func(e graph.Edge) error {
				if !scope.includes(graph.Stringify(e.Props[PropEntityType])) {
					keep = append(keep, graph.EdgeRow{From: e.From, To: e.To, Props: e.Props.Clone()})
				}
				return nil
			})
			if err != nil {
				return deleted, storeErr(err, "scan "+t)
			}
		}
		n, err := b.store.DeleteEdges(ctx, t)
		if err != nil {
			return deleted, storeErr(err, "delete "+t)
		}
		deleted += n - len(keep)
		err = chunks(keep, b.opts.BatchSize, func(batch []graph.EdgeRow) error {
			_, err := b.store.MergeEdges(ctx, graph.EdgeBatch{
				Type:          t,
				FromLabel:     graph.LabelEvent,
				ToLabel:       graph.LabelEvent,
				IdentityProps: []string{PropEntityType, PropEntityID},
				Rows:          batch,
			})
			return storeErr(err, "restore "+t)
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// BuildDirectlyFollows chains the events of every entity in time order.
// Building over existing DF edges of the same scope is refused unless
// scope.Rebuild is set, which clears only those edges first.
func (b *Builder) BuildDirectlyFollows(ctx context.Context, scope Scope) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepDF}
	if err := scope.Validate(); err != nil {
		return r, err
	}
	stale, err := b.staleDirectlyFollows(ctx, scope)
	if err != nil {
		return r, err
	}
	if len(stale) > 0 {
		if !scope.Rebuild {
			return r, ekgerrors.New(ekgerrors.CodeStaleDirectlyFollows, "directly-follows edges already exist; reset or rebuild").
				WithContext("types", stale)
		}
		n, err := b.clearScope(ctx, scope, stale)
		if err != nil {
			return r, err
		}
		r.Deleted = n
	}

	entities := make(map[string]dfEntity)
	var order []string
	err = b.store.ScanNodes(ctx, graph.LabelEntity, func(n graph.Node) error {
		if e, ok := entityIdentity(n); ok && scope.includes(e.entityType) {
			entities[n.ID] = e
			order = append(order, n.ID)
		}
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan entities")
	}

	events := make(map[string]dfEvent)
	untimed := make(map[string]bool)
	err = b.store.ScanNodes(ctx, graph.LabelEvent, func(n graph.Node) error {
		t, ok := graph.AsTime(n.Props[PropTime])
		if !ok {
			untimed[n.ID] = true
			return nil
		}
		seq, _ := graph.AsInt64(n.Props[PropSeq])
		id := graph.Stringify(n.Props[PropID])
		events[n.ID] = dfEvent{nodeID: n.ID, id: id, time: t, seq: seq}
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan events")
	}

	correlated := make(map[string][]dfEvent)
	seen := make(map[[2]string]bool)
	err = b.store.ScanEdges(ctx, graph.RelCorr, func(e graph.Edge) error {
		if _, ok := entities[e.To]; !ok {
			return nil
		}
		key := [2]string{e.To, e.From}
		if seen[key] {
			return nil
		}
		seen[key] = true
		ev, ok := events[e.From]
		if !ok {
			if untimed[e.From] {
				r.Skipped++
			}
			return nil
		}
		correlated[e.To] = append(correlated[e.To], ev)
		return nil
	})
	if err != nil {
		return r, storeErr(err, "scan correlations")
	}

	rows := make(map[string][]graph.EdgeRow)
	var relTypes []string
	for _, entityID := range order {
		evs := correlated[entityID]
		if len(evs) < 2 {
			continue
		}
		sortEvents(evs)
		ent := entities[entityID]
		rt := scope.relType(ent.entityType)
		if _, ok := rows[rt]; !ok {
			relTypes = append(relTypes, rt)
		}
		for i := 0; i+1 < len(evs); i++ {
			rows[rt] = append(rows[rt], graph.EdgeRow{
				From:  evs[i].nodeID,
				To:    evs[i+1].nodeID,
				Props: graph.Properties{PropEntityType: ent.entityType, PropEntityID: ent.id},
			})
		}
	}

	for _, rt := range relTypes {
		err := chunks(rows[rt], b.opts.BatchSize, func(batch []graph.EdgeRow) error {
			if err := checkCtx(ctx, StepDF); err != nil {
				return err
			}
			n, err := b.store.MergeEdges(ctx, graph.EdgeBatch{
				Type:          rt,
				FromLabel:     graph.LabelEvent,
				ToLabel:       graph.LabelEvent,
				IdentityProps: []string{PropEntityType, PropEntityID},
				Rows:          batch,
			})
			if err != nil {
				return storeErr(err, StepDF)
			}
			r.Created += n
			r.detail(rt, n)
			b.batch(StepDF, len(batch))
			return nil
		})
		if err != nil {
			return r, err
		}
	}
	b.finish(&r, start)
	return r, nil
}

// ResetMode selects what Reset deletes.
type ResetMode int

const (
	// ResetDerived deletes DF edges and inferred entities with their
	// correlations, keeping imported data.
	ResetDerived ResetMode = iota
	// ResetAll deletes the whole graph.
	ResetAll
)

// Reset is the clear step run before rebuilding.
func (b *Builder) Reset(ctx context.Context, mode ResetMode) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepReset}
	if mode == ResetAll {
		n, err := b.store.DeleteNodes(ctx, "", "")
		if err != nil {
			return r, storeErr(err, StepReset)
		}
		r.Deleted = n
		r.detail("nodes", n)
		b.finish(&r, start)
		return r, nil
	}
	n, err := b.ClearDirectlyFollows(ctx)
	if err != nil {
		return r, err
	}
	r.detail("df", n)
	m, err := b.store.DeleteNodes(ctx, graph.LabelEntity, PropUID)
	if err != nil {
		return r, storeErr(err, StepReset)
	}
	r.detail("entities", m)
	r.Deleted = n + m
	b.finish(&r, start)
	return r, nil
}
