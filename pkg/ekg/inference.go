package ekg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// occurrence is one (event, value) pair selected by a spec.
type occurrence struct {
	eventID string
	uid     string
	value   any
}

func (b *Builder) scanEvents(ctx context.Context) ([]graph.Node, error) {
	var events []graph.Node
	err := b.store.ScanNodes(ctx, graph.LabelEvent, func(n graph.Node) error {
		events = append(events, n)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "scan events")
	}
	return events, nil
}

func selectOccurrences(spec EntitySpec, events []graph.Node) []occurrence {
	var out []occurrence
	for _, e := range events {
		if !spec.Match(e) {
			continue
		}
		for _, v := range graph.Values(e.Props[spec.Attribute]) {
			out = append(out, occurrence{eventID: e.ID, uid: spec.uid(v), value: v})
		}
	}
	return out
}

// specReport accumulates per-spec counts from concurrent passes.
type specReport struct {
	mu sync.Mutex
	StepReport
}

func (r *specReport) add(entityType string, entities, edges, existing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Created += entities + edges
	r.Skipped += existing
	if entities > 0 {
		r.detail("entities."+entityType, entities)
	}
	if edges > 0 {
		r.detail("corr."+entityType, edges)
	}
}

// forEachSpec runs fn for every spec with bounded concurrency. Specs target
// disjoint (EntityType, *) keyspaces.
func (b *Builder) forEachSpec(ctx context.Context, specs []EntitySpec, fn func(context.Context, EntitySpec) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := checkCtx(gctx, "entity spec "+spec.Type); err != nil {
				return err
			}
			return fn(gctx, spec)
		})
	}
	return g.Wait()
}

func (b *Builder) inferSpec(ctx context.Context, spec EntitySpec, occ []occurrence) (int, error) {
	seen := make(map[string]bool)
	var rows []graph.Properties
	for _, o := range occ {
		if seen[o.uid] {
			continue
		}
		seen[o.uid] = true
		rows = append(rows, graph.Properties{
			PropEntityType: spec.Type,
			PropEntityID:   o.value,
			PropUID:        o.uid,
		})
	}
	created := 0
	err := chunks(rows, b.opts.BatchSize, func(batch []graph.Properties) error {
		n, err := b.store.UpsertNodes(ctx, graph.LabelEntity, PropUID, batch)
		if err != nil {
			return storeErr(err, StepInfer)
		}
		created += n
		b.batch(StepInfer, len(batch))
		return nil
	})
	return created, err
}

func (b *Builder) correlateSpec(ctx context.Context, spec EntitySpec, occ []occurrence) (created, existing int, err error) {
	uids := make([]string, 0, len(occ))
	seen := make(map[string]bool)
	for _, o := range occ {
		if !seen[o.uid] {
			seen[o.uid] = true
			uids = append(uids, o.uid)
		}
	}
	entities := make(map[string]graph.Node, len(uids))
	err = chunks(uids, b.opts.BatchSize, func(batch []string) error {
		found, err := b.store.FindNodes(ctx, graph.LabelEntity, PropUID, batch)
		if err != nil {
			return storeErr(err, StepInfer)
		}
		for k, n := range found {
			entities[k] = n
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for _, uid := range uids {
		if _, ok := entities[uid]; !ok {
			return 0, 0, ekgerrors.UnresolvedEntityReference(spec.Type, uid)
		}
	}

	err = chunks(occ, b.opts.BatchSize, func(batch []occurrence) error {
		eb := graph.EdgeBatch{
			Type:      graph.RelCorr,
			FromLabel: graph.LabelEvent,
			ToLabel:   graph.LabelEntity,
			Rows:      make([]graph.EdgeRow, len(batch)),
		}
		for i, o := range batch {
			eb.Rows[i] = graph.EdgeRow{From: o.eventID, To: entities[o.uid].ID}
		}
		n, err := b.store.MergeEdges(ctx, eb)
		if err != nil {
			return storeErr(err, StepInfer)
		}
		created += n
		existing += len(batch) - n
		b.batch(StepInfer, len(batch))
		return nil
	})
	return created, existing, err
}

func (b *Builder) runSpecs(ctx context.Context, specs []EntitySpec, infer, correlate bool) (StepReport, error) {
	start := time.Now()
	r := &specReport{StepReport: StepReport{Step: StepInfer}}
	if err := ValidateSpecs(specs); err != nil {
		return r.StepReport, err
	}
	events, err := b.scanEvents(ctx)
	if err != nil {
		return r.StepReport, err
	}
	err = b.forEachSpec(ctx, specs, func(ctx context.Context, spec EntitySpec) error {
		occ := selectOccurrences(spec, events)
		var entities, edges, existing int
		if infer {
			n, err := b.inferSpec(ctx, spec, occ)
			if err != nil {
				return err
			}
			entities = n
		}
		if correlate {
			c, e, err := b.correlateSpec(ctx, spec, occ)
			if err != nil {
				return err
			}
			edges, existing = c, e
		}
		b.logger.Debug("entity spec processed",
			zap.String("type", spec.Type),
			zap.Int("occurrences", len(occ)),
			zap.Int("entities", entities),
			zap.Int("corr", edges),
		)
		r.add(spec.Type, entities, edges, existing)
		return nil
	})
	if err != nil {
		return r.StepReport, err
	}
	b.finish(&r.StepReport, start)
	return r.StepReport, nil
}

// InferEntities upserts one Entity per distinct attribute value of the
// events each spec selects. Re-running creates nothing new.
func (b *Builder) InferEntities(ctx context.Context, specs []EntitySpec) (StepReport, error) {
	return b.runSpecs(ctx, specs, true, false)
}

// Correlate merges a CORR edge from every selected event to the Entity of
// each of its attribute values. Entities must already exist; a missing one
// is an UnresolvedEntityReference error.
func (b *Builder) Correlate(ctx context.Context, specs []EntitySpec) (StepReport, error) {
	return b.runSpecs(ctx, specs, false, true)
}

// InferAndCorrelate infers and then correlates each spec. Specs run
// concurrently.
func (b *Builder) InferAndCorrelate(ctx context.Context, specs []EntitySpec) (StepReport, error) {
	return b.runSpecs(ctx, specs, true, true)
}
