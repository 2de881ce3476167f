package ekg

import (
	"context"
	"time"

	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/ocel"
)

// Step names.
const (
	StepIndexes        = "ensure_indexes"
	StepLoadObjects    = "load_objects"
	StepLoadAttributes = "load_attributes"
	StepLinkAttributes = "link_attributes"
	StepLoadEvents     = "load_events"
	StepLoadRelations  = "load_relations"
	StepInfer          = "infer_correlate"
	StepDF             = "directly_follows"
	StepLastState      = "last_state"
	StepReset          = "reset"
)

var indexes = []struct{ label, prop string }{
	{graph.LabelEvent, PropID},
	{graph.LabelEntity, PropID},
	{graph.LabelEntity, PropUID},
	{graph.LabelEntityAttribute, PropID},
}

// EnsureIndexes declares the lookup indexes the later steps rely on.
func (b *Builder) EnsureIndexes(ctx context.Context) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepIndexes}
	for _, ix := range indexes {
		if err := b.store.EnsureIndex(ctx, ix.label, ix.prop); err != nil {
			return r, storeErr(err, StepIndexes)
		}
		r.Created++
	}
	b.finish(&r, start)
	return r, nil
}

func (b *Builder) createNodes(ctx context.Context, step, label string, rows []graph.Properties) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: step}
	err := chunks(rows, b.opts.BatchSize, func(batch []graph.Properties) error {
		if err := checkCtx(ctx, step); err != nil {
			return err
		}
		n, err := b.store.CreateNodes(ctx, label, batch)
		if err != nil {
			return storeErr(err, step)
		}
		r.Created += n
		b.batch(step, len(batch))
		return nil
	})
	if err != nil {
		return r, err
	}
	b.finish(&r, start)
	return r, nil
}

// LoadObjects creates one Entity node {id, type} per object row.
func (b *Builder) LoadObjects(ctx context.Context, rows []ocel.ObjectRow) (StepReport, error) {
	props := make([]graph.Properties, len(rows))
	for i, o := range rows {
		props[i] = graph.Properties{PropID: o.ID, PropType: o.Type}
	}
	return b.createNodes(ctx, StepLoadObjects, graph.LabelEntity, props)
}

// LoadObjectAttributes creates one EntityAttribute node per version.
func (b *Builder) LoadObjectAttributes(ctx context.Context, rows []ocel.ObjectAttributeRow) (StepReport, error) {
	props := make([]graph.Properties, len(rows))
	for i, a := range rows {
		p := graph.Properties{PropID: a.ID, PropName: a.Name, PropValue: a.Value}
		if !a.Time.IsZero() {
			p[PropTime] = a.Time
		}
		props[i] = p
	}
	return b.createNodes(ctx, StepLoadAttributes, graph.LabelEntityAttribute, props)
}

// LinkAttributes connects every Entity to the EntityAttribute nodes
// sharing its id.
func (b *Builder) LinkAttributes(ctx context.Context) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepLinkAttributes}
	n, err := b.store.Link(ctx, graph.LinkSpec{
		Type:      graph.RelHasAttribute,
		FromLabel: graph.LabelEntity,
		FromProp:  PropID,
		ToLabel:   graph.LabelEntityAttribute,
		ToProp:    PropID,
	})
	if err != nil {
		return r, storeErr(err, StepLinkAttributes)
	}
	r.Created = n
	b.finish(&r, start)
	return r, nil
}

// EventProperties returns the node properties of an event row.
func EventProperties(e ocel.EventRow) graph.Properties {
	p := make(graph.Properties, len(e.Attrs)+4)
	for k, v := range e.Attrs {
		p[k] = v
	}
	p[PropID] = e.ID
	p[PropType] = e.Type
	if !e.Time.IsZero() {
		p[PropTime] = e.Time
	}
	p[PropSeq] = e.Seq
	return p
}

// LoadEvents creates one Event node per row, carrying its ingestion
// sequence number.
func (b *Builder) LoadEvents(ctx context.Context, table *ocel.EventTable) (StepReport, error) {
	props := make([]graph.Properties, len(table.Rows))
	for i, e := range table.Rows {
		props[i] = EventProperties(e)
	}
	return b.createNodes(ctx, StepLoadEvents, graph.LabelEvent, props)
}

// LoadRelations merges one CORR edge per (event, object) pair carrying the
// qualifier of its first relation row. Rows naming unknown events or
// objects are skipped.
func (b *Builder) LoadRelations(ctx context.Context, rows []ocel.RelationRow) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: StepLoadRelations}
	err := chunks(rows, b.opts.BatchSize, func(batch []ocel.RelationRow) error {
		if err := checkCtx(ctx, StepLoadRelations); err != nil {
			return err
		}
		eb := graph.EdgeBatch{
			Type:      graph.RelCorr,
			FromLabel: graph.LabelEvent,
			FromKey:   PropID,
			ToLabel:   graph.LabelEntity,
			ToKey:     PropID,
			Rows:      make([]graph.EdgeRow, len(batch)),
		}
		for i, rel := range batch {
			eb.Rows[i] = graph.EdgeRow{
				From:  rel.EventID,
				To:    rel.ObjectID,
				Props: graph.Properties{PropQualifier: rel.Qualifier},
			}
		}
		n, err := b.store.MergeEdges(ctx, eb)
		if err != nil {
			return storeErr(err, StepLoadRelations)
		}
		r.Created += n
		r.Skipped += len(batch) - n
		b.batch(StepLoadRelations, len(batch))
		return nil
	})
	if err != nil {
		return r, err
	}
	b.finish(&r, start)
	return r, nil
}

type namedStep struct {
	name string
	run  func(context.Context) (StepReport, error)
}

func (b *Builder) tableSteps(t *ocel.Tables) []namedStep {
	return []namedStep{
		{StepIndexes, b.EnsureIndexes},
		{StepLoadObjects, func(ctx context.Context) (StepReport, error) { return b.LoadObjects(ctx, t.Objects) }},
		{StepLoadAttributes, func(ctx context.Context) (StepReport, error) { return b.LoadObjectAttributes(ctx, t.ObjectAttributes) }},
		{StepLinkAttributes, b.LinkAttributes},
		{StepLoadEvents, func(ctx context.Context) (StepReport, error) { return b.LoadEvents(ctx, &t.Events) }},
		{StepLoadRelations, func(ctx context.Context) (StepReport, error) { return b.LoadRelations(ctx, t.Relations) }},
	}
}

func (b *Builder) eventSteps(t *ocel.EventTable) []namedStep {
	return []namedStep{
		{StepIndexes, b.EnsureIndexes},
		{StepLoadEvents, func(ctx context.Context) (StepReport, error) { return b.LoadEvents(ctx, t) }},
	}
}

// LoadTables runs every import step over normalized tables.
func (b *Builder) LoadTables(ctx context.Context, t *ocel.Tables) ([]StepReport, error) {
	return runSteps(ctx, b.tableSteps(t))
}

func runSteps(ctx context.Context, steps []namedStep) ([]StepReport, error) {
	reports := make([]StepReport, 0, len(steps))
	for _, s := range steps {
		r, err := s.run(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (b *Builder) importCSV(ctx context.Context, step string, spec graph.CSVImport) (StepReport, error) {
	start := time.Now()
	r := StepReport{Step: step}
	spec.BatchSize = b.opts.BatchSize
	spec.OnBatch = func(rows int) { b.batch(step, rows) }
	n, err := graph.ImportCSV(ctx, b.store, spec)
	if err != nil {
		return r, storeErr(err, step)
	}
	r.Created = n
	b.finish(&r, start)
	return r, nil
}

func (b *Builder) artifactSteps(a ocel.Artifacts) []namedStep {
	csvStep := func(step string, spec graph.CSVImport) namedStep {
		return namedStep{step, func(ctx context.Context) (StepReport, error) { return b.importCSV(ctx, step, spec) }}
	}
	return []namedStep{
		{StepIndexes, b.EnsureIndexes},
		csvStep(StepLoadObjects, graph.CSVImport{Path: a.Objects, Label: graph.LabelEntity}),
		csvStep(StepLoadAttributes, graph.CSVImport{Path: a.ObjectAttributes, Label: graph.LabelEntityAttribute}),
		{StepLinkAttributes, b.LinkAttributes},
		csvStep(StepLoadEvents, graph.CSVImport{Path: a.Events, Label: graph.LabelEvent, ListCells: true, SeqProperty: PropSeq}),
		csvStep(StepLoadRelations, graph.CSVImport{
			Path: a.Relations,
			Relationship: &graph.CSVRelationship{
				Type:       graph.RelCorr,
				FromLabel:  graph.LabelEvent,
				FromKey:    PropID,
				FromColumn: "eventId",
				ToLabel:    graph.LabelEntity,
				ToKey:      PropID,
				ToColumn:   "objectId",
			},
		}),
	}
}

// ImportArtifacts loads the persisted table files. Stores with a native
// CSV loader read the files themselves.
func (b *Builder) ImportArtifacts(ctx context.Context, a ocel.Artifacts) ([]StepReport, error) {
	return runSteps(ctx, b.artifactSteps(a))
}
