package ekg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/ekg/pkg/checkpoint"
	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/ocel"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

var resourcePlan = Plan{
	Model:           Model{Entities: []EntitySpec{{Type: "Resource", Attribute: "resource"}}},
	DirectlyFollows: true,
	LastState:       true,
}

func stepNames(reports []StepReport) []string {
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Step
	}
	return names
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()
	backend, err := checkpoint.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	b, s := newBuilder(t)

	plan := resourcePlan
	plan.Reset = true
	p := NewPipeline(b, WithCheckpoints(backend, "memory"))
	res, err := p.Run(ctx, Input{Name: "orders.json", Tables: orderTables(t)}, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{
		StepReset, StepIndexes, StepLoadObjects, StepLoadAttributes, StepLinkAttributes,
		StepLoadEvents, StepLoadRelations, StepInfer, StepDF, StepLastState,
	}, stepNames(res.Reports))
	assert.EqualValues(t, 5, count(t, s, graph.LabelEntity, ""))
	assert.EqualValues(t, 7, count(t, s, "", graph.RelCorr))
	assert.EqualValues(t, 2, count(t, s, "", graph.RelDF))

	cp, err := backend.Load(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseComplete, cp.Phase)
	assert.True(t, cp.StepDone(StepLastState))
	assert.Equal(t, 3, cp.Steps[StepLoadEvents].Created)
}

func TestPipelineStepOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newBuilder(t)
	p := NewPipeline(b)

	_, err := p.Step(ctx, StepDF, func(ctx context.Context) (StepReport, error) {
		return b.BuildDirectlyFollows(ctx, Scope{})
	})
	require.Error(t, err)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStepOrder))

	_, err = p.Step(ctx, StepLastState, b.MaterializeLastState)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStepOrder))

	_, err = p.Step(ctx, StepLoadEvents, func(ctx context.Context) (StepReport, error) {
		return b.LoadEvents(ctx, &ocel.EventTable{Rows: []ocel.EventRow{event("e1", "a", at(0), 0, nil)}})
	})
	require.NoError(t, err)
	assert.True(t, p.Done(StepLoadEvents))

	_, err = p.Step(ctx, StepDF, func(ctx context.Context) (StepReport, error) {
		return b.BuildDirectlyFollows(ctx, Scope{})
	})
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStepOrder), "DF still needs correlations")
}

func TestPipelineLastStateNeedsAttributes(t *testing.T) {
	ctx := context.Background()
	backend, err := checkpoint.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	b, _ := newBuilder(t)

	events := &ocel.EventTable{Rows: []ocel.EventRow{
		event("e1", "a", at(0), 0, map[string]any{"resource": "Ann"}),
		event("e2", "b", at(1), 1, map[string]any{"resource": "Ann"}),
	}}
	res, err := NewPipeline(b, WithCheckpoints(backend, "memory")).Run(ctx, Input{Name: "log.csv", Events: events}, resourcePlan)
	require.Error(t, err)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeStepOrder))

	cp, err := backend.Load(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, cp.Phase)
	assert.True(t, cp.StepDone(StepDF))
}

func TestPipelineBuildsOnExistingGraph(t *testing.T) {
	ctx := context.Background()
	b, s := newBuilder(t)
	_, err := b.LoadTables(ctx, orderTables(t))
	require.NoError(t, err)

	res, err := NewPipeline(b).Run(ctx, Input{}, resourcePlan)
	require.NoError(t, err)
	assert.Equal(t, []string{StepInfer, StepDF, StepLastState}, stepNames(res.Reports))
	assert.EqualValues(t, 2, count(t, s, "", graph.RelDF))
}

func TestPipelineResumeRebuildsDerivedStructure(t *testing.T) {
	ctx := context.Background()
	tables := orderTables(t)
	b, s := newBuilder(t)
	_, err := b.LoadTables(ctx, tables)
	require.NoError(t, err)
	_, err = b.InferAndCorrelate(ctx, resourcePlan.Model.Entities)
	require.NoError(t, err)
	_, err = b.BuildDirectlyFollows(ctx, Scope{})
	require.NoError(t, err)

	cp := checkpoint.New("orders.json", "memory")
	for _, step := range b.tableSteps(tables) {
		cp.MarkStep(step.name, checkpoint.StepState{Done: true})
	}
	cp.MarkStep(StepInfer, checkpoint.StepState{Done: true})
	cp.MarkStep(StepDF, checkpoint.StepState{Error: "connection reset"})

	res, err := NewPipeline(b, WithResume(cp)).Run(ctx, Input{Name: "orders.json", Tables: tables}, resourcePlan)
	require.NoError(t, err)
	assert.Len(t, res.Resumed, 6)
	assert.Equal(t, []string{StepReset, StepInfer, StepDF, StepLastState}, stepNames(res.Reports))
	assert.Equal(t, checkpoint.PhaseComplete, cp.Phase)

	assert.EqualValues(t, 3, count(t, s, graph.LabelEvent, ""))
	assert.EqualValues(t, 5, count(t, s, graph.LabelEntity, ""))
	assert.EqualValues(t, 7, count(t, s, "", graph.RelCorr))
	assert.EqualValues(t, 2, count(t, s, "", graph.RelDF))
}

func TestPipelineResumeRestartsIncompleteImport(t *testing.T) {
	ctx := context.Background()
	tables := orderTables(t)
	b, s := newBuilder(t)
	_, err := b.LoadObjects(ctx, tables.Objects)
	require.NoError(t, err)

	cp := checkpoint.New("orders.json", "memory")
	cp.MarkStep(StepReset, checkpoint.StepState{Done: true})
	cp.MarkStep(StepIndexes, checkpoint.StepState{Done: true})
	cp.MarkStep(StepLoadObjects, checkpoint.StepState{Done: true})
	cp.MarkStep(StepLoadAttributes, checkpoint.StepState{Error: "timeout"})

	res, err := NewPipeline(b, WithResume(cp)).Run(ctx, Input{Name: "orders.json", Tables: tables}, resourcePlan)
	require.NoError(t, err)
	assert.Empty(t, res.Resumed)
	assert.Equal(t, StepReset, res.Reports[0].Step)
	assert.Equal(t, graphCounts{events: 3, entities: 5, attrs: 2, links: 2, corr: 7}, countsOf(t, s))
}
