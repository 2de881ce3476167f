package ekg

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/checkpoint"
	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/ocel"
	"github.com/logflow/ekg/pkg/telemetry"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// prerequisites lists, per step, the steps that must have completed first.
var prerequisites = map[string][]string{
	StepLinkAttributes: {StepLoadObjects, StepLoadAttributes},
	StepLoadRelations:  {StepLoadObjects, StepLoadEvents},
	StepInfer:          {StepLoadEvents},
	StepDF:             {StepLoadEvents},
	StepLastState:      {StepLinkAttributes},
}

// correlation steps; DF needs at least one of them.
var correlationSteps = []string{StepInfer, StepLoadRelations}

var importSteps = []string{
	StepIndexes, StepLoadObjects, StepLoadAttributes, StepLinkAttributes, StepLoadEvents, StepLoadRelations,
}

var constructionSteps = []string{StepInfer, StepDF, StepLastState}

// Input is what a pipeline run imports. At most one of Tables, Artifacts
// and Events is set; with none the run builds on the graph already in the
// store.
type Input struct {
	// Name identifies the input in checkpoints.
	Name      string
	Tables    *ocel.Tables
	Artifacts *ocel.Artifacts
	Events    *ocel.EventTable
}

func (in Input) empty() bool {
	return in.Tables == nil && in.Artifacts == nil && in.Events == nil
}

// Plan selects the steps of a run.
type Plan struct {
	// Reset clears the whole graph before importing.
	Reset bool
	Model Model
	// DirectlyFollows builds DF relations after correlation.
	DirectlyFollows bool
	// LastState materializes object attribute values.
	LastState bool
}

// Result summarizes a run.
type Result struct {
	RunID    string
	Reports  []StepReport
	Resumed  []string
	Duration time.Duration
}

// Pipeline runs the construction steps in order, enforcing their
// preconditions, and records progress in an optional checkpoint backend.
type Pipeline struct {
	b           *Builder
	tracer      trace.Tracer
	checkpoints checkpoint.Backend
	storeName   string
	resume      *checkpoint.Checkpoint
	cp          *checkpoint.Checkpoint
	done        map[string]bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTracer traces every step.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// WithCheckpoints saves progress after every step.
func WithCheckpoints(backend checkpoint.Backend, storeName string) PipelineOption {
	return func(p *Pipeline) {
		p.checkpoints = backend
		p.storeName = storeName
	}
}

// WithResume continues the run recorded in cp.
func WithResume(cp *checkpoint.Checkpoint) PipelineOption {
	return func(p *Pipeline) { p.resume = cp }
}

// NewPipeline creates a pipeline over b.
func NewPipeline(b *Builder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		b:      b,
		tracer: noop.NewTracerProvider().Tracer(telemetry.InstrumentationName),
		done:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Done reports whether step completed in this pipeline.
func (p *Pipeline) Done(step string) bool { return p.done[step] }

func (p *Pipeline) checkOrder(step string) error {
	var missing []string
	for _, pre := range prerequisites[step] {
		if !p.done[pre] {
			missing = append(missing, pre)
		}
	}
	if step == StepDF && !p.done[StepInfer] && !p.done[StepLoadRelations] {
		missing = append(missing, correlationSteps...)
	}
	if len(missing) > 0 {
		return ekgerrors.New(ekgerrors.CodeStepOrder, "step run before its prerequisites").
			WithContext("step", step).
			WithContext("missing", missing)
	}
	return nil
}

func (p *Pipeline) save(ctx context.Context) {
	if p.checkpoints == nil || p.cp == nil {
		return
	}
	if err := p.checkpoints.Save(ctx, p.cp); err != nil {
		p.b.logger.Warn("failed to save checkpoint",
			zap.String("run", p.cp.ID),
			zap.String("backend", p.checkpoints.Name()),
			zap.Error(err),
		)
	}
}

// Step runs one named step after checking its prerequisites.
func (p *Pipeline) Step(ctx context.Context, step string, fn func(context.Context) (StepReport, error)) (StepReport, error) {
	if p.resume != nil && p.cp != nil && p.cp.StepDone(step) {
		p.done[step] = true
		r := StepReport{Step: step}
		r.detail("resumed", 1)
		return r, nil
	}
	if err := p.checkOrder(step); err != nil {
		return StepReport{Step: step}, err
	}
	ctx, span := p.tracer.Start(ctx, "ekg."+step)
	r, err := fn(ctx)
	telemetry.EndSpan(span, err,
		attribute.Int("created", r.Created),
		attribute.Int("updated", r.Updated),
		attribute.Int("deleted", r.Deleted),
		attribute.Int("skipped", r.Skipped),
	)
	if p.cp != nil {
		st := checkpoint.StepState{Done: err == nil, Created: r.Created, Updated: r.Updated, Deleted: r.Deleted}
		if err != nil {
			st.Error = err.Error()
		}
		p.cp.MarkStep(step, st)
		p.save(ctx)
	}
	if err != nil {
		return r, err
	}
	p.done[step] = true
	return r, nil
}

// adopt marks import steps as done when the store already holds their
// output.
func (p *Pipeline) adopt(ctx context.Context) error {
	s := p.b.store
	events, err := s.CountNodes(ctx, graph.LabelEvent)
	if err != nil {
		return storeErr(err, "count events")
	}
	attrs, err := s.CountNodes(ctx, graph.LabelEntityAttribute)
	if err != nil {
		return storeErr(err, "count attributes")
	}
	links, err := s.CountEdges(ctx, graph.RelHasAttribute)
	if err != nil {
		return storeErr(err, "count attribute links")
	}
	corr, err := s.CountEdges(ctx, graph.RelCorr)
	if err != nil {
		return storeErr(err, "count correlations")
	}
	p.done[StepIndexes] = true
	if events > 0 {
		p.done[StepLoadEvents] = true
	}
	if attrs > 0 {
		p.done[StepLoadObjects] = true
		p.done[StepLoadAttributes] = true
	}
	if links > 0 {
		p.done[StepLinkAttributes] = true
	}
	if corr > 0 && events > 0 {
		p.done[StepLoadRelations] = true
	}
	return nil
}

func (p *Pipeline) importSteps(in Input) []namedStep {
	switch {
	case in.Tables != nil:
		return p.b.tableSteps(in.Tables)
	case in.Artifacts != nil:
		return p.b.artifactSteps(*in.Artifacts)
	case in.Events != nil:
		return p.b.eventSteps(in.Events)
	}
	return nil
}

// prepareResume decides what a resumed run must redo. An incomplete import
// cannot be continued, so the graph is cleared and the run restarts. An
// incomplete construction resets derived structure and restarts from
// inference.
func (p *Pipeline) prepareResume(ctx context.Context, steps []namedStep, res *Result) (resetAll bool, err error) {
	cp := p.resume
	for _, s := range steps {
		if !cp.StepDone(s.name) {
			p.b.logger.Info("resumed run has an incomplete import, restarting",
				zap.String("run", cp.ID),
				zap.String("step", s.name),
			)
			cp.ClearSteps(append(append([]string{StepReset}, importSteps...), constructionSteps...)...)
			return true, nil
		}
	}
	for _, s := range steps {
		p.done[s.name] = true
		res.Resumed = append(res.Resumed, s.name)
	}
	if cp.Phase == checkpoint.PhaseComplete {
		return false, nil
	}
	cp.ClearSteps(constructionSteps...)
	r, err := p.b.Reset(ctx, ResetDerived)
	if err != nil {
		return false, err
	}
	res.Reports = append(res.Reports, r)
	return false, nil
}

// Run executes plan over in.
func (p *Pipeline) Run(ctx context.Context, in Input, plan Plan) (*Result, error) {
	start := time.Now()
	if err := plan.Model.Validate(); err != nil {
		return nil, err
	}
	res := &Result{}
	steps := p.importSteps(in)

	resetAll := plan.Reset
	switch {
	case p.resume != nil:
		p.cp = p.resume
		ra, err := p.prepareResume(ctx, steps, res)
		if err != nil {
			return res, err
		}
		p.cp.SetPhase(checkpoint.PhaseRunning)
		resetAll = resetAll || ra
	case p.checkpoints != nil:
		p.cp = checkpoint.New(in.Name, p.storeName)
	}
	if p.cp != nil {
		res.RunID = p.cp.ID
		p.cp.SetMetadata("entities", len(plan.Model.Entities))
	}

	if resetAll {
		r, err := p.Step(ctx, StepReset, func(ctx context.Context) (StepReport, error) {
			return p.b.Reset(ctx, ResetAll)
		})
		if err != nil {
			return res, p.fail(ctx, err)
		}
		res.Reports = append(res.Reports, r)
	}

	if in.empty() {
		if err := p.adopt(ctx); err != nil {
			return res, p.fail(ctx, err)
		}
	}
	for _, s := range steps {
		if p.done[s.name] {
			continue
		}
		r, err := p.Step(ctx, s.name, s.run)
		if err != nil {
			return res, p.fail(ctx, err)
		}
		res.Reports = append(res.Reports, r)
	}

	if len(plan.Model.Entities) > 0 {
		r, err := p.Step(ctx, StepInfer, func(ctx context.Context) (StepReport, error) {
			return p.b.InferAndCorrelate(ctx, plan.Model.Entities)
		})
		if err != nil {
			return res, p.fail(ctx, err)
		}
		res.Reports = append(res.Reports, r)
	}
	if plan.DirectlyFollows {
		r, err := p.Step(ctx, StepDF, func(ctx context.Context) (StepReport, error) {
			return p.b.BuildDirectlyFollows(ctx, plan.Model.DF)
		})
		if err != nil {
			return res, p.fail(ctx, err)
		}
		res.Reports = append(res.Reports, r)
	}
	if plan.LastState {
		r, err := p.Step(ctx, StepLastState, p.b.MaterializeLastState)
		if err != nil {
			return res, p.fail(ctx, err)
		}
		res.Reports = append(res.Reports, r)
	}

	res.Duration = time.Since(start)
	if p.cp != nil {
		p.cp.Complete()
		p.save(ctx)
	}
	p.b.logger.Info("pipeline complete",
		zap.String("run", res.RunID),
		zap.Int("steps", len(res.Reports)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, err error) error {
	if p.cp != nil {
		p.cp.SetPhase(checkpoint.PhaseFailed)
		p.save(ctx)
	}
	return err
}
