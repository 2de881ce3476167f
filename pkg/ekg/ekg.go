// Package ekg builds an event knowledge graph on top of a graph.Store:
// it loads the canonical tables, infers entities from event attributes,
// correlates events to entities, derives directly-follows relations per
// entity and materializes the last known attribute values of objects.
package ekg

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Property names written by the builder.
const (
	PropID         = "id"
	PropType       = "type"
	PropTime       = "time"
	PropSeq        = "ingestSeq"
	PropName       = "name"
	PropValue      = "value"
	PropQualifier  = "qualifier"
	PropEntityType = "EntityType"
	PropEntityID   = "ID"
	PropUID        = "uID"
)

// Options configures a Builder.
type Options struct {
	// BatchSize bounds the number of rows per store write.
	BatchSize int
	// Concurrency bounds how many entity specs are processed at once.
	Concurrency int
	// OnBatch is called after every committed batch with the step name
	// and the number of rows in the batch.
	OnBatch func(step string, rows int)
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{BatchSize: graph.DefaultBatchSize, Concurrency: 4}
}

// Builder runs graph construction steps against a store.
type Builder struct {
	store  graph.Store
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a builder. A nil logger disables logging.
func NewBuilder(store graph.Store, opts Options, logger *zap.Logger) *Builder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = graph.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, opts: opts, logger: logger}
}

// Store returns the underlying store.
func (b *Builder) Store() graph.Store { return b.store }

// StepReport is the outcome of one step. Zero counts mean the step was a
// no-op, not that it was skipped.
type StepReport struct {
	Step     string
	Created  int
	Updated  int
	Deleted  int
	Skipped  int
	Duration time.Duration
	Details  map[string]int
}

func (r *StepReport) detail(key string, n int) {
	if r.Details == nil {
		r.Details = make(map[string]int)
	}
	r.Details[key] += n
}

func (b *Builder) batch(step string, rows int) {
	if b.opts.OnBatch != nil {
		b.opts.OnBatch(step, rows)
	}
}

func (b *Builder) finish(r *StepReport, start time.Time) {
	r.Duration = time.Since(start)
	b.logger.Info("step complete",
		zap.String("step", r.Step),
		zap.Int("created", r.Created),
		zap.Int("updated", r.Updated),
		zap.Int("deleted", r.Deleted),
		zap.Int("skipped", r.Skipped),
		zap.Duration("duration", r.Duration),
	)
}

// chunks calls fn for consecutive slices of at most size elements.
func chunks[T any](items []T, size int, fn func([]T) error) error {
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func checkCtx(ctx context.Context, op string) error {
	if ctx.Err() != nil {
		return ekgerrors.ContextCanceled(op)
	}
	return nil
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if ekgerrors.GetCode(err) != ekgerrors.CodeUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ekgerrors.Wrap(err, ekgerrors.CodeContextCanceled, "operation canceled").WithContext("operation", op)
	}
	return ekgerrors.StorageFailure(err, op)
}
