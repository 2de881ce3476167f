package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/checkpoint"
	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/tui"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

var (
	runFlags  planFlags
	resumeRun string
	resetAll  bool
)

var importCmd = &cobra.Command{
	Use:   "import <input>",
	Short: "Load a log into the graph store",
	Long: `Load an OCEL 2.0 log, an event table or a directory of normalized CSV
tables into the graph store without building derived structure.

Inputs may be local paths or s3://bucket/key locations.

Examples:
  ekg import orders.jsonocel
  ekg import --reset events.csv --store neo4j
  ekg import ./tables/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], false, func(f planFlags, in ekg.Input) ekg.Plan {
			return ekg.Plan{Reset: f.reset}
		})
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Infer entities and directly-follows relations on the stored graph",
	Long: `Infer the entities of the configured model, correlate events to them and
build directly-follows relations over the events already in the store.

Examples:
  ekg build --model model.yaml
  ekg build --per-type --rebuild`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline("", false, func(f planFlags, in ekg.Input) ekg.Plan {
			p := f.plan(manager.Get().Model, in)
			p.LastState = false
			return p
		})
	},
}

var lastStateCmd = &cobra.Command{
	Use:   "laststate",
	Short: "Write the latest attribute values onto entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline("", false, func(planFlags, ekg.Input) ekg.Plan {
			return ekg.Plan{LastState: true}
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Import a log and build the complete graph",
	Long: `Run every step: import, entity inference and correlation,
directly-follows and last state.

With a checkpoint backend configured, progress is recorded after every
step. --resume continues a run: pass its id, or "latest" for the most
recent incomplete run over the same input.

Examples:
  ekg run orders.jsonocel --model model.yaml
  ekg run s3://logs/orders.jsonocel --store arango --reset
  ekg run orders.jsonocel --resume latest`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], true, func(f planFlags, in ekg.Input) ekg.Plan {
			return f.plan(manager.Get().Model, in)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove derived structure, or with --all the whole graph",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node and relationship counts of the stored graph",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	for _, c := range []*cobra.Command{importCmd, runCmd} {
		c.Flags().BoolVar(&runFlags.reset, "reset", false, "Clear the whole graph first")
	}
	for _, c := range []*cobra.Command{buildCmd, runCmd} {
		c.Flags().BoolVar(&runFlags.noDF, "no-df", false, "Skip directly-follows relations")
		c.Flags().BoolVar(&runFlags.perType, "per-type", false, "One DF_<EntityType> relation type per entity type")
		c.Flags().BoolVar(&runFlags.rebuild, "rebuild", false, "Replace existing directly-follows relations")
		c.Flags().StringSliceVar(&runFlags.types, "types", nil, "Restrict directly-follows to these entity types")
	}
	runCmd.Flags().BoolVar(&runFlags.noLastState, "no-laststate", false, "Skip last-state materialization")
	runCmd.Flags().StringVar(&resumeRun, "resume", "", `Resume a run by id, or "latest"`)
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "Delete every node and relationship")

	rootCmd.AddCommand(importCmd, buildCmd, lastStateCmd, runCmd, resetCmd, statsCmd)
}

// findResume loads the checkpoint named by id for location.
func findResume(ctx context.Context, s *session, location, id string) (*checkpoint.Checkpoint, error) {
	if s.checkpoints == nil {
		return nil, ekgerrors.New(ekgerrors.CodeInvalidConfig, "--resume needs a checkpoint backend")
	}
	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if id == "latest" {
		cp, err = s.checkpoints.FindByInput(ctx, location)
	} else {
		cp, err = s.checkpoints.Load(ctx, id)
	}
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, ekgerrors.Newf(ekgerrors.CodeInvalidConfig, "no run %q to resume", id).
			WithContext("input", location)
	}
	return cp, err
}

// runPipeline reads location (none for graph-only commands), opens a
// session and runs the plan built by planFor.
func runPipeline(location string, resumable bool, planFor func(planFlags, ekg.Input) ekg.Plan) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := manager.Get()
	var in ekg.Input
	if location != "" {
		var err error
		if in, err = loadInput(ctx, cfg, location); err != nil {
			return err
		}
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var cp *checkpoint.Checkpoint
	if resumable && resumeRun != "" {
		if cp, err = findResume(ctx, s, location, resumeRun); err != nil {
			return err
		}
		logger.Info("resuming run", zap.String("run", cp.ID))
	}

	res, err := s.pipeline(cp).Run(ctx, in, planFor(runFlags, in))
	s.finishProgress()
	if res != nil && len(res.Reports) > 0 && err != nil {
		tui.New(os.Stdout).Reports(res.Reports)
	}
	if err != nil {
		return err
	}
	tui.New(os.Stdout).Result(res)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	mode := ekg.ResetDerived
	if resetAll {
		mode = ekg.ResetAll
	}
	r, err := s.builder.Reset(ctx, mode)
	if err != nil {
		return err
	}
	tui.New(os.Stdout).Reports([]ekg.StepReport{r})
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	summary, err := s.builder.Summarize(ctx)
	if err != nil {
		return err
	}
	tui.New(os.Stdout).Summary(s.storeName, summary)
	return nil
}
