package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/source"
	"github.com/logflow/ekg/pkg/tui"
	"github.com/logflow/ekg/pkg/watch"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <input>",
	Short: "Rebuild the graph whenever the input changes",
	Long: `Run the complete pipeline over a local input, then rebuild the graph from
scratch every time the file changes. Stop with Ctrl+C.

Examples:
  ekg watch orders.jsonocel --model model.yaml
  ekg watch events.xlsx --debounce 2s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "Quiet period before a change triggers a rebuild")
	watchCmd.Flags().BoolVar(&runFlags.noDF, "no-df", false, "Skip directly-follows relations")
	watchCmd.Flags().BoolVar(&runFlags.noLastState, "no-laststate", false, "Skip last-state materialization")
	watchCmd.Flags().BoolVar(&runFlags.perType, "per-type", false, "One DF_<EntityType> relation type per entity type")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := args[0]
	if source.IsRemote(path) {
		return ekgerrors.Newf(ekgerrors.CodeInvalidConfig, "cannot watch remote input %s", path)
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, err := watch.New(watchDebounce, logger)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	printer := tui.New(os.Stdout)
	var rebuilds atomic.Int64
	rebuild := func(ctx context.Context, _ string) error {
		rebuilds.Add(1)
		fmt.Printf("[%s] Rebuilding from %s\n", time.Now().Format("15:04:05"), path)
		in, err := loadInput(ctx, manager.Get(), path)
		if err != nil {
			return err
		}
		f := runFlags
		f.reset = true
		f.rebuild = true
		res, err := s.pipeline(nil).Run(ctx, in, f.plan(manager.Get().Model, in))
		s.finishProgress()
		if err != nil {
			printer.Failure(err)
			return err
		}
		printer.Result(res)
		return nil
	}

	if err := rebuild(ctx, path); err != nil {
		logger.Warn("initial build failed", zap.Error(err))
	}
	fmt.Printf("Watching %s (Ctrl+C to stop)\n\n", path)
	err = w.Run(ctx, rebuild)
	fmt.Printf("\nStopped after %d builds\n", rebuilds.Load())
	return err
}
