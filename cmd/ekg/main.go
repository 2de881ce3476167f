// ekg builds event knowledge graphs from OCEL 2.0 logs and event tables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/ekg/internal/logging"
	"github.com/logflow/ekg/pkg/checkpoint"
	"github.com/logflow/ekg/pkg/config"
	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/backend"
	"github.com/logflow/ekg/pkg/telemetry"
	"github.com/logflow/ekg/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	storeKind  string
	storePath  string
	modelFile  string
	logLevel   string
	logFormat  string
	verbose    bool
	noProgress bool
)

// Loaded in PersistentPreRunE.
var (
	manager = config.NewManager()
	logger  = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		tui.New(os.Stderr).Failure(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ekg",
	Short: "ekg - Build event knowledge graphs",
	Long: `ekg turns OCEL 2.0 logs and flat event tables into event knowledge graphs:
events and entities connected by correlation, directly-follows and
attribute relations, stored in a graph database.

Configuration is read from /etc/ekg/config.yaml, ~/.ekg/config.yaml,
./.ekg.yaml, the --config file, .env and EKG_* variables, in that order.`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Config file (read after the standard locations)")
	pf.StringVar(&storeKind, "store", "", "Graph store kind ("+fmt.Sprint(backend.Kinds())+")")
	pf.StringVar(&storePath, "store-path", "", "Database file for duckdb and sqlite stores")
	pf.StringVarP(&modelFile, "model", "m", "", "Entity model file (overrides the config model)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (console, json)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")
	pf.BoolVar(&noProgress, "no-progress", false, "Disable progress output")
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	if err := manager.Load(configFile); err != nil {
		return err
	}
	cfg := manager.Get()

	if storeKind != "" {
		cfg.Store.Kind = storeKind
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if modelFile != "" {
		model, err := config.LoadModel(modelFile)
		if err != nil {
			return err
		}
		cfg.Model = model
	}

	l, err := logging.FromConfig(cfg.Log)
	if err != nil {
		return err
	}
	logger = l
	logger.Debug("configuration loaded", zap.Strings("files", manager.GetPaths()))
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// session bundles what a graph command needs.
type session struct {
	store       graph.Store
	storeName   string
	builder     *ekg.Builder
	telemetry   *telemetry.Provider
	checkpoints checkpoint.Backend
	progress    *tui.Progress
}

// openSession opens the configured store, checkpoint backend and tracer.
func openSession(ctx context.Context) (*session, error) {
	cfg := manager.Get()
	if err := manager.EnsureDirs(); err != nil {
		return nil, err
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	store, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	cps, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		_ = store.Close(ctx)
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	s := &session{
		store:       store,
		storeName:   backend.Name(cfg.Store),
		telemetry:   tp,
		checkpoints: cps,
	}
	opts := cfg.Import.Options()
	if !noProgress && isTerminal(os.Stderr) {
		s.progress = tui.NewProgress(os.Stderr)
		opts.OnBatch = s.progress.OnBatch
	}
	s.builder = ekg.NewBuilder(store, opts, logger)
	logger.Info("store opened", zap.String("store", s.storeName))
	return s, nil
}

// pipeline returns a pipeline over the session, resuming cp when set.
func (s *session) pipeline(cp *checkpoint.Checkpoint) *ekg.Pipeline {
	opts := []ekg.PipelineOption{ekg.WithTracer(s.telemetry.Tracer())}
	if s.checkpoints != nil {
		opts = append(opts, ekg.WithCheckpoints(s.checkpoints, s.storeName))
	}
	if cp != nil {
		opts = append(opts, ekg.WithResume(cp))
	}
	return ekg.NewPipeline(s.builder, opts...)
}

func (s *session) finishProgress() {
	if s.progress != nil {
		s.progress.Finish()
	}
}

func (s *session) Close() {
	s.finishProgress()
	// The run context may already be canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Close(ctx); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
	if c, ok := s.checkpoints.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
