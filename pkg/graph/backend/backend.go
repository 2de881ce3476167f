// Package backend opens the configured graph.Store.
package backend

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/arangograph"
	"github.com/logflow/ekg/pkg/graph/memory"
	"github.com/logflow/ekg/pkg/graph/neo4jgraph"
	"github.com/logflow/ekg/pkg/graph/sqlgraph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Store kinds.
const (
	KindMemory = "memory"
	KindDuckDB = "duckdb"
	KindSQLite = "sqlite"
	KindNeo4j  = "neo4j"
	KindArango = "arango"
)

// Config selects and configures a store.
type Config struct {
	Kind string `yaml:"kind" env:"EKG_STORE"`
	// Path is the database file of the embedded SQL stores. Empty opens an
	// in-memory database.
	Path   string             `yaml:"path" env:"EKG_STORE_PATH"`
	Neo4j  neo4jgraph.Config  `yaml:"neo4j"`
	Arango arangograph.Config `yaml:"arango"`
}

type opener func(ctx context.Context, cfg Config, logger *zap.Logger) (graph.Store, error)

var openers = map[string]opener{
	KindMemory: func(context.Context, Config, *zap.Logger) (graph.Store, error) {
		return memory.New(), nil
	},
	KindDuckDB: openSQL(sqlgraph.DuckDB),
	KindSQLite: openSQL(sqlgraph.SQLite),
	KindNeo4j: func(ctx context.Context, cfg Config, logger *zap.Logger) (graph.Store, error) {
		return neo4jgraph.Open(ctx, cfg.Neo4j, logger)
	},
	KindArango: func(ctx context.Context, cfg Config, logger *zap.Logger) (graph.Store, error) {
		return arangograph.Open(ctx, cfg.Arango, logger)
	},
}

func openSQL(d sqlgraph.Dialect) opener {
	return func(ctx context.Context, cfg Config, logger *zap.Logger) (graph.Store, error) {
		if cfg.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlgraph.Open(ctx, d, cfg.Path)
	}
}

// Kinds lists the supported store kinds.
func Kinds() []string {
	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open returns the store selected by cfg.Kind.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (graph.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	open, ok := openers[cfg.Kind]
	if !ok {
		return nil, ekgerrors.Newf(ekgerrors.CodeInvalidConfig, "unknown store kind %q", cfg.Kind).
			WithContext("supported", Kinds())
	}
	s, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, ekgerrors.Wrapf(err, ekgerrors.CodeStoreUnavailable, "open %s store", cfg.Kind)
	}
	logger.Debug("graph store opened", zap.String("kind", cfg.Kind))
	return s, nil
}

// Name describes the store for checkpoints and reports.
func Name(cfg Config) string {
	switch cfg.Kind {
	case KindDuckDB, KindSQLite:
		if cfg.Path == "" {
			return cfg.Kind + ":memory"
		}
		return cfg.Kind + ":" + cfg.Path
	case KindNeo4j:
		return cfg.Kind + ":" + cfg.Neo4j.URI
	case KindArango:
		return cfg.Kind + ":" + cfg.Arango.URL + "/" + cfg.Arango.Database
	}
	return cfg.Kind
}
