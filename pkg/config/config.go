// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < .env and
// environment < flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/logflow/ekg/internal/logging"
	"github.com/logflow/ekg/pkg/checkpoint"
	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/eventtable"
	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/arangograph"
	"github.com/logflow/ekg/pkg/graph/backend"
	"github.com/logflow/ekg/pkg/graph/neo4jgraph"
	"github.com/logflow/ekg/pkg/source"
	"github.com/logflow/ekg/pkg/telemetry"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Config holds all ekg configuration.
type Config struct {
	Version int `yaml:"version"`

	Store      backend.Config    `yaml:"store"`
	Import     ImportConfig      `yaml:"import"`
	EventTable eventtable.Config `yaml:"event_table"`
	Model      ekg.Model         `yaml:"model"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	Log        logging.Config    `yaml:"log"`
	S3         source.S3Config   `yaml:"s3"`
}

// ImportConfig controls normalization and loading.
type ImportConfig struct {
	BatchSize   int `yaml:"batch_size" env:"EKG_BATCH_SIZE"`
	Concurrency int `yaml:"concurrency" env:"EKG_CONCURRENCY"`
	// Format of persisted table artifacts: csv | parquet.
	Format string `yaml:"format"`
	// OutputDir receives table artifacts; empty writes next to the input.
	OutputDir string `yaml:"output_dir"`
	// Bulk loads OCEL logs through the persisted CSV artifacts instead of
	// writing the in-memory tables.
	Bulk     bool   `yaml:"bulk"`
	CacheDir string `yaml:"cache_dir"`
}

// Options derives builder options.
func (c ImportConfig) Options() ekg.Options {
	return ekg.Options{BatchSize: c.BatchSize, Concurrency: c.Concurrency}
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	ekgDir := filepath.Join(homeDir, ".ekg")

	return &Config{
		Version: 1,
		Store: backend.Config{
			Kind: backend.KindSQLite,
			Path: filepath.Join(ekgDir, "graph.db"),
			Neo4j: neo4jgraph.Config{
				URI:      "neo4j://localhost:7687",
				Username: "neo4j",
			},
			Arango: arangograph.Config{
				URL:      "http://localhost:8529",
				Username: "root",
				Database: "ekg",
			},
		},
		Import: ImportConfig{
			BatchSize:   graph.DefaultBatchSize,
			Concurrency: 4,
			Format:      "csv",
			CacheDir:    filepath.Join(ekgDir, "cache"),
		},
		EventTable: eventtable.DefaultConfig(),
		Model:      ekg.Model{DF: ekg.Scope{Mode: ekg.ScopeGlobal}},
		Checkpoint: checkpoint.Config{
			Backend: checkpoint.KindFile,
			Dir:     filepath.Join(ekgDir, "checkpoints"),
			Redis:   checkpoint.DefaultRedisConfig("localhost:6379"),
			S3:      checkpoint.DefaultS3Config(""),
		},
		Telemetry: telemetry.DefaultConfig(),
		Log:       logging.Config{Level: "info", Format: "console"},
	}
}

// Validate checks the settings that have a closed set of values.
func (c *Config) Validate() error {
	if c.Import.BatchSize <= 0 {
		return ekgerrors.New(ekgerrors.CodeInvalidConfig, "import.batch_size must be positive")
	}
	if c.Import.Concurrency <= 0 {
		return ekgerrors.New(ekgerrors.CodeInvalidConfig, "import.concurrency must be positive")
	}
	switch c.Import.Format {
	case "csv", "parquet":
	default:
		return ekgerrors.Newf(ekgerrors.CodeInvalidConfig, "unknown import.format %q", c.Import.Format)
	}
	return c.Model.Validate()
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded

	searchPaths func() []string
	envFile     string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config:      Default(),
		searchPaths: defaultSearchPaths,
		envFile:     ".env",
	}
}

// Load loads configuration from all sources in priority order. explicit,
// if set, is read after the search paths and must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.searchPaths() {
		if err := m.loadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		m.paths = append(m.paths, path)
	}
	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ekgerrors.FileNotFound(explicit)
			}
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}
	return m.config.Validate()
}

// defaultSearchPaths returns config file paths in priority order.
func defaultSearchPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/ekg/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ekg", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".ekg.yaml"))
	}

	return paths
}

// loadFile decodes a config file over the current values, so only keys
// present in the file override.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, m.config); err != nil {
		return ekgerrors.Wrapf(err, ekgerrors.CodeInvalidConfig, "parse %s", path)
	}
	return nil
}

// loadEnv reads .env without overriding the process environment, then
// applies every EKG_* variable.
func (m *Manager) loadEnv() error {
	if m.envFile != "" {
		if err := godotenv.Load(m.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ekgerrors.Wrapf(err, ekgerrors.CodeInvalidConfig, "read %s", m.envFile)
		}
	}
	if err := cleanenv.UpdateEnv(m.config); err != nil {
		return ekgerrors.Wrap(err, ekgerrors.CodeInvalidConfig, "read environment")
	}
	return nil
}

// EnsureDirs creates the local directories the configuration points at.
func (m *Manager) EnsureDirs() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dirs := []string{m.config.Import.CacheDir}
	if m.config.Store.Path != "" {
		dirs = append(dirs, filepath.Dir(m.config.Store.Path))
	}
	if m.config.Checkpoint.Backend == checkpoint.KindFile {
		dirs = append(dirs, m.config.Checkpoint.Dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadModel reads a standalone model file: the entities to infer and the
// directly-follows scope.
func LoadModel(path string) (ekg.Model, error) {
	var model ekg.Model
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model, ekgerrors.FileNotFound(path)
		}
		return model, err
	}
	if err := yaml.Unmarshal(data, &model); err != nil {
		return model, ekgerrors.Wrapf(err, ekgerrors.CodeInvalidEntitySpec, "parse model %s", path)
	}
	if model.DF.Mode == "" {
		model.DF.Mode = ekg.ScopeGlobal
	}
	if err := model.Validate(); err != nil {
		return model, err
	}
	return model, nil
}

// Describe renders the effective configuration with secrets masked.
func Describe(c *Config) (string, error) {
	masked := *c
	for _, secret := range []*string{
		&masked.Store.Neo4j.Password,
		&masked.Store.Arango.Password,
		&masked.Checkpoint.Redis.Password,
		&masked.S3.SecretAccessKey,
		&masked.S3.SessionToken,
		&masked.Checkpoint.S3.SecretAccessKey,
		&masked.Checkpoint.S3.SessionToken,
	} {
		if *secret != "" {
			*secret = "********"
		}
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
