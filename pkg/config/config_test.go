package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/graph/backend"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testManager(paths ...string) *Manager {
	m := NewManager()
	m.searchPaths = func() []string { return paths }
	m.envFile = ""
	return m
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadHierarchy(t *testing.T) {
	dir := t.TempDir()
	user := writeFile(t, dir, "user.yaml", `
store:
  kind: neo4j
  neo4j:
    uri: bolt://graph:7687
import:
  batch_size: 250
`)
	project := writeFile(t, dir, "project.yaml", `
import:
  concurrency: 2
model:
  entities:
    - type: Order
      attribute: orderId
  df:
    mode: per_type
`)
	m := testManager(user, filepath.Join(dir, "missing.yaml"), project)
	require.NoError(t, m.Load(""))

	cfg := m.Get()
	assert.Equal(t, []string{user, project}, m.GetPaths())
	assert.Equal(t, backend.KindNeo4j, cfg.Store.Kind)
	assert.Equal(t, "bolt://graph:7687", cfg.Store.Neo4j.URI)
	assert.Equal(t, "neo4j", cfg.Store.Neo4j.Username, "defaults survive partial sections")
	assert.Equal(t, 250, cfg.Import.BatchSize)
	assert.Equal(t, 2, cfg.Import.Concurrency)
	assert.Equal(t, ekg.ScopePerType, cfg.Model.DF.Mode)
	require.Len(t, cfg.Model.Entities, 1)
	assert.Equal(t, "orderId", cfg.Model.Entities[0].Attribute)
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "c.yaml", "store:\n  kind: duckdb\n")
	t.Setenv("EKG_STORE", "memory")
	t.Setenv("EKG_BATCH_SIZE", "64")

	m := testManager()
	require.NoError(t, m.Load(file))
	assert.Equal(t, backend.KindMemory, m.Get().Store.Kind)
	assert.Equal(t, 64, m.Get().Import.BatchSize)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "EKG_NEO4J_PASSWORD=s3cret\n")
	t.Setenv("EKG_NEO4J_PASSWORD", "")
	os.Unsetenv("EKG_NEO4J_PASSWORD")

	m := testManager()
	m.envFile = env
	require.NoError(t, m.Load(""))
	assert.Equal(t, "s3cret", m.Get().Store.Neo4j.Password)

	out, err := Describe(m.Get())
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Equal(t, "s3cret", m.Get().Store.Neo4j.Password, "describe does not mutate")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	err := testManager().Load(filepath.Join(dir, "absent.yaml"))
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeFileNotFound))

	bad := writeFile(t, dir, "bad.yaml", "import: [1, 2\n")
	err = testManager().Load(bad)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidConfig))

	invalid := writeFile(t, dir, "invalid.yaml", "import:\n  format: avro\n")
	err = testManager().Load(invalid)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidConfig))

	spec := writeFile(t, dir, "spec.yaml", "model:\n  entities:\n    - type: Order\n")
	err = testManager().Load(spec)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidEntitySpec))
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := testManager()
	require.NoError(t, m.Load(""))
	m.Get().Import.BatchSize = 42
	path := filepath.Join(dir, "out", "config.yaml")
	require.NoError(t, m.Save(path))

	m2 := testManager()
	require.NoError(t, m2.Load(path))
	assert.Equal(t, 42, m2.Get().Import.BatchSize)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	m := testManager()
	require.NoError(t, m.Load(""))
	cfg := m.Get()
	cfg.Import.CacheDir = filepath.Join(dir, "cache")
	cfg.Store.Path = filepath.Join(dir, "db", "graph.db")
	cfg.Checkpoint.Dir = filepath.Join(dir, "cp")
	require.NoError(t, m.EnsureDirs())
	assert.DirExists(t, filepath.Join(dir, "cache"))
	assert.DirExists(t, filepath.Join(dir, "db"))
	assert.DirExists(t, filepath.Join(dir, "cp"))
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "model.yaml", `
entities:
  - type: Order
    attribute: orderId
  - type: Resource
    attribute: resource
    where:
      - property: type
        op: in
        values: [pick, pack]
`)
	model, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, ekg.ScopeGlobal, model.DF.Mode)
	require.Len(t, model.Entities, 2)
	assert.Equal(t, ekg.OpIn, model.Entities[1].Where[0].Op)
	assert.Equal(t, []any{"pick", "pack"}, model.Entities[1].Where[0].Values)

	_, err = LoadModel(filepath.Join(dir, "none.yaml"))
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeFileNotFound))

	dup := writeFile(t, dir, "dup.yaml", "entities:\n  - {type: A, attribute: a}\n  - {type: A, attribute: b}\n")
	_, err = LoadModel(dup)
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeInvalidEntitySpec))
}
