package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointSteps(t *testing.T) {
	cp := New("orders.json", "memory")
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, PhaseRunning, cp.Phase)

	cp.MarkStep("load_events", StepState{Done: true, Created: 12})
	assert.True(t, cp.StepDone("load_events"))
	assert.False(t, cp.StepDone("infer"))
	assert.False(t, cp.Steps["load_events"].CompletedAt.IsZero())

	cp.MarkStep("infer", StepState{Error: "boom"})
	assert.Equal(t, PhaseFailed, cp.Phase)

	cp.ClearSteps("load_events", "infer")
	assert.Empty(t, cp.Steps)

	cp.Complete()
	assert.Equal(t, PhaseComplete, cp.Phase)
	assert.NotNil(t, cp.CompletedAt)
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	_, err = b.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	older := New("orders.json", "memory")
	older.StartedAt = time.Now().Add(-time.Hour)
	older.MarkStep("load_objects", StepState{Done: true, Created: 3})
	require.NoError(t, b.Save(ctx, older))

	newer := New("orders.json", "memory")
	require.NoError(t, b.Save(ctx, newer))

	done := New("orders.json", "memory")
	done.Complete()
	require.NoError(t, b.Save(ctx, done))

	loaded, err := b.Load(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Steps["load_objects"].Created)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	found, err := b.FindByInput(ctx, "orders.json")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)

	_, err = b.FindByInput(ctx, "other.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Delete(ctx, newer.ID))
	require.NoError(t, b.Delete(ctx, newer.ID))
	found, err = b.FindByInput(ctx, "orders.json")
	require.NoError(t, err)
	assert.Equal(t, older.ID, found.ID)
}

func TestMultiBackend(t *testing.T) {
	ctx := context.Background()
	primary, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	secondary, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	m := NewMultiBackend(primary, secondary)
	assert.Equal(t, "file+file", m.Name())

	cp := New("in.csv", "sqlite")
	require.NoError(t, m.Save(ctx, cp))
	require.NoError(t, primary.Delete(ctx, cp.ID))

	loaded, err := m.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Store)

	found, err := m.FindByInput(ctx, "in.csv")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, found.ID)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, Config{Backend: KindNone})
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = Open(ctx, Config{Backend: KindFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "file", b.Name())

	_, err = Open(ctx, Config{Backend: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: KindFile, Mirror: KindFile, Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: KindFile, Mirror: KindS3, Dir: t.TempDir()})
	assert.Error(t, err, "s3 mirror without a bucket")
}

func TestMultiBackendSurvivesMirrorFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	primary, err := NewLocalBackend(dir)
	require.NoError(t, err)
	broken, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	broken.dir = filepath.Join(dir, "missing", "nested")

	m := NewMultiBackend(primary, broken)
	cp := New("in.csv", "memory")
	require.NoError(t, m.Save(ctx, cp))
	loaded, err := m.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, loaded.ID)
	require.NoError(t, m.Close())
}
