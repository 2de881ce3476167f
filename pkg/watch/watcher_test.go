package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

func TestAddMissingFile(t *testing.T) {
	w, err := New(0, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.Add(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeFileNotFound))
}

func TestRunDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.json")
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))

	w, err := New(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(path))

	var (
		mu    sync.Mutex
		calls []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, p string) error {
			mu.Lock()
			calls = append(calls, p)
			mu.Unlock()
			return nil
		})
	}()

	// A burst of writes settles into one call; unwatched files are ignored.
	for i := 1; i <= 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"n": `+string(rune('0'+i))+`}`), 0o644))
		require.NoError(t, os.WriteFile(other, []byte("[]"), 0o644))
	}

	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{abs}, calls)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestFileStateChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	st := &fileState{modTime: info.ModTime(), size: info.Size()}
	assert.False(t, st.changed(info))
	st.size = 1
	assert.True(t, st.changed(info))
}
