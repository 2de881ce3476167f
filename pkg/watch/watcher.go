// Package watch reruns work when input files change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// DefaultDebounce is how long a file must stay quiet before a change fires.
const DefaultDebounce = 500 * time.Millisecond

// Handler is called once per settled change of a watched file.
type Handler func(ctx context.Context, path string) error

// Watcher calls a Handler when watched files change. Handler calls are
// serialized: a change arriving while the handler runs is delivered after
// it returns.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	files map[string]*fileState
	runMu sync.Mutex
}

type fileState struct {
	modTime time.Time
	size    int64
	timer   *time.Timer
}

// changed reports whether info differs from the last seen state.
func (s *fileState) changed(info os.FileInfo) bool {
	return !info.ModTime().Equal(s.modTime) || info.Size() != s.size
}

// New creates a watcher. debounce <= 0 selects DefaultDebounce.
func New(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeInvalidConfig, "create file watcher")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		fs:       fs,
		debounce: debounce,
		logger:   logger,
		files:    make(map[string]*fileState),
	}, nil
}

// Add watches path. The containing directory is watched so editors that
// replace files atomically are still seen.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ekgerrors.Wrapf(err, ekgerrors.CodeFileNotFound, "resolve %s", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return ekgerrors.FileNotFound(path)
	}

	w.mu.Lock()
	w.files[abs] = &fileState{modTime: info.ModTime(), size: info.Size()}
	w.mu.Unlock()

	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return ekgerrors.Wrapf(err, ekgerrors.CodeInvalidConfig, "watch %s", filepath.Dir(abs))
	}
	return nil
}

// Run delivers changes to fn until ctx is done. Handler errors are logged
// and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, fn Handler) error {
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			w.schedule(ctx, abs, fn)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string, fn Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.files[path]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx, path, fn) })
}

func (w *Watcher) fire(ctx context.Context, path string, fn Handler) {
	if ctx.Err() != nil {
		return
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		// Mid-replace; the create event reschedules.
		return
	}
	w.mu.Lock()
	st := w.files[path]
	if !st.changed(info) {
		w.mu.Unlock()
		return
	}
	st.modTime, st.size = info.ModTime(), info.Size()
	w.mu.Unlock()

	w.logger.Info("input changed", zap.String("path", path))
	if err := fn(ctx, path); err != nil {
		w.logger.Error("rerun failed", zap.String("path", path), zap.Error(err))
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.files {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
