package checkpoint

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no checkpoint matches.
var ErrNotFound = errors.New("checkpoint not found")

// Backend persists checkpoints.
type Backend interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, prefix string) ([]*Checkpoint, error)

	// FindByInput finds the latest incomplete checkpoint for an input.
	FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error)

	// Name returns the backend name for logging.
	Name() string
}

// MultiBackend mirrors every run into a second backend. Reads prefer the
// primary and fall back to the mirror, so a local file mirror keeps runs
// resumable while a shared backend is unreachable.
type MultiBackend struct {
	primary Backend
	mirror  Backend
}

// NewMultiBackend creates a mirrored backend.
func NewMultiBackend(primary, mirror Backend) *MultiBackend {
	return &MultiBackend{primary: primary, mirror: mirror}
}

// Save writes to both backends and fails only if neither accepted the run.
func (m *MultiBackend) Save(ctx context.Context, cp *Checkpoint) error {
	perr := m.primary.Save(ctx, cp)
	merr := m.mirror.Save(ctx, cp)
	if perr != nil && merr != nil {
		return errors.Join(perr, merr)
	}
	return nil
}

// Load reads from the primary, then the mirror.
func (m *MultiBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if cp, err := m.primary.Load(ctx, id); err == nil {
		return cp, nil
	}
	return m.mirror.Load(ctx, id)
}

// Delete removes the run from both backends.
func (m *MultiBackend) Delete(ctx context.Context, id string) error {
	return errors.Join(m.primary.Delete(ctx, id), m.mirror.Delete(ctx, id))
}

// List lists from the primary, or the mirror when the primary fails.
func (m *MultiBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	if out, err := m.primary.List(ctx, prefix); err == nil {
		return out, nil
	}
	return m.mirror.List(ctx, prefix)
}

// FindByInput searches the primary, then the mirror.
func (m *MultiBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	if cp, err := m.primary.FindByInput(ctx, inputPath); err == nil {
		return cp, nil
	}
	return m.mirror.FindByInput(ctx, inputPath)
}

// Name returns "primary+mirror".
func (m *MultiBackend) Name() string {
	return m.primary.Name() + "+" + m.mirror.Name()
}

// Close closes both backends where they hold connections.
func (m *MultiBackend) Close() error {
	var errs []error
	for _, b := range []Backend{m.primary, m.mirror} {
		if c, ok := b.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Backend kinds.
const (
	KindNone  = "none"
	KindFile  = "file"
	KindRedis = "redis"
	KindS3    = "s3"
)

// Config selects where run records are kept.
type Config struct {
	Backend string `yaml:"backend" env:"EKG_CHECKPOINT_BACKEND"`
	// Mirror optionally names a second backend receiving every run.
	Mirror string      `yaml:"mirror" env:"EKG_CHECKPOINT_MIRROR"`
	Dir    string      `yaml:"dir" env:"EKG_CHECKPOINT_DIR"`
	Redis  RedisConfig `yaml:"redis"`
	S3     S3Config    `yaml:"s3"`
}

func open(ctx context.Context, kind string, cfg Config) (Backend, error) {
	switch kind {
	case KindFile:
		return NewLocalBackend(cfg.Dir)
	case KindRedis:
		return NewRedisBackend(ctx, cfg.Redis)
	case KindS3:
		return NewS3Backend(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", kind)
}

// Open returns the configured backend, mirrored when cfg.Mirror is set,
// or nil for "none".
func Open(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Backend == KindNone || cfg.Backend == "" {
		return nil, nil
	}
	primary, err := open(ctx, cfg.Backend, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Mirror == "" || cfg.Mirror == KindNone {
		return primary, nil
	}
	if cfg.Mirror == cfg.Backend {
		return nil, fmt.Errorf("checkpoint mirror must differ from backend %q", cfg.Backend)
	}
	mirror, err := open(ctx, cfg.Mirror, cfg)
	if err != nil {
		if c, ok := primary.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return NewMultiBackend(primary, mirror), nil
}
