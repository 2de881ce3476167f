package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address  string `yaml:"address" env:"EKG_REDIS_ADDRESS"`
	Password string `yaml:"password" env:"EKG_REDIS_PASSWORD"`
	Database int    `yaml:"database"`

	// Prefix namespaces every key
	Prefix string `yaml:"prefix"`

	// TTL expires run records (0 = keep)
	TTL time.Duration `yaml:"ttl"`

	Timeout  time.Duration `yaml:"timeout"`
	PoolSize int           `yaml:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "ekg:",
		TTL:      7 * 24 * time.Hour,
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisBackend keeps each run as a JSON string under <prefix>run:<id>.
// Two sorted sets scored by start time index the runs: <prefix>runs holds
// every id and <prefix>input:<path> the ids of one input.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	b := &RedisBackend{cfg: cfg, client: client}
	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Address, err)
	}
	return b, nil
}

func (b *RedisBackend) runKey(id string) string { return b.cfg.Prefix + "run:" + id }

func (b *RedisBackend) runsKey() string { return b.cfg.Prefix + "runs" }

func (b *RedisBackend) inputKey(input string) string {
	return b.cfg.Prefix + "input:" + strings.NewReplacer(" ", "_", "\n", "_").Replace(input)
}

func (b *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// Save writes the run and both index entries in one transaction.
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	member := redis.Z{Score: float64(cp.StartedAt.UnixNano()), Member: cp.ID}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.runKey(cp.ID), data, b.cfg.TTL)
		p.ZAdd(ctx, b.runsKey(), member)
		p.ZAdd(ctx, b.inputKey(cp.InputPath), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", cp.ID, err)
	}
	return nil
}

// Load returns the run with id.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	data, err := b.client.Get(ctx, b.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return decode(data)
}

// Delete removes a run from the store and the indexes.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	cp, err := b.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.runKey(id))
		p.ZRem(ctx, b.runsKey(), id)
		p.ZRem(ctx, b.inputKey(cp.InputPath), id)
		return nil
	})
	return err
}

// ids returns the members of an index, newest first when reverse is set.
func (b *RedisBackend) ids(ctx context.Context, key string, reverse bool) ([]string, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if reverse {
		return b.client.ZRevRange(ctx, key, 0, -1).Result()
	}
	return b.client.ZRange(ctx, key, 0, -1).Result()
}

// List returns the runs whose id starts with prefix, oldest first. Index
// entries whose run has expired are dropped.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	ids, err := b.ids(ctx, b.runsKey(), false)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []*Checkpoint
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		cp, err := b.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			b.client.ZRem(ctx, b.runsKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// FindByInput walks the input index from the newest run and returns the
// first one that is not complete.
func (b *RedisBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	ids, err := b.ids(ctx, b.inputKey(inputPath), true)
	if err != nil {
		return nil, fmt.Errorf("find run for %s: %w", inputPath, err)
	}
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cp.Phase != PhaseComplete {
			return cp, nil
		}
	}
	return nil, ErrNotFound
}

// Name returns "redis".
func (b *RedisBackend) Name() string { return "redis" }

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
