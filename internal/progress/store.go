package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by a StatusStore for unknown ids.
var ErrNotFound = errors.New("status not found")

// StatusStore persists snapshots beyond the tracker's in-memory retention.
type StatusStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

// MemoryStatusStore keeps snapshots in a map. It is the default store.
type MemoryStatusStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStatusStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.OperationID] = snap.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStatusStore) Load(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap.clone(), nil
}

// RedisConfig configures the Redis status store.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address  string
	Password string
	Database int

	// Prefix is prepended to all keys.
	Prefix string

	// TTL applies to snapshots of finished operations (0 = no expiration).
	TTL time.Duration

	// Timeout for Redis operations.
	Timeout time.Duration
}

// DefaultRedisConfig returns defaults for address.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "feedloader:operations:",
		TTL:     24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// RedisStatusStore stores snapshots as JSON strings. Unfinished operations
// are also kept in an "active" set.
type RedisStatusStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStatusStore connects to Redis and pings it.
func NewRedisStatusStore(cfg RedisConfig) (*RedisStatusStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStatusStore{cfg: cfg, client: client}, nil
}

func (r *RedisStatusStore) key(id string) string {
	return r.cfg.Prefix + id
}

func (r *RedisStatusStore) activeSetKey() string {
	return r.cfg.Prefix + "active"
}

func (r *RedisStatusStore) Save(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	var ttl time.Duration
	if snap.Status.Terminal() {
		ttl = r.cfg.TTL
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(snap.OperationID), data, ttl)
	if snap.Status.Terminal() {
		pipe.SRem(ctx, r.activeSetKey(), snap.OperationID)
	} else {
		pipe.SAdd(ctx, r.activeSetKey(), snap.OperationID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save status to redis: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) Load(ctx context.Context, id string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("load status from redis: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal status: %w", err)
	}
	return snap, nil
}

// ActiveIDs lists operations whose last saved status was not terminal.
// After a crash these are the operations that never finished.
func (r *RedisStatusStore) ActiveIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, r.activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active operations: %w", err)
	}
	return ids, nil
}

// Close closes the Redis client.
func (r *RedisStatusStore) Close() error {
	return r.client.Close()
}
