package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultKeyPrefix      = "gormattach"
	cacheKeySeparator     = ":"
	cacheDependencyPrefix = "deps"
	scanBatchSize         = 100
)

// Manager manages Redis connections and cache operations
type Manager struct {
	config  *Config
	client  redis.UniversalClient
	metrics *Metrics
}

// NewManager creates a new Redis cache manager
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	manager := &Manager{
		config:  config,
		metrics: NewMetrics(),
	}
	if config.Enabled {
		manager.client = newClient(config)
	}

	return manager, nil
}

// NewManagerWithClient wraps an existing client, e.g. one shared with the
// rest of the application.
func NewManagerWithClient(config *Config, client redis.UniversalClient) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if client == nil {
		return nil, ErrClientNotInitialized
	}
	return &Manager{config: config, client: client, metrics: NewMetrics()}, nil
}

func newClient(c *Config) redis.UniversalClient {
	if c.IsClusterMode() {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           c.Cluster.Addresses,
			Username:        c.Cluster.Username,
			Password:        c.Cluster.Password,
			PoolSize:        c.PoolSize,
			MinIdleConns:    c.MinIdleConns,
			ConnMaxLifetime: c.MaxConnAge,
			PoolTimeout:     c.PoolTimeout,
			ConnMaxIdleTime: c.IdleTimeout,
			ReadTimeout:     c.ReadTimeout,
			WriteTimeout:    c.WriteTimeout,
			DialTimeout:     c.DialTimeout,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:            c.GetAddr(),
		Password:        c.Password,
		DB:              c.Database,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxLifetime: c.MaxConnAge,
		PoolTimeout:     c.PoolTimeout,
		ConnMaxIdleTime: c.IdleTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		DialTimeout:     c.DialTimeout,
	})
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Ping tests the Redis connection. A disabled cache is not an error.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// checkClient validates that cache is enabled and client is initialized
func (m *Manager) checkClient() error {
	if !m.config.Enabled {
		return ErrCacheDisabled
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	return nil
}

// Key joins parts under the configured prefix: "gormattach:orders:find_by_id:7"
func (m *Manager) Key(parts ...string) string {
	return m.config.prefix() + cacheKeySeparator + strings.Join(parts, cacheKeySeparator)
}

func (m *Manager) dependencyKey(entityType string, entityID interface{}) string {
	return m.Key(cacheDependencyPrefix, entityType, fmt.Sprintf("%v", entityID))
}

// Get retrieves a raw value from cache
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.checkClient(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	start := time.Now()
	data, err := m.client.Get(ctx, key).Bytes()
	m.metrics.recordGet(time.Since(start))

	if errors.Is(err, redis.Nil) {
		m.metrics.recordMiss()
		return nil, ErrKeyNotFound
	}
	if err != nil {
		m.metrics.recordError()
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	m.metrics.recordHit()
	return data, nil
}

// Set stores a raw value with the default TTL
func (m *Manager) Set(ctx context.Context, key string, value []byte) error {
	return m.SetWithTTL(ctx, key, value, m.config.DefaultTTL)
}

// SetWithTTL stores a raw value with a custom TTL
func (m *Manager) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.checkClient(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}

	start := time.Now()
	err := m.client.Set(ctx, key, value, ttl).Err()
	m.metrics.recordSet(time.Since(start))
	if err != nil {
		m.metrics.recordError()
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// GetValue retrieves a msgpack-encoded value into target
func (m *Manager) GetValue(ctx context.Context, key string, target interface{}) error {
	data, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, target); err != nil {
		m.metrics.recordCodec()
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return nil
}

// SetValue stores value msgpack-encoded with the default TTL
func (m *Manager) SetValue(ctx context.Context, key string, value interface{}) error {
	return m.SetValueWithTTL(ctx, key, value, m.config.DefaultTTL)
}

// SetValueWithTTL stores value msgpack-encoded with a custom TTL
func (m *Manager) SetValueWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		m.metrics.recordCodec()
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return m.SetWithTTL(ctx, key, data, ttl)
}

// Delete removes keys from cache
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.checkClient(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		m.metrics.recordError()
		return fmt.Errorf("redis delete error: %w", err)
	}
	m.metrics.recordDelete(len(keys))
	return nil
}

// Exists checks if a key exists in cache
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.checkClient(); err != nil {
		return false, err
	}

	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidatePattern removes keys matching a pattern using SCAN instead of KEYS
// SCAN is non-blocking and production-safe, unlike KEYS which blocks the Redis server
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	var cursor uint64
	for {
		batch, next, err := m.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys with pattern %s: %w", pattern, err)
		}

		if len(batch) > 0 {
			if err := m.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete batch: %w", err)
			}
			m.metrics.recordInvalidation()
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// InvalidateTable clears every cached query of a table plus the configured
// custom patterns for entityID.
func (m *Manager) InvalidateTable(ctx context.Context, table string, entityID interface{}) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	patterns := []string{m.Key(table, "*")}
	for _, custom := range m.config.Invalidation.KeyPatterns[table] {
		patterns = append(patterns, strings.ReplaceAll(custom, "{id}", fmt.Sprintf("%v", entityID)))
	}

	var firstErr error
	for _, pattern := range patterns {
		if err := m.InvalidatePattern(ctx, pattern); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetValueWithDependencies stores value and registers it in the dependency
// set of each listed entity, so that a write to any of them clears it.
// dependencies: map[table] -> []primaryKeys
func (m *Manager) SetValueWithDependencies(ctx context.Context, cacheKey string, value interface{}, dependencies map[string][]interface{}) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		m.metrics.recordCodec()
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, cacheKey, data, m.config.DefaultTTL)
	for entityType, ids := range dependencies {
		for _, id := range ids {
			depKey := m.dependencyKey(entityType, id)
			pipe.SAdd(ctx, depKey, cacheKey)
			// Dependency sets outlive the values they point at
			pipe.Expire(ctx, depKey, m.config.DefaultTTL*2)
			m.metrics.recordDependency()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		m.metrics.recordError()
		return fmt.Errorf("failed to store value with dependencies: %w", err)
	}
	return nil
}

// GetDependencies returns all cache keys that depend on an entity
func (m *Manager) GetDependencies(ctx context.Context, entityType string, entityID interface{}) ([]string, error) {
	if err := m.checkClient(); err != nil {
		return nil, err
	}

	keys, err := m.client.SMembers(ctx, m.dependencyKey(entityType, entityID)).Result()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	return keys, err
}

// InvalidateEntityDependencies clears all caches that depend on a specific entity
func (m *Manager) InvalidateEntityDependencies(ctx context.Context, entityType string, entityID interface{}) error {
	keys, err := m.GetDependencies(ctx, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to get dependencies: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	keys = append(keys, m.dependencyKey(entityType, entityID))
	if err := m.Delete(ctx, keys...); err != nil {
		return err
	}
	m.metrics.recordInvalidation()
	return nil
}

// GetMetrics returns current cache performance metrics
func (m *Manager) GetMetrics() MetricsSnapshot {
	if m.metrics == nil {
		return MetricsSnapshot{}
	}
	return m.metrics.Snapshot()
}

// ResetMetrics resets all performance metrics counters
func (m *Manager) ResetMetrics() {
	if m.metrics != nil {
		m.metrics.Reset()
	}
}
