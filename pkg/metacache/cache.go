// Package metacache provides the expiring get-or-compute cache used to
// remember per-type navigation metadata.
//
// Entries are immutable once computed and a miss simply recomputes the same
// answer, so two callers racing on a miss may both compute; neither blocks
// the other.
package metacache

import (
	"context"
	"fmt"
	"time"

	"github.com/ammar0144/gormattach/pkg/redis"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

// ComputeFunc derives the value for a key on a miss
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Cache is a get-or-compute cache with a fixed time-to-live
type Cache[V any] interface {
	GetOrAdd(ctx context.Context, key string, compute ComputeFunc[V]) (V, error)
	Remove(key string)
	TTL() time.Duration
}

// Local is an in-process LRU whose entries expire after the configured TTL.
// It is safe for concurrent use.
type Local[V any] struct {
	lru     *expirable.LRU[string, V]
	ttl     time.Duration
	metrics *cacheMetrics
}

// NewLocal creates an in-process cache. reg may be nil.
func NewLocal[V any](config *Config, reg prometheus.Registerer) (*Local[V], error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata cache config: %w", err)
	}

	metrics, err := newCacheMetrics(reg, config.MetricsNamespace, "local")
	if err != nil {
		return nil, fmt.Errorf("failed to register metadata cache metrics: %w", err)
	}

	return &Local[V]{
		lru:     expirable.NewLRU[string, V](config.Size, nil, config.TTL),
		ttl:     config.TTL,
		metrics: metrics,
	}, nil
}

// GetOrAdd returns the cached value for key or computes and stores it.
// Failed computations are not cached.
func (c *Local[V]) GetOrAdd(ctx context.Context, key string, compute ComputeFunc[V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.metrics.recordHit()
		return v, nil
	}
	c.metrics.recordMiss()

	v, err := compute(ctx)
	c.metrics.recordCompute()
	if err != nil {
		c.metrics.recordError()
		var zero V
		return zero, err
	}

	c.lru.Add(key, v)
	return v, nil
}

// Remove drops key from the cache
func (c *Local[V]) Remove(key string) {
	c.lru.Remove(key)
}

// TTL returns the fixed time-to-live of entries
func (c *Local[V]) TTL() time.Duration {
	return c.ttl
}

// Len returns the number of live entries
func (c *Local[V]) Len() int {
	return c.lru.Len()
}

// Tiered puts a Local cache in front of Redis so that processes sharing a
// Redis instance derive each type's metadata once per TTL between them.
// Redis is best effort: any Redis failure falls through to compute.
type Tiered[V any] struct {
	local   *Local[V]
	redis   *redis.Manager
	prefix  string
	metrics *cacheMetrics
}

// NewTiered creates a two-level cache. reg may be nil.
func NewTiered[V any](config *Config, redisManager *redis.Manager, reg prometheus.Registerer) (*Tiered[V], error) {
	if config == nil {
		config = DefaultConfig()
	}
	if redisManager == nil {
		return nil, fmt.Errorf("redis manager cannot be nil")
	}

	local, err := NewLocal[V](config, reg)
	if err != nil {
		return nil, err
	}
	metrics, err := newCacheMetrics(reg, config.MetricsNamespace, "redis")
	if err != nil {
		return nil, fmt.Errorf("failed to register metadata cache metrics: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "meta"
	}

	return &Tiered[V]{
		local:   local,
		redis:   redisManager,
		prefix:  prefix,
		metrics: metrics,
	}, nil
}

// GetOrAdd consults the local tier, then Redis, then computes
func (c *Tiered[V]) GetOrAdd(ctx context.Context, key string, compute ComputeFunc[V]) (V, error) {
	return c.local.GetOrAdd(ctx, key, func(ctx context.Context) (V, error) {
		redisKey := c.redis.Key(c.prefix, key)

		var v V
		err := c.redis.GetValue(ctx, redisKey, &v)
		if err == nil {
			c.metrics.recordHit()
			return v, nil
		}
		if redis.IsKeyNotFound(err) {
			c.metrics.recordMiss()
		} else {
			c.metrics.recordError()
		}

		v, err = compute(ctx)
		c.metrics.recordCompute()
		if err != nil {
			return v, err
		}

		if err := c.redis.SetValueWithTTL(ctx, redisKey, v, c.local.TTL()); err != nil {
			c.metrics.recordError()
		}
		return v, nil
	})
}

// Remove drops key from the local tier only; the Redis copy expires on its own
func (c *Tiered[V]) Remove(key string) {
	c.local.Remove(key)
}

// TTL returns the fixed time-to-live of entries
func (c *Tiered[V]) TTL() time.Duration {
	return c.local.TTL()
}
