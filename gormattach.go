// Package gormattach saves GORM object graphs without duplicating related
// entities that already exist, with cache-first repositories on top.
package gormattach

import (
	"context"

	"github.com/ammar0144/gormattach/pkg/attach"
	"github.com/ammar0144/gormattach/pkg/db"
	"github.com/ammar0144/gormattach/pkg/metacache"
	"github.com/ammar0144/gormattach/pkg/redis"
	"github.com/ammar0144/gormattach/pkg/repository"
	"github.com/ammar0144/gormattach/pkg/session"

	"github.com/prometheus/client_golang/prometheus"
)

// Config represents database configuration
type Config = db.Config

// RedisConfig represents Redis configuration
type RedisConfig = redis.Config

// MetaCacheConfig configures the navigation metadata cache
type MetaCacheConfig = metacache.Config

// Entity interface that all repository entities must implement
type Entity = repository.Entity

// Session tracks entities until they are saved
type Session = session.Session

// Repository provides the generic repository interface
type Repository[T Entity] interface {
	repository.Repository[T]
}

// NewManager creates a new database manager
func NewManager(config *Config) (*db.Manager, error) {
	return db.NewManager(config)
}

// NewRedisManager creates a new Redis manager
func NewRedisManager(config *RedisConfig) (*redis.Manager, error) {
	return redis.NewManager(config)
}

// NewSessionProvider creates a session provider whose navigation metadata
// is cached for config.TTL. With a redisManager the cache is shared across
// processes through Redis. reg may be nil.
func NewSessionProvider(dbManager *db.Manager, redisManager *redis.Manager, config *MetaCacheConfig, reg prometheus.Registerer) (*session.Provider, error) {
	if config == nil {
		config = metacache.DefaultConfig()
	}

	var meta metacache.Cache[[]session.Reference]
	if redisManager != nil {
		tiered, err := metacache.NewTiered[[]session.Reference](config, redisManager, reg)
		if err != nil {
			return nil, err
		}
		meta = tiered
	} else {
		local, err := metacache.NewLocal[[]session.Reference](config, reg)
		if err != nil {
			return nil, err
		}
		meta = local
	}

	return session.NewProvider(dbManager.DB(), meta, reg)
}

// NewRepository creates a new repository instance.
// If redisManager is nil, operates in database-only mode.
// If sessions is nil, a provider with an in-process metadata cache is used.
func NewRepository[T Entity](dbManager *db.Manager, redisManager *redis.Manager, sessions *session.Provider) (Repository[T], error) {
	return repository.NewGenericRepository[T](dbManager, redisManager, sessions)
}

// Upsert attaches entity and its navigation references to s and marks it
// Added when isNew reports true, Modified otherwise
func Upsert[E any](ctx context.Context, s Session, entity *E, isNew func(*E) bool) (*E, error) {
	return attach.Upsert(ctx, s, entity, isNew)
}

// AddRangeToNavigationProperty attaches entity and the identified
// candidates to s and appends the candidates missing from the collection
func AddRangeToNavigationProperty[E any, P any, K comparable](s Session, entity *E, candidates []*P, keyOf func(*P) K, navigationOf func(*E) *[]*P) error {
	return attach.AddRangeToNavigationProperty(s, entity, candidates, keyOf, navigationOf)
}

// AttachNavigationProperties attaches or adds every entity reachable
// through entity's single-valued references
func AttachNavigationProperties(ctx context.Context, s Session, entity any) error {
	return attach.AttachNavigationProperties(ctx, s, entity)
}
