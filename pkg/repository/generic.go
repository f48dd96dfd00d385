package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ammar0144/gormattach/pkg/attach"
	"github.com/ammar0144/gormattach/pkg/db"
	"github.com/ammar0144/gormattach/pkg/redis"
	"github.com/ammar0144/gormattach/pkg/session"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const cacheKeyHashLength = 12

// GenericRepository serves cache-first reads and routes every write through
// a session, so related entities are attached instead of duplicated
type GenericRepository[T Entity] struct {
	db        *gorm.DB
	dbManager *db.Manager
	redis     *redis.Manager
	sessions  *session.Provider
	schema    *schema.Schema
	tableName string
	dbName    string
}

// NewGenericRepository creates a repository for T. redisManager may be nil
// to disable caching; sessions may be nil to use a provider with an
// in-process metadata cache.
func NewGenericRepository[T Entity](dbManager *db.Manager, redisManager *redis.Manager, sessions *session.Provider) (Repository[T], error) {
	if dbManager == nil {
		return nil, fmt.Errorf("db manager cannot be nil")
	}

	var model T
	tableName := model.TableName()
	if tableName == "" {
		return nil, fmt.Errorf("entity type %T returned empty TableName()", model)
	}

	stmt := &gorm.Statement{DB: dbManager.DB()}
	if err := stmt.Parse(&model); err != nil {
		return nil, fmt.Errorf("failed to parse schema of %T: %w", model, err)
	}

	if sessions == nil {
		p, err := session.NewProvider(dbManager.DB(), nil, nil)
		if err != nil {
			return nil, err
		}
		sessions = p
	}

	return &GenericRepository[T]{
		db:        dbManager.DB(),
		dbManager: dbManager,
		redis:     redisManager,
		sessions:  sessions,
		schema:    stmt.Schema,
		tableName: tableName,
		dbName:    dbManager.DatabaseName(),
	}, nil
}

// ============================================================================
// READ OPERATIONS - Cache-First Implementation
// ============================================================================

// FindByID returns the row with primary key id, or nil when there is none
func (r *GenericRepository[T]) FindByID(ctx context.Context, id interface{}) (*T, error) {
	if id == nil {
		return nil, fmt.Errorf("id cannot be nil")
	}

	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	suffix := fmt.Sprintf("%v", id)
	cacheKey := r.cacheKey("find_by_id", suffix)
	nullKey := r.cacheKey("find_by_id", suffix, "null")

	var entity T
	if r.cacheGet(ctx, cacheKey, &entity) {
		return &entity, nil
	}
	if r.cachedMiss(ctx, nullKey) {
		return nil, nil
	}

	err := r.db.WithContext(ctx).First(&entity, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.cacheMiss(ctx, nullKey)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	r.cacheSet(ctx, cacheKey, entity, r.dependencies(ctx, []T{entity}))
	return &entity, nil
}

// FindWhere returns the rows matching a GORM condition
func (r *GenericRepository[T]) FindWhere(ctx context.Context, query interface{}, args ...interface{}) ([]T, error) {
	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	cacheKey, cacheable := r.queryKey("find_where", query, args...)

	var entities []T
	if cacheable && r.cacheGet(ctx, cacheKey, &entities) {
		return entities, nil
	}

	if err := r.db.WithContext(ctx).Where(query, args...).Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if cacheable {
		r.cacheSet(ctx, cacheKey, entities, r.dependencies(ctx, entities))
	}
	return entities, nil
}

// First returns the first row matching a GORM condition, or nil
func (r *GenericRepository[T]) First(ctx context.Context, query interface{}, args ...interface{}) (*T, error) {
	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	cacheKey, cacheable := r.queryKey("first", query, args...)

	var entity T
	if cacheable && r.cacheGet(ctx, cacheKey, &entity) {
		return &entity, nil
	}

	err := r.db.WithContext(ctx).Where(query, args...).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if cacheable {
		r.cacheSet(ctx, cacheKey, entity, r.dependencies(ctx, []T{entity}))
	}
	return &entity, nil
}

// Count returns the number of rows in the table
func (r *GenericRepository[T]) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	cacheKey := r.cacheKey("count")

	var count int64
	if r.cacheGet(ctx, cacheKey, &count) {
		return count, nil
	}

	var model T
	if err := r.db.WithContext(ctx).Model(&model).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}

	r.cacheSet(ctx, cacheKey, count, nil)
	return count, nil
}

// Exists reports whether a row with primary key id exists
func (r *GenericRepository[T]) Exists(ctx context.Context, id interface{}) (bool, error) {
	entity, err := r.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	return entity != nil, nil
}

// ============================================================================
// WRITE OPERATIONS - Session-Backed with Cache Invalidation
// ============================================================================

// Create inserts entity. Its navigation references are attached when they
// already exist and inserted otherwise.
func (r *GenericRepository[T]) Create(ctx context.Context, entity *T) error {
	_, err := r.Upsert(ctx, entity, func(*T) bool { return true })
	return err
}

// Update saves entity, attaching its navigation references the same way
// Create does
func (r *GenericRepository[T]) Update(ctx context.Context, entity *T) error {
	_, err := r.Upsert(ctx, entity, func(*T) bool { return false })
	return err
}

// Upsert inserts entity when isNew reports true and updates it otherwise,
// then commits
func (r *GenericRepository[T]) Upsert(ctx context.Context, entity *T, isNew func(*T) bool) (*T, error) {
	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	s := r.NewSession()
	saved, err := attach.Upsert(ctx, s, entity, isNew)
	if err != nil {
		return nil, err
	}
	if _, err := r.Commit(ctx, s); err != nil {
		return nil, err
	}
	return saved, nil
}

// Delete removes the row with primary key id. Deleting a missing row is a
// no-op.
func (r *GenericRepository[T]) Delete(ctx context.Context, id interface{}) error {
	if id == nil {
		return fmt.Errorf("id cannot be nil")
	}

	ctx, cancel := r.dbManager.WithTimeout(ctx)
	defer cancel()

	var entity T
	err := r.db.WithContext(ctx).First(&entity, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	s := r.NewSession()
	if err := s.SetState(&entity, session.Deleted); err != nil {
		return err
	}
	_, err = r.Commit(ctx, s)
	return err
}

// NewSession starts a unit of work for callers that build graphs with the
// attach helpers directly. Pass it to Commit to save it.
func (r *GenericRepository[T]) NewSession() *session.GormSession {
	return r.sessions.New()
}

// Commit saves s and clears the caches of everything it wrote
func (r *GenericRepository[T]) Commit(ctx context.Context, s *session.GormSession) (*session.ChangeSet, error) {
	cs, err := s.SaveChanges(ctx)
	if err != nil {
		return nil, err
	}
	for _, written := range cs.All() {
		r.invalidate(ctx, written)
	}
	return cs, nil
}

// InvalidateCache clears every cached query of this table
func (r *GenericRepository[T]) InvalidateCache(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.InvalidatePattern(ctx, r.redis.Key(r.tableName, r.dbName, "*"))
}

// ============================================================================
// CACHE HELPERS
// ============================================================================

// cacheKey builds "prefix:table:db:operation[:suffix]"
func (r *GenericRepository[T]) cacheKey(operation string, suffix ...string) string {
	if r.redis == nil {
		return ""
	}
	parts := append([]string{r.tableName, r.dbName, operation}, suffix...)
	return r.redis.Key(parts...)
}

// queryKey hashes a GORM condition into a cache key. Conditions built from a
// *gorm.DB can't be hashed reliably and are not cached.
func (r *GenericRepository[T]) queryKey(operation string, query interface{}, args ...interface{}) (string, bool) {
	if r.redis == nil {
		return "", false
	}
	if _, ok := query.(*gorm.DB); ok {
		return "", false
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(query); err != nil {
		return "", false
	}
	if err := enc.Encode(args); err != nil {
		return "", false
	}

	hash := fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes()))
	return r.cacheKey(operation, hash[:cacheKeyHashLength]), true
}

// cacheGet reports a hit. Every failure is a miss; cache errors other than
// a missing key are logged.
func (r *GenericRepository[T]) cacheGet(ctx context.Context, key string, target interface{}) bool {
	if r.redis == nil {
		return false
	}
	err := r.redis.GetValue(ctx, key, target)
	if err != nil && !redis.IsKeyNotFound(err) && !redis.IsCacheDisabled(err) {
		r.db.Logger.Warn(ctx, "cache read %s failed: %v", key, err)
	}
	return err == nil
}

func (r *GenericRepository[T]) cacheSet(ctx context.Context, key string, value interface{}, deps map[string][]interface{}) {
	if r.redis == nil {
		return
	}
	var err error
	if len(deps) == 0 {
		err = r.redis.SetValue(ctx, key, value)
	} else {
		err = r.redis.SetValueWithDependencies(ctx, key, value, deps)
	}
	if err != nil && !redis.IsCacheDisabled(err) {
		r.db.Logger.Warn(ctx, "cache write %s failed: %v", key, err)
	}
}

// cachedMiss reports whether a recent lookup of key found no row
func (r *GenericRepository[T]) cachedMiss(ctx context.Context, key string) bool {
	if r.redis == nil || r.redis.Config().NullCacheTTL <= 0 {
		return false
	}
	found, err := r.redis.Exists(ctx, key)
	return err == nil && found
}

// cacheMiss remembers that key found no row for NullCacheTTL
func (r *GenericRepository[T]) cacheMiss(ctx context.Context, key string) {
	if r.redis == nil || r.redis.Config().NullCacheTTL <= 0 {
		return
	}
	if err := r.redis.SetValueWithTTL(ctx, key, true, r.redis.Config().NullCacheTTL); err != nil && !redis.IsCacheDisabled(err) {
		r.db.Logger.Warn(ctx, "cache write %s failed: %v", key, err)
	}
}

// dependencies lists the rows a cached result was built from: the rows
// themselves and the rows they belong to
func (r *GenericRepository[T]) dependencies(ctx context.Context, entities []T) map[string][]interface{} {
	if r.redis == nil {
		return nil
	}
	deps := make(map[string][]interface{})
	for i := range entities {
		deps[r.tableName] = append(deps[r.tableName], entities[i].GetPrimaryKeyValue())
		for _, related := range r.related(ctx, &entities[i], r.schema) {
			deps[related.EntityType] = append(deps[related.EntityType], related.EntityID)
		}
	}
	return deps
}

// invalidate clears the caches of a written entity and of the rows it
// points at. Cache errors are logged, never returned.
func (r *GenericRepository[T]) invalidate(ctx context.Context, written any) {
	if r.redis == nil {
		return
	}

	stmt := &gorm.Statement{DB: r.db}
	if err := stmt.Parse(written); err != nil {
		r.db.Logger.Warn(ctx, "cache invalidation skipped for %T: %v", written, err)
		return
	}

	table, id := stmt.Schema.Table, primaryKey(ctx, written, stmt.Schema)
	if e, ok := written.(Entity); ok {
		table, id = e.TableName(), e.GetPrimaryKeyValue()
	}

	if err := r.redis.InvalidateTable(ctx, table, id); err != nil && !redis.IsCacheDisabled(err) {
		r.db.Logger.Warn(ctx, "failed to invalidate %s caches: %v", table, err)
	}
	if id != nil {
		if err := r.redis.InvalidateEntityDependencies(ctx, table, id); err != nil && !redis.IsCacheDisabled(err) {
			r.db.Logger.Warn(ctx, "failed to invalidate %s:%v dependencies: %v", table, id, err)
		}
	}

	for _, related := range r.related(ctx, written, stmt.Schema) {
		if err := r.redis.InvalidateEntityDependencies(ctx, related.EntityType, related.EntityID); err != nil && !redis.IsCacheDisabled(err) {
			r.db.Logger.Warn(ctx, "failed to invalidate %s:%v dependencies: %v", related.EntityType, related.EntityID, err)
		}
	}
}

// related returns the rows entity points at, from RelationshipAware when
// implemented and from the schema's belongs_to foreign keys otherwise.
// Loaded belongs_to targets are followed up to MaxRelationshipDepth.
func (r *GenericRepository[T]) related(ctx context.Context, entity any, sch *schema.Schema) []RelatedEntity {
	var out []RelatedEntity
	if aware, ok := entity.(RelationshipAware); ok {
		for _, group := range aware.GetRelationships() {
			for _, rel := range group {
				if rel.EntityID != nil && !r.ignored(rel.EntityType) {
					out = append(out, rel)
				}
			}
		}
		return out
	}

	r.collectRelated(ctx, reflect.ValueOf(entity), sch, 1, &out)
	return out
}

func (r *GenericRepository[T]) collectRelated(ctx context.Context, rv reflect.Value, sch *schema.Schema, depth int, out *[]RelatedEntity) {
	for _, rel := range sch.Relationships.BelongsTo {
		if r.ignored(rel.Name) || r.ignored(rel.FieldSchema.Table) {
			continue
		}

		for _, ref := range rel.References {
			if ref.OwnPrimaryKey || ref.PrimaryKey == nil || ref.ForeignKey == nil {
				continue
			}
			if v, zero := ref.ForeignKey.ValueOf(ctx, rv); !zero {
				*out = append(*out, RelatedEntity{EntityType: rel.FieldSchema.Table, EntityID: v})
			}
		}

		if depth >= r.maxDepth() {
			continue
		}
		target, zero := rel.Field.ValueOf(ctx, rv)
		if zero {
			continue
		}
		tv := reflect.ValueOf(target)
		if tv.Kind() == reflect.Ptr && tv.IsNil() {
			continue
		}
		r.collectRelated(ctx, tv, rel.FieldSchema, depth+1, out)
	}
}

func (r *GenericRepository[T]) maxDepth() int {
	if r.redis == nil || r.redis.Config().Invalidation.MaxRelationshipDepth < 1 {
		return 1
	}
	return r.redis.Config().Invalidation.MaxRelationshipDepth
}

func (r *GenericRepository[T]) ignored(name string) bool {
	if r.redis == nil {
		return false
	}
	for _, ignored := range r.redis.Config().Invalidation.IgnoreRelationships {
		if ignored == name {
			return true
		}
	}
	return false
}

func primaryKey(ctx context.Context, entity any, sch *schema.Schema) interface{} {
	if sch.PrioritizedPrimaryField == nil {
		return nil
	}
	v, zero := sch.PrioritizedPrimaryField.ValueOf(ctx, reflect.ValueOf(entity))
	if zero {
		return nil
	}
	return v
}
