package repository

import (
	"context"

	"github.com/ammar0144/gormattach/pkg/session"
)

// Repository defines the generic repository interface
type Repository[T Entity] interface {
	// Queries (cache-first)
	FindByID(ctx context.Context, id interface{}) (*T, error)
	FindWhere(ctx context.Context, query interface{}, args ...interface{}) ([]T, error)
	First(ctx context.Context, query interface{}, args ...interface{}) (*T, error)
	Count(ctx context.Context) (int64, error)
	Exists(ctx context.Context, id interface{}) (bool, error)

	// Commands (through a session, followed by cache invalidation)
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	Upsert(ctx context.Context, entity *T, isNew func(*T) bool) (*T, error)
	Delete(ctx context.Context, id interface{}) error

	// Units of work spanning several entities
	NewSession() *session.GormSession
	Commit(ctx context.Context, s *session.GormSession) (*session.ChangeSet, error)

	// Cache management
	InvalidateCache(ctx context.Context) error
}
