// Package session defines the unit-of-work contract the attachment helper is
// written against, and a GORM implementation of it.
//
// GORM itself keeps no identity map and no per-entity state: every Save
// decides insert vs update from the primary key and saves associations with
// its own upsert rules. A Session tracks which entities are new, modified,
// unchanged or deleted and writes them in one transaction on SaveChanges.
package session

import (
	"context"
	"errors"
	"fmt"
)

// State is the tracked state of an entity within a session
type State int

const (
	Detached State = iota
	Unchanged
	Added
	Modified
	Deleted
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReferenceKind tells where a Reference came from
type ReferenceKind string

const (
	KindBelongsTo ReferenceKind = "belongs_to"
	KindHasOne    ReferenceKind = "has_one"
	KindDeclared  ReferenceKind = "declared"
)

// Reference describes a single-valued navigation property of an entity type
type Reference struct {
	Name string        `msgpack:"name" json:"name"` // struct field name
	Kind ReferenceKind `msgpack:"kind" json:"kind"`
}

// ReferenceDeclarer lets an entity type list its navigation references
// statically. Declared references skip schema derivation and the metadata
// cache entirely.
type ReferenceDeclarer interface {
	NavigationReferences() []string
}

// Session is the unit-of-work contract. Implementations are not safe for
// concurrent use.
type Session interface {
	// Attach tracks entity as Unchanged. Attaching an entity that is already
	// tracked is a no-op.
	Attach(entity any) error
	// Add tracks entity as Added.
	Add(entity any) error
	Detach(entity any)
	Tracked(entity any) bool
	// State returns Detached for untracked entities.
	State(entity any) State
	SetState(entity any, state State) error

	// References reports the single-valued navigation properties of
	// entity's type.
	References(ctx context.Context, entity any) ([]Reference, error)
	// Related returns the non-nil entities currently held by the reference,
	// each as a pointer to its struct. A nil or empty property yields none.
	Related(entity any, ref Reference) ([]any, error)
	// Load fetches the referenced data if the property is not populated yet.
	// A populated property is never refreshed, so callers that only Load
	// non-empty references get a no-op; Load is meant for entities whose
	// navigation is unset but whose keys identify the related row.
	Load(ctx context.Context, entity any, ref Reference) error
	// Exists reports whether an equivalent entity is already persisted.
	Exists(ctx context.Context, entity any) (bool, error)
}

// Sentinel errors for session operations
var (
	// ErrInvalidEntity is returned for anything but a non-nil pointer to a struct
	ErrInvalidEntity = errors.New("entity must be a non-nil pointer to a struct")

	// ErrIdentityConflict is returned when a different instance with the same
	// primary key is already tracked
	ErrIdentityConflict = errors.New("another instance with the same key is already tracked")

	// ErrUnknownReference is returned when a reference names no field of the entity
	ErrUnknownReference = errors.New("unknown navigation reference")

	// ErrDependencyCycle is returned by SaveChanges when pending writes
	// depend on each other through required keys
	ErrDependencyCycle = errors.New("pending entities form a dependency cycle")
)

// IsIdentityConflict checks if an error is ErrIdentityConflict
func IsIdentityConflict(err error) bool {
	return errors.Is(err, ErrIdentityConflict)
}

// IsDependencyCycle checks if an error is ErrDependencyCycle
func IsDependencyCycle(err error) bool {
	return errors.Is(err, ErrDependencyCycle)
}
