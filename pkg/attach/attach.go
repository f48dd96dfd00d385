// Package attach saves object graphs through a session without duplicating
// entities that already exist.
//
// The functions are stateless and work against any session.Session. They
// never persist anything themselves; the caller commits the session.
package attach

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ammar0144/gormattach/pkg/session"
)

// AddRangeToNavigationProperty attaches entity and every identified candidate
// to s, appending each candidate to the collection returned by navigationOf
// unless an element with the same key is already there.
//
// A candidate is identified when its key differs from the key of a fresh
// zero P; blank entries are skipped entirely.
func AddRangeToNavigationProperty[E any, P any, K comparable](
	s session.Session,
	entity *E,
	candidates []*P,
	keyOf func(*P) K,
	navigationOf func(*E) *[]*P,
) error {
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", session.ErrInvalidEntity)
	}
	if err := attachOnce(s, entity); err != nil {
		return err
	}

	blank := keyOf(new(P))
	for _, item := range candidates {
		if item == nil {
			continue
		}
		key := keyOf(item)
		if key == blank {
			continue
		}

		if err := attachOnce(s, item); err != nil {
			return err
		}

		nav := navigationOf(entity)
		if !containsKey(*nav, key, keyOf) {
			*nav = append(*nav, item)
		}
	}
	return nil
}

func containsKey[P any, K comparable](items []*P, key K, keyOf func(*P) K) bool {
	for _, existing := range items {
		if existing != nil && keyOf(existing) == key {
			return true
		}
	}
	return false
}

// Upsert attaches entity and its navigation references, then marks entity
// Added when isNew reports true and Modified otherwise. It returns entity.
func Upsert[E any](ctx context.Context, s session.Session, entity *E, isNew func(*E) bool) (*E, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: entity is nil", session.ErrInvalidEntity)
	}
	if err := attachOnce(s, entity); err != nil {
		return nil, err
	}
	if err := AttachNavigationProperties(ctx, s, entity); err != nil {
		return nil, err
	}

	state := session.Modified
	if isNew(entity) {
		state = session.Added
	}
	if err := s.SetState(entity, state); err != nil {
		return nil, err
	}
	return entity, nil
}

// AttachNavigationProperties walks entity's single-valued references and,
// transitively, theirs. Each related entity is loaded, checked for
// existence by key, and added to the session only when it does not exist
// yet; existing ones are attached unchanged. Nil or empty references are
// skipped without touching the session.
func AttachNavigationProperties(ctx context.Context, s session.Session, entity any) error {
	w := &walker{s: s, visited: make(map[uintptr]bool)}
	w.mark(entity)
	return w.walk(ctx, entity)
}

type walker struct {
	s       session.Session
	visited map[uintptr]bool
}

// mark records entity and reports whether it was seen before
func (w *walker) mark(entity any) bool {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return false
	}
	p := rv.Pointer()
	seen := w.visited[p]
	w.visited[p] = true
	return seen
}

func (w *walker) walk(ctx context.Context, entity any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	refs, err := w.s.References(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to resolve references of %T: %w", entity, err)
	}

	for _, ref := range refs {
		related, err := w.s.Related(entity, ref)
		if err != nil {
			return err
		}

		for _, r := range related {
			if w.mark(r) {
				continue
			}
			if err := w.ensure(ctx, entity, ref, r); err != nil {
				return err
			}
			if err := w.walk(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensure makes related tracked exactly once: inserted when new, attached
// when it already exists
func (w *walker) ensure(ctx context.Context, owner any, ref session.Reference, related any) error {
	// populated references are not refreshed; Load only records the visit
	if err := w.s.Load(ctx, owner, ref); err != nil {
		return err
	}
	if w.s.Tracked(related) {
		return nil
	}

	exists, err := w.s.Exists(ctx, related)
	if err != nil {
		return err
	}
	if exists {
		return w.s.Attach(related)
	}
	return w.s.Add(related)
}

func attachOnce(s session.Session, entity any) error {
	if s.Tracked(entity) {
		return nil
	}
	return s.Attach(entity)
}
