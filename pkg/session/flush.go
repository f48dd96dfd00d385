package session

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// ChangeSet lists what a successful SaveChanges wrote
type ChangeSet struct {
	Inserted []any
	Updated  []any
	Deleted  []any
	Linked   []any // owners that got many2many join rows
}

// Empty reports whether nothing was written
func (c *ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0 && len(c.Linked) == 0
}

// All returns every written entity
func (c *ChangeSet) All() []any {
	all := make([]any, 0, len(c.Inserted)+len(c.Updated)+len(c.Deleted)+len(c.Linked))
	all = append(all, c.Inserted...)
	all = append(all, c.Updated...)
	all = append(all, c.Deleted...)
	return append(all, c.Linked...)
}

// link is a navigation between two tracked entities
type link struct {
	owner  *entry
	target *entry
	rel    *schema.Relationship
}

// join is a many2many element not yet written to the join table
type join struct {
	owner  *entry
	rel    *schema.Relationship
	target reflect.Value
}

// SaveChanges writes all pending entities in one transaction: Added and
// Modified in key dependency order, then Deleted. GORM's own association
// saving is disabled; each tracked entity is written exactly once.
//
// Collections are persisted too. Unchanged has_many elements whose foreign
// key no longer matches their tracked owner get that column updated, and
// many2many elements added since the owner was tracked get a join row.
//
// On success Added and Modified entities become Unchanged and Deleted ones
// are detached. On failure states are kept, though primary keys generated
// before the rollback stay set on the structs.
func (s *GormSession) SaveChanges(ctx context.Context) (*ChangeSet, error) {
	var pending, deleted []*entry
	for _, e := range s.entries {
		switch e.state {
		case Added, Modified:
			pending = append(pending, e)
		case Deleted:
			deleted = append(deleted, e)
		}
	}

	links, err := s.links(ctx)
	if err != nil {
		return nil, err
	}
	relinks := staleElements(links)
	joins := s.pendingJoins()

	cs := &ChangeSet{}
	if len(pending) == 0 && len(deleted) == 0 && len(relinks) == 0 && len(joins) == 0 {
		return cs, nil
	}

	order, err := writeOrder(pending, links)
	if err != nil {
		s.db.Logger.Warn(ctx, "session: %v", err)
		return nil, err
	}

	var joined []join
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range order {
			propagateKeys(e, links)

			switch e.state {
			case Added:
				if err := tx.Omit(clause.Associations).Create(e.value).Error; err != nil {
					return fmt.Errorf("failed to insert into %s: %w", e.schema.Table, err)
				}
				cs.Inserted = append(cs.Inserted, e.value)
			case Modified:
				if err := tx.Omit(clause.Associations).Save(e.value).Error; err != nil {
					return fmt.Errorf("failed to update %s: %w", e.schema.Table, err)
				}
				cs.Updated = append(cs.Updated, e.value)
			}
		}

		for _, l := range relinks {
			changes := relink(l)
			if len(changes) == 0 {
				continue
			}
			if err := tx.Model(l.target.value).UpdateColumns(changes).Error; err != nil {
				return fmt.Errorf("failed to link %s to %s: %w", l.target.schema.Table, l.owner.schema.Table, err)
			}
			cs.Updated = append(cs.Updated, l.target.value)
		}

		linkedOwners := make(map[*entry]bool)
		for _, j := range joins {
			row := joinRow(j)
			if row == nil {
				s.db.Logger.Warn(ctx, "session: skipping %s row for %s without keys", j.rel.JoinTable.Table, j.owner.schema.Name)
				continue
			}
			if err := tx.Table(j.rel.JoinTable.Table).Clauses(clause.Insert{Modifier: "IGNORE"}).Create(row).Error; err != nil {
				return fmt.Errorf("failed to insert into %s: %w", j.rel.JoinTable.Table, err)
			}
			joined = append(joined, j)
			if !linkedOwners[j.owner] {
				linkedOwners[j.owner] = true
				cs.Linked = append(cs.Linked, j.owner.value)
			}
		}

		for _, e := range deleted {
			if err := tx.Delete(e.value).Error; err != nil {
				return fmt.Errorf("failed to delete from %s: %w", e.schema.Table, err)
			}
			cs.Deleted = append(cs.Deleted, e.value)
		}
		return nil
	})
	if err != nil {
		s.metrics.recordFailure()
		return nil, err
	}

	s.accept(order, deleted, joined)
	s.metrics.record(cs)
	s.db.Logger.Info(ctx, "session saved: %d inserted, %d updated, %d deleted, %d linked",
		len(cs.Inserted), len(cs.Updated), len(cs.Deleted), len(cs.Linked))

	return cs, nil
}

// accept moves written entities to Unchanged, re-indexes their keys and
// remembers the join rows written
func (s *GormSession) accept(written, deleted []*entry, joined []join) {
	for _, e := range written {
		e.state = Unchanged
		if e.key != "" && s.byKey[e.key] == e {
			delete(s.byKey, e.key)
		}
		e.key = identityKey(e.ptr, e.schema)
		if e.key != "" {
			s.byKey[e.key] = e
		}
	}
	for _, j := range joined {
		if j.owner.linked[j.rel.Name] == nil {
			j.owner.linked[j.rel.Name] = make(map[uintptr]bool)
		}
		j.owner.linked[j.rel.Name][j.target.Pointer()] = true
	}
	for _, e := range deleted {
		s.remove(e)
	}
}

// links collects the navigations between tracked entities
func (s *GormSession) links(ctx context.Context) ([]link, error) {
	var links []link
	for _, owner := range s.entries {
		if owner.state == Deleted {
			continue
		}

		refs, err := s.References(ctx, owner.value)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			rel, ok := owner.schema.Relationships.Relations[ref.Name]
			if !ok || (rel.Type != schema.BelongsTo && rel.Type != schema.HasOne) {
				continue
			}
			related, err := s.Related(owner.value, ref)
			if err != nil {
				return nil, err
			}
			for _, r := range related {
				if target := s.find(r); target != nil && target.state != Deleted {
					links = append(links, link{owner: owner, target: target, rel: rel})
				}
			}
		}

		for _, rel := range owner.schema.Relationships.HasMany {
			for _, r := range relatedValues(owner.ptr.Elem().FieldByName(rel.Name)) {
				if target := s.find(r); target != nil && target.state != Deleted {
					links = append(links, link{owner: owner, target: target, rel: rel})
				}
			}
		}
	}
	return links, nil
}

// pendingJoins lists many2many elements of live owners that were not held
// when the owner was tracked or last saved
func (s *GormSession) pendingJoins() []join {
	var joins []join
	for _, owner := range s.entries {
		if owner.state == Deleted {
			continue
		}
		for _, rel := range owner.schema.Relationships.Many2Many {
			for _, r := range relatedValues(owner.ptr.Elem().FieldByName(rel.Name)) {
				target := reflect.ValueOf(r)
				if owner.linked[rel.Name][target.Pointer()] {
					continue
				}
				if e := s.find(r); e != nil && e.state == Deleted {
					continue
				}
				joins = append(joins, join{owner: owner, rel: rel, target: target})
			}
		}
	}
	return joins
}

// joinRow builds the join table row for j, or nil while a key is zero
func joinRow(j join) map[string]interface{} {
	row := make(map[string]interface{}, len(j.rel.References))
	for _, r := range j.rel.References {
		if r.ForeignKey == nil || r.PrimaryKey == nil {
			continue
		}
		src := j.target
		if r.OwnPrimaryKey {
			src = j.owner.ptr
		}
		v := reflect.Indirect(src.Elem().FieldByName(r.PrimaryKey.Name))
		if !v.IsValid() || v.IsZero() {
			return nil
		}
		row[r.ForeignKey.DBName] = v.Interface()
	}
	if len(row) == 0 {
		return nil
	}
	return row
}

// staleElements returns the has_many links whose Unchanged element must be
// repointed at its owner: the owner is about to be written, or the element's
// foreign key differs from the owner's key
func staleElements(links []link) []link {
	var stale []link
	for _, l := range links {
		if l.rel.Type != schema.HasMany || l.target.state != Unchanged {
			continue
		}
		if l.owner.state == Added || l.owner.state == Modified || keysDiffer(l) {
			stale = append(stale, l)
		}
	}
	return stale
}

func keysDiffer(l link) bool {
	for _, r := range l.rel.References {
		if r.ForeignKey == nil || r.PrimaryKey == nil {
			continue
		}
		pk := reflect.Indirect(l.owner.ptr.Elem().FieldByName(r.PrimaryKey.Name))
		fk := reflect.Indirect(l.target.ptr.Elem().FieldByName(r.ForeignKey.Name))
		if !pk.IsValid() || pk.IsZero() {
			continue
		}
		if !fk.IsValid() || fmt.Sprint(pk.Interface()) != fmt.Sprint(fk.Interface()) {
			return true
		}
	}
	return false
}

// relink copies the owner's keys into a has_many element and returns the
// columns whose value changed
func relink(l link) map[string]interface{} {
	before := make(map[string]string, len(l.rel.References))
	for _, r := range l.rel.References {
		if r.ForeignKey != nil {
			before[r.ForeignKey.Name] = fmt.Sprint(columnValue(l.target.ptr, r.ForeignKey))
		}
	}

	copyKeys(l.rel, l.owner.ptr, l.target.ptr)

	changes := make(map[string]interface{})
	for _, r := range l.rel.References {
		if r.ForeignKey == nil {
			continue
		}
		after := columnValue(l.target.ptr, r.ForeignKey)
		if fmt.Sprint(after) != before[r.ForeignKey.Name] {
			changes[r.ForeignKey.DBName] = after
		}
	}
	return changes
}

func columnValue(rv reflect.Value, f *schema.Field) interface{} {
	v := reflect.Indirect(rv.Elem().FieldByName(f.Name))
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

// writeOrder sorts pending entries so that every entry comes after the
// entries whose keys it needs: a belongs_to target before its owner, a
// has_one or has_many owner before its targets.
func writeOrder(pending []*entry, links []link) ([]*entry, error) {
	isPending := make(map[*entry]bool, len(pending))
	for _, e := range pending {
		isPending[e] = true
	}

	deps := make(map[*entry][]*entry)
	for _, l := range links {
		if !isPending[l.owner] || !isPending[l.target] {
			continue
		}
		if l.rel.Type == schema.BelongsTo {
			deps[l.owner] = append(deps[l.owner], l.target)
		} else {
			deps[l.target] = append(deps[l.target], l.owner)
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[*entry]int, len(pending))
	order := make([]*entry, 0, len(pending))

	var visit func(e *entry) error
	visit = func(e *entry) error {
		switch marks[e] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: through %s", ErrDependencyCycle, e.schema.Name)
		}
		marks[e] = visiting
		for _, d := range deps[e] {
			if err := visit(d); err != nil {
				return err
			}
		}
		marks[e] = done
		order = append(order, e)
		return nil
	}

	for _, e := range pending {
		if err := visit(e); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// propagateKeys copies primary keys into e's foreign keys before e is
// written: from its belongs_to targets, or from the has_one or has_many
// owner holding it
func propagateKeys(e *entry, links []link) {
	for _, l := range links {
		switch {
		case l.owner == e && l.rel.Type == schema.BelongsTo:
			copyKeys(l.rel, l.owner.ptr, l.target.ptr)
		case l.target == e && l.rel.Type != schema.BelongsTo:
			copyKeys(l.rel, l.owner.ptr, l.target.ptr)
		}
	}
}

// copyKeys assigns relationship keys between owner and target. For
// belongs_to the owner holds the foreign key; for has_one and has_many the
// target does.
func copyKeys(rel *schema.Relationship, owner, target reflect.Value) {
	for _, r := range rel.References {
		if r.ForeignKey == nil {
			continue
		}

		if r.PrimaryKey == nil {
			// polymorphic type column
			if r.PrimaryValue != "" {
				assign(target.Elem().FieldByName(r.ForeignKey.Name), reflect.ValueOf(r.PrimaryValue))
			}
			continue
		}

		if r.OwnPrimaryKey {
			assign(target.Elem().FieldByName(r.ForeignKey.Name), owner.Elem().FieldByName(r.PrimaryKey.Name))
		} else {
			assign(owner.Elem().FieldByName(r.ForeignKey.Name), target.Elem().FieldByName(r.PrimaryKey.Name))
		}
	}
}

// assign sets dst to a non-zero src, converting between compatible types
// and pointer levels
func assign(dst, src reflect.Value) bool {
	if !dst.IsValid() || !src.IsValid() {
		return false
	}
	for src.Kind() == reflect.Ptr {
		if src.IsNil() {
			return false
		}
		src = src.Elem()
	}
	if src.IsZero() || !dst.CanSet() {
		return false
	}

	if dst.Kind() == reflect.Ptr {
		elemType := dst.Type().Elem()
		if !src.Type().ConvertibleTo(elemType) {
			return false
		}
		p := reflect.New(elemType)
		p.Elem().Set(src.Convert(elemType))
		dst.Set(p)
		return true
	}

	if !src.Type().ConvertibleTo(dst.Type()) {
		return false
	}
	dst.Set(src.Convert(dst.Type()))
	return true
}
