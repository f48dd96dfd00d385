package session

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/ammar0144/gormattach/pkg/metacache"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Provider creates GormSessions that share a database handle, a metadata
// cache and metrics. It is safe for concurrent use; the sessions it creates
// are not.
type Provider struct {
	db      *gorm.DB
	meta    metacache.Cache[[]Reference]
	metrics *sessionMetrics
}

// NewProvider creates a session provider. meta may be nil, in which case an
// in-process cache with the default 10 minute TTL is used. reg may be nil.
func NewProvider(db *gorm.DB, meta metacache.Cache[[]Reference], reg prometheus.Registerer) (*Provider, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if meta == nil {
		local, err := metacache.NewLocal[[]Reference](metacache.DefaultConfig(), nil)
		if err != nil {
			return nil, err
		}
		meta = local
	}

	metrics, err := newSessionMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register session metrics: %w", err)
	}

	return &Provider{db: db, meta: meta, metrics: metrics}, nil
}

// New starts an empty unit of work
func (p *Provider) New() *GormSession {
	return &GormSession{
		db:      p.db,
		meta:    p.meta,
		metrics: p.metrics,
		byPtr:   make(map[uintptr]*entry),
		byKey:   make(map[string]*entry),
	}
}

// entry is one tracked entity
type entry struct {
	value  any
	ptr    reflect.Value
	schema *schema.Schema
	state  State
	key    string
	loaded map[string]bool
	linked map[string]map[uintptr]bool // many2many elements already joined, by relation
}

// GormSession is a Session backed by a *gorm.DB
type GormSession struct {
	db      *gorm.DB
	meta    metacache.Cache[[]Reference]
	metrics *sessionMetrics

	entries []*entry // in tracking order
	byPtr   map[uintptr]*entry
	byKey   map[string]*entry
}

var _ Session = (*GormSession)(nil)

// parse validates entity and resolves its GORM schema
func (s *GormSession) parse(entity any) (reflect.Value, *schema.Schema, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, fmt.Errorf("%w: got %T", ErrInvalidEntity, entity)
	}

	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(entity); err != nil {
		return reflect.Value{}, nil, fmt.Errorf("failed to parse schema of %T: %w", entity, err)
	}
	return rv, stmt.Schema, nil
}

// identityKey returns "table:pk1,pk2" or "" while any primary key is zero
func identityKey(rv reflect.Value, sch *schema.Schema) string {
	if len(sch.PrimaryFields) == 0 {
		return ""
	}

	parts := make([]string, 0, len(sch.PrimaryFields))
	for _, pf := range sch.PrimaryFields {
		fv := rv.Elem().FieldByName(pf.Name)
		if !fv.IsValid() || fv.IsZero() {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", reflect.Indirect(fv).Interface()))
	}
	return sch.Table + ":" + strings.Join(parts, ",")
}

// lookup finds the entry for entity by pointer, then by key
func (s *GormSession) lookup(rv reflect.Value, sch *schema.Schema) *entry {
	if e, ok := s.byPtr[rv.Pointer()]; ok {
		return e
	}
	if key := identityKey(rv, sch); key != "" {
		return s.byKey[key]
	}
	return nil
}

func (s *GormSession) find(entity any) *entry {
	rv, sch, err := s.parse(entity)
	if err != nil {
		return nil
	}
	return s.lookup(rv, sch)
}

func (s *GormSession) track(entity any, state State) error {
	rv, sch, err := s.parse(entity)
	if err != nil {
		return err
	}

	if e := s.lookup(rv, sch); e != nil {
		if e.ptr.Pointer() != rv.Pointer() {
			return fmt.Errorf("%w: %s", ErrIdentityConflict, e.key)
		}
		if state != Unchanged {
			e.state = state
		}
		return nil
	}

	e := &entry{
		value:  entity,
		ptr:    rv,
		schema: sch,
		state:  state,
		key:    identityKey(rv, sch),
		loaded: make(map[string]bool),
		linked: joinedElements(rv, sch),
	}
	s.entries = append(s.entries, e)
	s.byPtr[rv.Pointer()] = e
	if e.key != "" {
		s.byKey[e.key] = e
	}
	return nil
}

// Attach tracks entity as Unchanged
func (s *GormSession) Attach(entity any) error {
	return s.track(entity, Unchanged)
}

// Add tracks entity as Added
func (s *GormSession) Add(entity any) error {
	return s.track(entity, Added)
}

// Detach stops tracking entity
func (s *GormSession) Detach(entity any) {
	if e := s.find(entity); e != nil {
		s.remove(e)
	}
}

func (s *GormSession) remove(e *entry) {
	delete(s.byPtr, e.ptr.Pointer())
	if e.key != "" && s.byKey[e.key] == e {
		delete(s.byKey, e.key)
	}
	for i, other := range s.entries {
		if other == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

// Tracked reports whether entity, or another instance with its key, is tracked
func (s *GormSession) Tracked(entity any) bool {
	return s.find(entity) != nil
}

// State returns the tracked state of entity
func (s *GormSession) State(entity any) State {
	if e := s.find(entity); e != nil {
		return e.state
	}
	return Detached
}

// SetState tracks entity if needed and moves it to state. Detached stops
// tracking it.
func (s *GormSession) SetState(entity any, state State) error {
	if state == Detached {
		s.Detach(entity)
		return nil
	}
	if err := s.track(entity, state); err != nil {
		return err
	}
	s.find(entity).state = state
	return nil
}

// Len returns the number of tracked entities
func (s *GormSession) Len() int {
	return len(s.entries)
}

// joinedElements snapshots the many2many collections of a tracked entity
func joinedElements(rv reflect.Value, sch *schema.Schema) map[string]map[uintptr]bool {
	joined := make(map[string]map[uintptr]bool, len(sch.Relationships.Many2Many))
	for _, rel := range sch.Relationships.Many2Many {
		set := make(map[uintptr]bool)
		for _, r := range relatedValues(rv.Elem().FieldByName(rel.Name)) {
			set[reflect.ValueOf(r).Pointer()] = true
		}
		joined[rel.Name] = set
	}
	return joined
}

// References reports entity's belongs_to and has_one relationships in field
// order, or the references it declares. Derived results are cached per type.
func (s *GormSession) References(ctx context.Context, entity any) ([]Reference, error) {
	if d, ok := entity.(ReferenceDeclarer); ok {
		names := d.NavigationReferences()
		refs := make([]Reference, 0, len(names))
		for _, name := range names {
			refs = append(refs, Reference{Name: name, Kind: KindDeclared})
		}
		return refs, nil
	}

	_, sch, err := s.parse(entity)
	if err != nil {
		return nil, err
	}

	return s.meta.GetOrAdd(ctx, typeKey(sch.ModelType), func(context.Context) ([]Reference, error) {
		return referencesOf(sch), nil
	})
}

func typeKey(t reflect.Type) string {
	return t.PkgPath() + "." + t.Name()
}

// referencesOf walks the schema fields, embedded structs included
func referencesOf(sch *schema.Schema) []Reference {
	refs := []Reference{}
	seen := make(map[string]bool)
	for _, f := range sch.Fields {
		rel, ok := sch.Relationships.Relations[f.Name]
		if !ok || seen[rel.Name] {
			continue
		}
		seen[rel.Name] = true
		switch rel.Type {
		case schema.BelongsTo:
			refs = append(refs, Reference{Name: rel.Name, Kind: KindBelongsTo})
		case schema.HasOne:
			refs = append(refs, Reference{Name: rel.Name, Kind: KindHasOne})
		}
	}
	return refs
}

// field returns the addressable struct field behind ref
func field(entity any, ref Reference) (reflect.Value, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: got %T", ErrInvalidEntity, entity)
	}
	fv := rv.Elem().FieldByName(ref.Name)
	if !fv.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: %T has no field %q", ErrUnknownReference, entity, ref.Name)
	}
	return fv, nil
}

// Related returns the entities currently held by ref
func (s *GormSession) Related(entity any, ref Reference) ([]any, error) {
	fv, err := field(entity, ref)
	if err != nil {
		return nil, err
	}
	return relatedValues(fv), nil
}

func relatedValues(fv reflect.Value) []any {
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() || fv.Elem().Kind() != reflect.Struct {
			return nil
		}
		return []any{fv.Interface()}
	case reflect.Struct:
		if fv.IsZero() {
			return nil
		}
		return []any{fv.Addr().Interface()}
	case reflect.Slice:
		var out []any
		for i := 0; i < fv.Len(); i++ {
			out = append(out, relatedValues(fv.Index(i))...)
		}
		return out
	default:
		return nil
	}
}

// Load fills an unset belongs_to or has_one property from the database when
// its keys allow it. Populated properties are left as they are.
func (s *GormSession) Load(ctx context.Context, entity any, ref Reference) error {
	rv, sch, err := s.parse(entity)
	if err != nil {
		return err
	}
	fv, err := field(entity, ref)
	if err != nil {
		return err
	}
	e := s.lookup(rv, sch)
	if e != nil && e.loaded[ref.Name] {
		return nil
	}
	done := func() {
		if e != nil {
			e.loaded[ref.Name] = true
		}
	}

	if len(relatedValues(fv)) > 0 {
		done()
		return nil
	}
	rel, ok := sch.Relationships.Relations[ref.Name]
	if !ok || !resolvable(rv, rel) {
		done()
		return nil
	}

	target := reflect.New(rel.FieldSchema.ModelType)
	if err := s.db.WithContext(ctx).Model(entity).Association(ref.Name).Find(target.Interface()); err != nil {
		return fmt.Errorf("failed to load %s.%s: %w", sch.Name, ref.Name, err)
	}
	done()
	if identityKey(target, rel.FieldSchema) == "" {
		return nil
	}

	switch fv.Kind() {
	case reflect.Ptr:
		fv.Set(target)
	case reflect.Struct:
		fv.Set(target.Elem())
	}
	return nil
}

// resolvable reports whether the keys on the owner side identify the related row
func resolvable(owner reflect.Value, rel *schema.Relationship) bool {
	if rel.Type != schema.BelongsTo && rel.Type != schema.HasOne {
		return false
	}
	for _, r := range rel.References {
		var f *schema.Field
		if r.OwnPrimaryKey {
			f = r.PrimaryKey
		} else {
			f = r.ForeignKey
		}
		if f == nil {
			continue
		}
		v := owner.Elem().FieldByName(f.Name)
		if !v.IsValid() || v.IsZero() {
			return false
		}
	}
	return len(rel.References) > 0
}

// Exists reports whether entity is tracked as persisted or its primary key
// matches a row. Entities with a zero primary key never exist.
func (s *GormSession) Exists(ctx context.Context, entity any) (bool, error) {
	rv, sch, err := s.parse(entity)
	if err != nil {
		return false, err
	}

	if e := s.lookup(rv, sch); e != nil && e.state != Added {
		return true, nil
	}
	if identityKey(rv, sch) == "" {
		return false, nil
	}

	conds := make(map[string]interface{}, len(sch.PrimaryFields))
	for _, pf := range sch.PrimaryFields {
		conds[pf.DBName] = reflect.Indirect(rv.Elem().FieldByName(pf.Name)).Interface()
	}

	var count int64
	if err := s.db.WithContext(ctx).Table(sch.Table).Where(conds).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", sch.Table, err)
	}
	return count > 0, nil
}
