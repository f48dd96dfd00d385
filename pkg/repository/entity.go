package repository

// Entity is the contract for models managed by a GenericRepository.
// TableName must match the table GORM resolves for the model.
type Entity interface {
	TableName() string

	// GetPrimaryKeyValue identifies the row in cache keys and dependency sets
	GetPrimaryKeyValue() interface{}
}

// RelationshipAware lets an entity list the rows whose caches must be
// cleared when it is written. Entities that don't implement it fall back to
// the belongs_to relationships of their GORM schema.
type RelationshipAware interface {
	Entity

	// GetRelationships returns related rows grouped by relation type, e.g.
	// {"belongs_to": [{"customers", 5}]}
	GetRelationships() map[string][]RelatedEntity
}

// RelatedEntity points at one related row
type RelatedEntity struct {
	EntityType string      // table name
	EntityID   interface{} // nil when the relation has no single row
}
