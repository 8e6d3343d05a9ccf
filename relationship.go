package schemamodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// RelationshipKind tags the strategy a relationship is realized with.
type RelationshipKind string

const (
	BelongsTo     RelationshipKind = "belongs_to"
	HasOne        RelationshipKind = "has_one"
	HasMany       RelationshipKind = "has_many"
	BelongsToMany RelationshipKind = "belongs_to_many"
	ManyToMany    RelationshipKind = "many_to_many"
)

// RelationshipDefinition declares a relationship once per model type.
// Build one with NewManyToMany, NewBelongsToMany, NewBelongsTo, NewHasOne or
// NewHasMany and the fluent setters below.
type RelationshipDefinition struct {
	key         string
	kind        RelationshipKind
	through     Table
	thisColumn  string
	otherColumn string
	entity      string
	target      *ModelType
	lazy        bool
	caching     bool
}

func newRelationship(key string, kind RelationshipKind) *RelationshipDefinition {
	return &RelationshipDefinition{key: key, kind: kind, caching: true}
}

// NewManyToMany declares a relationship realized through a join table.
func NewManyToMany(key string) *RelationshipDefinition { return newRelationship(key, ManyToMany) }

// NewBelongsToMany declares the inverse side of a join-table relationship.
func NewBelongsToMany(key string) *RelationshipDefinition {
	return newRelationship(key, BelongsToMany)
}

// NewBelongsTo declares a relationship where the owner row holds the target id.
func NewBelongsTo(key string) *RelationshipDefinition { return newRelationship(key, BelongsTo) }

// NewHasOne declares a relationship where one target row holds the owner id.
func NewHasOne(key string) *RelationshipDefinition { return newRelationship(key, HasOne) }

// NewHasMany declares a relationship where many target rows hold the owner id.
func NewHasMany(key string) *RelationshipDefinition { return newRelationship(key, HasMany) }

// Through sets the join table.
func (d *RelationshipDefinition) Through(table Table) *RelationshipDefinition {
	d.through = table
	return d
}

// ThisColumn sets the column referencing the owner. For BelongsTo it is the
// owner attribute holding the target id.
func (d *RelationshipDefinition) ThisColumn(column string) *RelationshipDefinition {
	d.thisColumn = column
	return d
}

// OtherColumn sets the join table column referencing the target.
func (d *RelationshipDefinition) OtherColumn(column string) *RelationshipDefinition {
	d.otherColumn = column
	return d
}

// Entity names the target model type, resolved through the owner's registry.
func (d *RelationshipDefinition) Entity(name string) *RelationshipDefinition {
	d.entity = name
	return d
}

// Target sets the target model type directly.
func (d *RelationshipDefinition) Target(t *ModelType) *RelationshipDefinition {
	d.target = t
	if d.entity == "" && t != nil {
		d.entity = t.Name()
	}
	return d
}

// Lazy makes fetches return LazyReference values instead of loaded entities.
func (d *RelationshipDefinition) Lazy() *RelationshipDefinition {
	d.lazy = true
	return d
}

// WithoutCaching disables per-instance memoization; every read fetches.
func (d *RelationshipDefinition) WithoutCaching() *RelationshipDefinition {
	d.caching = false
	return d
}

func (d *RelationshipDefinition) Key() string            { return d.key }
func (d *RelationshipDefinition) Kind() RelationshipKind { return d.kind }
func (d *RelationshipDefinition) ThroughTable() Table    { return d.through }
func (d *RelationshipDefinition) ThisColumnName() string { return d.thisColumn }
func (d *RelationshipDefinition) OtherColumnName() string {
	return d.otherColumn
}
func (d *RelationshipDefinition) EntityName() string   { return d.entity }
func (d *RelationshipDefinition) IsLazy() bool         { return d.lazy }
func (d *RelationshipDefinition) CachingEnabled() bool { return d.caching }

// SupportsCRUD reports whether membership can be written through this relationship.
func (d *RelationshipDefinition) SupportsCRUD() bool {
	return d.kind == ManyToMany || d.kind == BelongsToMany
}

// IsCollection reports whether the relationship value is a list.
func (d *RelationshipDefinition) IsCollection() bool {
	return d.kind != BelongsTo && d.kind != HasOne
}

// Bind validates the definition for owner, fills default linking columns and
// returns the strategy that serves it.
func (d *RelationshipDefinition) Bind(owner *ModelType) (Relationship, error) {
	if strings.TrimSpace(d.key) == "" {
		return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef, "relationship key is empty").
			WithModel(owner.Name())
	}

	bound := *d
	ownerColumn := foreignKeyFor(owner.Name())
	switch d.kind {
	case ManyToMany, BelongsToMany:
		if d.through == nil {
			return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef,
				"join table is required").WithModel(owner.Name()).WithField(d.key)
		}
		if bound.thisColumn == "" {
			bound.thisColumn = ownerColumn
		}
		if bound.otherColumn == "" {
			bound.otherColumn = foreignKeyFor(d.key)
		}
		return &joinTableRelationship{def: &bound, owner: owner}, nil
	case BelongsTo:
		if bound.thisColumn == "" {
			bound.thisColumn = foreignKeyFor(d.key)
		}
		return &belongsToRelationship{def: &bound, owner: owner}, nil
	case HasOne, HasMany:
		if bound.thisColumn == "" {
			bound.thisColumn = ownerColumn
		}
		return &hasRelationship{def: &bound, owner: owner}, nil
	}
	return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef,
		fmt.Sprintf("unsupported relationship kind %q", d.kind)).WithModel(owner.Name()).WithField(d.key)
}

// RelationshipBinder produces a Relationship for an owner type. Custom
// strategies implement it to plug into WithRelationships.
type RelationshipBinder interface {
	Bind(owner *ModelType) (Relationship, error)
}

// Relationship is a bound relationship strategy.
type Relationship interface {
	Definition() *RelationshipDefinition
	// Fetch loads the relationship value for owner: a list for collection
	// relationships, a single value or nil otherwise.
	Fetch(ctx context.Context, owner *Model) (any, error)
}

// CRUDRelationship is a relationship whose membership is written through a
// join table.
type CRUDRelationship interface {
	Relationship
	FetchRelationshipData(ctx context.Context, ownerID any) ([]any, error)
	InsertRelationshipData(ctx context.Context, ownerID any, ids []any) error
	DeleteRelationshipData(ctx context.Context, ownerID any, ids []any) error
	DeleteAllRelationshipData(ctx context.Context, ownerID any) error
}

// RelationshipCollection holds the relationships of one model type in
// declaration order.
type RelationshipCollection struct {
	order []string
	byKey map[string]Relationship
}

// NewRelationshipCollection returns an empty collection.
func NewRelationshipCollection() *RelationshipCollection {
	return &RelationshipCollection{byKey: make(map[string]Relationship)}
}

// Add appends rel. Keys must be unique.
func (c *RelationshipCollection) Add(rel Relationship) error {
	key := rel.Definition().Key()
	if _, exists := c.byKey[key]; exists {
		return NewConfigurationError(ErrCodeInvalidRelationshipDef,
			fmt.Sprintf("relationship %s declared twice", key)).WithField(key)
	}
	c.order = append(c.order, key)
	c.byKey[key] = rel
	return nil
}

func (c *RelationshipCollection) Has(key string) bool {
	_, ok := c.byKey[key]
	return ok
}

func (c *RelationshipCollection) Get(key string) (Relationship, bool) {
	rel, ok := c.byKey[key]
	return rel, ok
}

// GetOrFail returns the relationship for key or an UnknownRelationship error.
func (c *RelationshipCollection) GetOrFail(key string) (Relationship, error) {
	rel, ok := c.byKey[key]
	if !ok {
		return nil, NewUnknownRelationshipError(key)
	}
	return rel, nil
}

// All returns the relationships in declaration order.
func (c *RelationshipCollection) All() []Relationship {
	out := make([]Relationship, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.byKey[key])
	}
	return out
}

// Keys returns the relationship keys in declaration order.
func (c *RelationshipCollection) Keys() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *RelationshipCollection) Len() int { return len(c.order) }

// joinTableRelationship serves ManyToMany and BelongsToMany through a join
// table holding (thisColumn, otherColumn) pairs.
type joinTableRelationship struct {
	def   *RelationshipDefinition
	owner *ModelType
}

func (r *joinTableRelationship) Definition() *RelationshipDefinition { return r.def }

func (r *joinTableRelationship) Fetch(ctx context.Context, owner *Model) (any, error) {
	ownerID := owner.PrimaryValue()
	if isAbsentPrimary(ownerID) {
		return []any{}, nil
	}
	ids, err := r.FetchRelationshipData(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !r.def.lazy {
		return ids, nil
	}
	resolver := targetResolver(r.def, r.owner)
	refs := make([]any, len(ids))
	for i, id := range ids {
		refs[i] = NewLazyReference(id, resolver)
	}
	return refs, nil
}

func (r *joinTableRelationship) FetchRelationshipData(ctx context.Context, ownerID any) ([]any, error) {
	rows, err := r.def.through.RowsWhere(ctx, r.def.thisColumn, ownerID, OpEquals, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch %s rows from %s: %w", r.def.key, r.def.through.Name(), err)
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		id, err := NormalizeID(row[r.def.otherColumn])
		if err != nil {
			return nil, fmt.Errorf("join row in %s: %w", r.def.through.Name(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *joinTableRelationship) InsertRelationshipData(ctx context.Context, ownerID any, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	rows := make([]Row, len(ids))
	for i, id := range ids {
		rows[i] = Row{r.def.thisColumn: ownerID, r.def.otherColumn: id}
	}
	return r.def.through.InsertMany(ctx, rows)
}

func (r *joinTableRelationship) DeleteRelationshipData(ctx context.Context, ownerID any, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	return r.def.through.DeleteMany(ctx, ids, r.def.otherColumn,
		Where{Column: r.def.thisColumn, Op: OpEquals, Value: ownerID})
}

func (r *joinTableRelationship) DeleteAllRelationshipData(ctx context.Context, ownerID any) error {
	return r.def.through.DeleteMany(ctx, []any{ownerID}, r.def.thisColumn)
}

// belongsToRelationship reads the target id from an owner attribute.
type belongsToRelationship struct {
	def   *RelationshipDefinition
	owner *ModelType
}

func (r *belongsToRelationship) Definition() *RelationshipDefinition { return r.def }

func (r *belongsToRelationship) Fetch(ctx context.Context, owner *Model) (any, error) {
	raw, err := owner.attributes.Get(r.def.thisColumn)
	if err != nil {
		return nil, err
	}
	if isAbsentPrimary(raw) {
		return nil, nil
	}
	id, err := NormalizeID(raw)
	if err != nil {
		return nil, err
	}
	if r.def.lazy {
		return NewLazyReference(id, targetResolver(r.def, r.owner)), nil
	}
	target, err := resolveTarget(r.def, r.owner)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return id, nil
	}
	m, err := target.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// hasRelationship serves HasOne and HasMany by querying the target table
// for rows whose thisColumn equals the owner id.
type hasRelationship struct {
	def   *RelationshipDefinition
	owner *ModelType
}

func (r *hasRelationship) Definition() *RelationshipDefinition { return r.def }

func (r *hasRelationship) Fetch(ctx context.Context, owner *Model) (any, error) {
	target, err := resolveTarget(r.def, r.owner)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef,
			"target entity is required").WithModel(r.owner.Name()).WithField(r.def.key)
	}

	ownerID := owner.PrimaryValue()
	if isAbsentPrimary(ownerID) {
		if r.def.kind == HasOne {
			return nil, nil
		}
		return []any{}, nil
	}

	limit := 0
	if r.def.kind == HasOne {
		limit = 1
	}
	models, err := target.Query().Where(r.def.thisColumn, OpEquals, ownerID).Limit(limit).All(ctx)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(models))
	for i, m := range models {
		if r.def.lazy {
			values[i] = NewLazyReference(m.PrimaryValue(), targetResolver(r.def, r.owner))
		} else {
			values[i] = m
		}
	}
	if r.def.kind == HasOne {
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil
	}
	return values, nil
}

func resolveTarget(def *RelationshipDefinition, owner *ModelType) (*ModelType, error) {
	if def.target != nil {
		return def.target, nil
	}
	if def.entity == "" || owner.registry == nil {
		return nil, nil
	}
	return owner.registry.Type(def.entity)
}

func targetResolver(def *RelationshipDefinition, owner *ModelType) Resolver {
	return func(ctx context.Context, id any) (any, error) {
		target, err := resolveTarget(def, owner)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef,
				"lazy reference has no target entity").WithField(def.key)
		}
		m, err := target.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// foreignKeyFor derives "<singular snake name>_id", e.g. posts -> post_id.
func foreignKeyFor(name string) string {
	return inflection.Singular(toDBName(name)) + "_id"
}

func toDBName(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
