package schemamodel

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Model is one entity instance bound to a row of its type's table. A Model is
// a unit-of-work object and is not safe for concurrent use.
type Model struct {
	modelType  *ModelType
	meta       *typeMetadata
	attributes *AttributeStore
	handles    map[string]*relationshipHandle
	tracker    *ChangeTracker
	deleted    bool
}

type relationshipHandle struct {
	loaded bool
	value  any
}

func (t *ModelType) newInstance(meta *typeMetadata) *Model {
	m := &Model{
		modelType:  t,
		meta:       meta,
		attributes: NewAttributeStore(meta.properties),
		handles:    make(map[string]*relationshipHandle, meta.relationships.Len()),
		tracker:    NewChangeTracker(),
	}

	now := t.clock()
	for _, name := range meta.propertyOrder {
		def := meta.properties[name]
		if !def.HasDefault() {
			continue
		}
		prepared, err := def.Prepare(def.Default(now))
		if err != nil {
			// Left unset so the storage default applies.
			t.log().Debugw("default not assigned", "model", t.name, "property", name, "error", err)
			continue
		}
		m.attributes.assign(name, prepared)
	}
	return m
}

func (t *ModelType) fromData(ctx context.Context, data any, mode BuildMode, commitLoaded bool) (*Model, error) {
	if t.abstract {
		return nil, NewStateError(ErrCodeAbstractModel, "abstract model type cannot be instantiated").WithModel(t.name)
	}

	payload, perr := toPayload(data)
	if perr != nil {
		return nil, perr.WithModel(t.name)
	}

	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}

	// Validate the whole payload before the instance is touched.
	values := make(map[string]any, len(payload))
	for _, name := range meta.propertyOrder {
		def := meta.properties[name]
		raw, present := payload[name]
		if name == meta.primaryColumn && present && isAbsentPrimary(raw) {
			present = false
		}
		if !present {
			if name != meta.primaryColumn && !def.HasDefault() {
				return nil, NewMissingPropertyError(name).WithModel(t.name)
			}
			continue
		}
		prepared, err := def.Prepare(raw)
		if err != nil {
			return nil, err.(*ModelError).WithModel(t.name)
		}
		values[name] = prepared
	}

	relationships := make(map[string][]any)
	for _, rel := range meta.relationships.All() {
		def := rel.Definition()
		raw, present := payload[def.Key()]
		if !present {
			continue
		}
		if def.Kind() == HasOne || def.Kind() == HasMany {
			return nil, readOnlyRelationship(def.Key()).WithModel(t.name)
		}
		ids, err := normalizeRelationshipValue(raw)
		if err != nil {
			return nil, err.(*ModelError).WithModel(t.name).WithField(def.Key())
		}
		if def.Kind() == BelongsTo {
			if len(ids) > 1 {
				return nil, invalidRelationshipValue(raw, "belongs-to takes a single value").
					WithModel(t.name).WithField(def.Key())
			}
			if _, explicit := values[def.ThisColumnName()]; !explicit && len(ids) == 1 {
				prepared, err := t.prepareForeignKey(meta, def, ids[0])
				if err != nil {
					return nil, err
				}
				values[def.ThisColumnName()] = prepared
			}
		}
		relationships[def.Key()] = ids
	}

	if mode == BuildModeRejectExtra {
		var extra []string
		for key := range payload {
			if _, isProperty := meta.properties[key]; isProperty {
				continue
			}
			if meta.relationships.Has(key) {
				continue
			}
			extra = append(extra, key)
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, (&ModelError{
				Type:    ErrorTypeValidation,
				Code:    ErrCodeUnexpectedProperty,
				Message: fmt.Sprintf("unexpected keys: %s", strings.Join(extra, ", ")),
				Field:   extra[0],
			}).WithModel(t.name).WithDetail("keys", extra)
		}
	}

	m := t.newInstance(meta)
	for _, name := range meta.propertyOrder {
		if v, ok := values[name]; ok {
			m.attributes.assign(name, v)
		}
	}
	for _, rel := range meta.relationships.All() {
		def := rel.Definition()
		ids, ok := relationships[def.Key()]
		if !ok || def.Kind() == BelongsTo {
			continue
		}
		m.stageRelationship(def, payload[def.Key()], ids)
	}

	if commitLoaded && !isAbsentPrimary(m.PrimaryValue()) {
		m.attributes.CommitChanges()
	}
	return m, nil
}

func (t *ModelType) prepareForeignKey(meta *typeMetadata, def *RelationshipDefinition, id any) (any, error) {
	fk, ok := meta.properties[def.ThisColumnName()]
	if !ok {
		return nil, NewConfigurationError(ErrCodeInvalidRelationshipDef,
			fmt.Sprintf("belongs-to column %s is not a property", def.ThisColumnName())).
			WithModel(t.name).WithField(def.Key())
	}
	prepared, err := fk.Prepare(id)
	if err != nil {
		return nil, err.(*ModelError).WithModel(t.name)
	}
	return prepared, nil
}

// toPayload flattens construction data into a key/value map.
func toPayload(data any) (map[string]any, *ModelError) {
	switch d := data.(type) {
	case nil:
		return nil, &ModelError{Type: ErrorTypeValidation, Code: ErrCodeInvalidData, Message: "data is nil"}
	case map[string]any:
		return d, nil
	case Row:
		return d, nil
	}

	rv := reflect.ValueOf(data)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, &ModelError{Type: ErrorTypeValidation, Code: ErrCodeInvalidData, Message: "data is a nil pointer"}
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case reflect.Struct:
		if rv.Type() == timeType {
			break
		}
		out := make(map[string]any)
		flattenStruct(rv, out)
		return out, nil
	}

	return nil, &ModelError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeInvalidData,
		Message: fmt.Sprintf("data must be a map or a struct, got %T", data),
	}
}

// flattenStruct copies exported fields keyed by their db tag (or snake-cased
// name). Anonymous embedded structs are flattened into the same level.
func flattenStruct(rv reflect.Value, out map[string]any) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(field.Tag.Get("db"), ",")
		if tag == "-" {
			continue
		}
		fv := rv.Field(i)
		if field.Anonymous && tag == "" {
			for fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					break
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct && fv.Type() != timeType {
				flattenStruct(fv, out)
				continue
			}
		}
		name := tag
		if name == "" {
			name = toDBName(field.Name)
		}
		out[name] = fv.Interface()
	}
}

// Type returns the instance's model type.
func (m *Model) Type() *ModelType { return m.modelType }

// PrimaryColumn returns the identifier column name.
func (m *Model) PrimaryColumn() string { return m.meta.primaryColumn }

// PrimaryValue returns the identifier, or nil for a transient instance.
func (m *Model) PrimaryValue() any {
	v := m.attributes.values[m.meta.primaryColumn]
	if isAbsentPrimary(v) {
		return nil
	}
	return v
}

// IsTransient reports whether the instance has no storage identifier yet.
func (m *Model) IsTransient() bool { return m.PrimaryValue() == nil }

// IsDeleted reports whether Delete removed the instance's row.
func (m *Model) IsDeleted() bool { return m.deleted }

// IsDirty reports whether any attribute changed since the last save or load.
func (m *Model) IsDirty() bool { return m.attributes.IsDirty() }

// IsAttributeDirty reports whether name changed since the last save or load.
func (m *Model) IsAttributeDirty(name string) bool { return m.attributes.IsAttributeDirty(name) }

// DirtyKeys returns the changed attribute names.
func (m *Model) DirtyKeys() []string { return m.attributes.DirtyKeys() }

// Attributes returns a copy of the attribute values.
func (m *Model) Attributes() Row { return m.attributes.Row() }

// GetAttribute reads a property.
func (m *Model) GetAttribute(name string) (any, error) {
	v, err := m.attributes.Get(name)
	if err != nil {
		return nil, err.(*ModelError).WithModel(m.modelType.name)
	}
	return v, nil
}

// SetAttribute casts and assigns a property.
func (m *Model) SetAttribute(name string, value any) error {
	if m.deleted {
		return m.deletedError()
	}
	if err := m.attributes.Set(name, value); err != nil {
		return err.(*ModelError).WithModel(m.modelType.name)
	}
	return nil
}

// Get reads a property or relationship by name. Relationships take
// precedence when a name is both.
func (m *Model) Get(ctx context.Context, name string) (any, error) {
	member, err := m.meta.members.member(name)
	if err != nil {
		return nil, err.(*ModelError).WithModel(m.modelType.name)
	}
	return m.dispatch(ctx, Accessor{Member: member, Op: AccessorGet}, nil)
}

// Set writes a property or relationship by name. Relationships take
// precedence when a name is both.
func (m *Model) Set(ctx context.Context, name string, value any) error {
	member, err := m.meta.members.member(name)
	if err != nil {
		return err.(*ModelError).WithModel(m.modelType.name)
	}
	_, err = m.dispatch(ctx, Accessor{Member: member, Op: AccessorSet}, value)
	return err
}

// Call invokes a get_<name> or set_<name> accessor. Getters take no
// arguments; setters take exactly one.
func (m *Model) Call(ctx context.Context, name string, args ...any) (any, error) {
	accessor, err := m.meta.members.accessor(name)
	if err != nil {
		return nil, err.(*ModelError).WithModel(m.modelType.name)
	}
	switch accessor.Op {
	case AccessorGet:
		if len(args) != 0 {
			return nil, invalidArguments(name, "getter takes no arguments").WithModel(m.modelType.name)
		}
		return m.dispatch(ctx, accessor, nil)
	default:
		if len(args) != 1 {
			return nil, invalidArguments(name, "setter takes exactly one argument").WithModel(m.modelType.name)
		}
		return m.dispatch(ctx, accessor, args[0])
	}
}

func (m *Model) dispatch(ctx context.Context, a Accessor, value any) (any, error) {
	switch a.Kind {
	case MemberRelationship:
		if a.Op == AccessorGet {
			return m.Relationship(ctx, a.Name)
		}
		return nil, m.SetRelationship(ctx, a.Name, value)
	default:
		if a.Op == AccessorGet {
			return m.GetAttribute(a.Name)
		}
		return nil, m.SetAttribute(a.Name, value)
	}
}

func invalidArguments(member, message string) *ModelError {
	return &ModelError{Type: ErrorTypeValidation, Code: ErrCodeInvalidArguments, Message: message, Field: member}
}

func readOnlyRelationship(key string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeReadOnlyRelation,
		Message: "relationship is read-only",
		Field:   key,
	}
}

func (m *Model) relationship(key string) (Relationship, error) {
	rel, err := m.meta.relationships.GetOrFail(key)
	if err != nil {
		return nil, err.(*ModelError).WithModel(m.modelType.name)
	}
	return rel, nil
}

func (m *Model) handle(key string) *relationshipHandle {
	h, ok := m.handles[key]
	if !ok {
		h = &relationshipHandle{}
		m.handles[key] = h
	}
	return h
}

// Relationship returns the relationship value, fetching and memoizing it on
// first access. Collection values are copies of the cached list.
func (m *Model) Relationship(ctx context.Context, key string) (any, error) {
	rel, err := m.relationship(key)
	if err != nil {
		return nil, err
	}
	def := rel.Definition()
	h := m.handle(key)
	if def.CachingEnabled() && h.loaded {
		return copyList(h.value), nil
	}

	value, err := rel.Fetch(ctx, m)
	if err != nil {
		return nil, NewPersistenceError(ErrCodeFetchFailed, "failed to fetch relationship", err).
			WithModel(m.modelType.name).WithField(key)
	}
	if def.CachingEnabled() {
		h.value = copyList(value)
		h.loaded = true
	}
	return value, nil
}

// SetRelationship replaces the relationship value wholesale and stages the
// membership diff against the previously cached value. A nil or empty value
// deletes the persisted membership instead.
func (m *Model) SetRelationship(ctx context.Context, key string, value any) error {
	if m.deleted {
		return m.deletedError()
	}
	rel, err := m.relationship(key)
	if err != nil {
		return err
	}
	def := rel.Definition()

	switch def.Kind() {
	case HasOne, HasMany:
		return readOnlyRelationship(key).WithModel(m.modelType.name)
	case BelongsTo:
		return m.setBelongsTo(def, value)
	}

	if isEmptyRelationshipValue(value) {
		return m.DeleteRelationshipData(ctx, key)
	}

	ids, err := normalizeRelationshipValue(value)
	if err != nil {
		return err.(*ModelError).WithModel(m.modelType.name).WithField(key)
	}
	m.stageRelationship(def, value, ids)
	return nil
}

func (m *Model) setBelongsTo(def *RelationshipDefinition, value any) error {
	column := def.ThisColumnName()
	if isEmptyRelationshipValue(value) {
		if err := m.SetAttribute(column, nil); err != nil {
			return err
		}
		h := m.handle(def.Key())
		h.value, h.loaded = nil, def.CachingEnabled()
		return nil
	}
	id, err := NormalizeID(value)
	if err != nil {
		return err.(*ModelError).WithModel(m.modelType.name).WithField(def.Key())
	}
	prepared, err := m.modelType.prepareForeignKey(m.meta, def, id)
	if err != nil {
		return err
	}
	m.attributes.assign(column, prepared)
	if def.CachingEnabled() {
		h := m.handle(def.Key())
		h.value, h.loaded = value, true
	}
	return nil
}

// stageRelationship diffs ids against the cached membership. ids must be
// the normalized form of value.
func (m *Model) stageRelationship(def *RelationshipDefinition, value any, ids []any) {
	key := def.Key()
	h := m.handle(key)
	if def.CachingEnabled() && h.loaded {
		previous, err := normalizeRelationshipValue(h.value)
		if err == nil {
			for _, id := range previous {
				m.tracker.Remove(key, id)
			}
		}
	}
	for _, id := range ids {
		m.tracker.Add(key, id)
	}
	if def.CachingEnabled() {
		h.value = slices.Clone(asList(value))
		h.loaded = true
	}
}

// AddToRelationship stages one member for insertion.
func (m *Model) AddToRelationship(key string, member any) error {
	def, id, err := m.crudMember(key, member)
	if err != nil {
		return err
	}
	m.tracker.Add(key, id)

	h := m.handle(key)
	if def.CachingEnabled() && h.loaded {
		list := slices.Clone(asList(h.value))
		if !containsID(list, id) {
			list = append(list, member)
		}
		h.value = list
	}
	return nil
}

// RemoveFromRelationship stages one member for deletion, or cancels its
// staged insertion.
func (m *Model) RemoveFromRelationship(key string, member any) error {
	def, id, err := m.crudMember(key, member)
	if err != nil {
		return err
	}
	m.tracker.Remove(key, id)

	h := m.handle(key)
	if def.CachingEnabled() && h.loaded {
		h.value = removeMember(asList(h.value), id)
	}
	return nil
}

func (m *Model) crudMember(key string, member any) (*RelationshipDefinition, any, error) {
	if m.deleted {
		return nil, nil, m.deletedError()
	}
	rel, err := m.relationship(key)
	if err != nil {
		return nil, nil, err
	}
	def := rel.Definition()
	if _, ok := rel.(CRUDRelationship); !ok || !def.SupportsCRUD() {
		return nil, nil, readOnlyRelationship(key).WithModel(m.modelType.name)
	}
	id, err := NormalizeID(member)
	if err != nil {
		return nil, nil, err.(*ModelError).WithModel(m.modelType.name).WithField(key)
	}
	return def, id, nil
}

// DeleteRelationshipData removes every persisted membership row of the
// relationship and resets its staging and cache.
func (m *Model) DeleteRelationshipData(ctx context.Context, key string) error {
	rel, err := m.relationship(key)
	if err != nil {
		return err
	}
	crud, ok := rel.(CRUDRelationship)
	if !ok || !rel.Definition().SupportsCRUD() {
		return readOnlyRelationship(key).WithModel(m.modelType.name)
	}

	if ownerID := m.PrimaryValue(); ownerID != nil {
		if err := crud.DeleteAllRelationshipData(ctx, ownerID); err != nil {
			return NewPersistenceError(ErrCodeDeleteFailed, "failed to delete relationship rows", err).
				WithModel(m.modelType.name).WithField(key)
		}
	}

	m.tracker.Clear(key)
	h := m.handle(key)
	h.value, h.loaded = []any{}, rel.Definition().CachingEnabled()
	return nil
}

// PendingChanges returns the staged membership change for key.
func (m *Model) PendingChanges(key string) PendingChange {
	return m.tracker.Pending(key)
}

// HasPendingChanges reports whether any relationship has staged changes.
func (m *Model) HasPendingChanges() bool {
	return m.tracker.HasPending()
}

// ResolveRelationship loads every lazy reference held by the relationship
// with the type's bounded concurrency. Loaded values pass through unchanged.
func (m *Model) ResolveRelationship(ctx context.Context, key string) ([]any, error) {
	value, err := m.Relationship(ctx, key)
	if err != nil {
		return nil, err
	}
	list := asList(value)

	var refs []*LazyReference
	var slots []int
	for i, v := range list {
		if ref, ok := v.(*LazyReference); ok {
			refs = append(refs, ref)
			slots = append(slots, i)
		}
	}
	if len(refs) == 0 {
		return list, nil
	}

	resolved, err := ResolveAll(ctx, refs, m.modelType.resolveMax)
	if err != nil {
		return nil, NewPersistenceError(ErrCodeFetchFailed, "failed to resolve lazy references", err).
			WithModel(m.modelType.name).WithField(key)
	}
	out := append([]any(nil), list...)
	for i, slot := range slots {
		out[slot] = resolved[i]
	}
	return out, nil
}

// Decode copies the attribute values into out, a pointer to a struct whose
// fields carry db tags.
func (m *Model) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "db",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(m.attributes.Row())); err != nil {
		return NewValidationError("", "failed to decode model attributes").WithModel(m.modelType.name).WithCause(err)
	}
	return nil
}

func (m *Model) deletedError() *ModelError {
	return NewStateError(ErrCodeModelDeleted, "model was deleted").WithModel(m.modelType.name)
}

// copyList returns a fresh slice for []any values and value otherwise.
func copyList(value any) any {
	if list, ok := value.([]any); ok {
		return slices.Clone(list)
	}
	return value
}

func asList(value any) []any {
	if value == nil {
		return []any{}
	}
	if list, ok := value.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{value}
}

func containsID(list []any, id any) bool {
	for _, v := range list {
		if nid, err := NormalizeID(v); err == nil && nid == id {
			return true
		}
	}
	return false
}

func removeMember(list []any, id any) []any {
	out := make([]any, 0, len(list))
	for _, v := range list {
		if nid, err := NormalizeID(v); err == nil && nid == id {
			continue
		}
		out = append(out, v)
	}
	return out
}
