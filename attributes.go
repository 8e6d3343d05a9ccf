package schemamodel

import (
	"reflect"
	"sort"
)

// AttributeStore holds one instance's attribute values and tracks which of
// them differ from the last committed state.
type AttributeStore struct {
	definitions map[string]*PropertyDefinition
	values      map[string]any
	committed   map[string]any
	dirty       map[string]struct{}
}

// NewAttributeStore creates an empty store over the given definitions.
func NewAttributeStore(definitions map[string]*PropertyDefinition) *AttributeStore {
	return &AttributeStore{
		definitions: definitions,
		values:      make(map[string]any, len(definitions)),
		committed:   make(map[string]any, len(definitions)),
		dirty:       make(map[string]struct{}),
	}
}

// Has reports whether name is a declared property.
func (s *AttributeStore) Has(name string) bool {
	_, ok := s.definitions[name]
	return ok
}

// Get returns the current value of name. Unset properties read as nil.
func (s *AttributeStore) Get(name string) (any, error) {
	if !s.Has(name) {
		return nil, NewUnknownPropertyError(name)
	}
	return s.values[name], nil
}

// Set casts and stores value. The property becomes dirty when the stored
// value differs from the committed one, and clean again when it is set back.
func (s *AttributeStore) Set(name string, value any) error {
	prepared, err := s.prepare(name, value)
	if err != nil {
		return err
	}
	s.assign(name, prepared)
	return nil
}

func (s *AttributeStore) prepare(name string, value any) (any, error) {
	def, ok := s.definitions[name]
	if !ok {
		return nil, NewUnknownPropertyError(name)
	}
	return def.Prepare(value)
}

func (s *AttributeStore) assign(name string, value any) {
	s.values[name] = value
	committed, wasCommitted := s.committed[name]
	if wasCommitted && valuesEqual(committed, value) {
		delete(s.dirty, name)
		return
	}
	s.dirty[name] = struct{}{}
}

// IsDirty reports whether any property changed since the last commit.
func (s *AttributeStore) IsDirty() bool {
	s.detectInPlaceEdits()
	return len(s.dirty) > 0
}

// IsAttributeDirty reports whether name changed since the last commit.
func (s *AttributeStore) IsAttributeDirty(name string) bool {
	s.detectInPlaceEdits()
	_, ok := s.dirty[name]
	return ok
}

// DirtyKeys returns the changed property names, sorted.
func (s *AttributeStore) DirtyKeys() []string {
	s.detectInPlaceEdits()
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// detectInPlaceEdits marks slice and map values that were modified through a
// reference handed out by Get since the last commit.
func (s *AttributeStore) detectInPlaceEdits() {
	for name, v := range s.values {
		if _, dirty := s.dirty[name]; dirty || !isReferenceValue(v) {
			continue
		}
		if committed, ok := s.committed[name]; !ok || !valuesEqual(committed, v) {
			s.dirty[name] = struct{}{}
		}
	}
}

// CommitChanges marks the current values as persisted. The committed copy
// shares no slices or maps with the live values.
func (s *AttributeStore) CommitChanges() {
	for k, v := range s.values {
		s.committed[k] = cloneValue(v)
	}
	clear(s.dirty)
}

// Row returns a copy of every assigned value.
func (s *AttributeStore) Row() Row {
	row := make(Row, len(s.values))
	for k, v := range s.values {
		row[k] = v
	}
	return row
}

type attributeSnapshot struct {
	values    map[string]any
	committed map[string]any
	dirty     map[string]struct{}
}

func (s *AttributeStore) snapshot() attributeSnapshot {
	snap := attributeSnapshot{
		values:    make(map[string]any, len(s.values)),
		committed: make(map[string]any, len(s.committed)),
		dirty:     make(map[string]struct{}, len(s.dirty)),
	}
	for k, v := range s.values {
		snap.values[k] = cloneValue(v)
	}
	for k, v := range s.committed {
		snap.committed[k] = cloneValue(v)
	}
	for k := range s.dirty {
		snap.dirty[k] = struct{}{}
	}
	return snap
}

func (s *AttributeStore) restore(snap attributeSnapshot) {
	s.values = snap.values
	s.committed = snap.committed
	s.dirty = snap.dirty
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func isReferenceValue(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// cloneValue deep-copies slices and maps, including ones nested in
// interface elements. Other values are returned as is.
func cloneValue(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if elem, ok := cloneElem(rv.Index(i)); ok {
				out.Index(i).Set(elem)
			}
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, ok := cloneElem(iter.Value())
			if !ok {
				elem = reflect.Zero(rv.Type().Elem())
			}
			out.SetMapIndex(iter.Key(), elem)
		}
		return out.Interface()
	}
	return v
}

// cloneElem copies one element; ok is false for a nil interface element.
func cloneElem(v reflect.Value) (reflect.Value, bool) {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(cloneValue(v.Elem().Interface())), true
	case reflect.Slice, reflect.Map:
		return reflect.ValueOf(cloneValue(v.Interface())), true
	}
	return v, true
}
