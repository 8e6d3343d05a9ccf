package schemamodel

import (
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/google/uuid"
)

// PendingChange is the staged membership change for one relationship.
// Insert and Delete never share an id.
type PendingChange struct {
	Insert []any `json:"insert"`
	Delete []any `json:"delete"`
}

// IsEmpty reports whether nothing is staged.
func (p PendingChange) IsEmpty() bool {
	return len(p.Insert) == 0 && len(p.Delete) == 0
}

func (p PendingChange) clone() PendingChange {
	return PendingChange{
		Insert: slices.Clone(p.Insert),
		Delete: slices.Clone(p.Delete),
	}
}

// ChangeTracker stages relationship membership changes per key until a save
// flushes them. Ids are expected to be normalized already.
type ChangeTracker struct {
	pending map[string]*PendingChange
}

// NewChangeTracker returns an empty tracker.
func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{pending: make(map[string]*PendingChange)}
}

func (t *ChangeTracker) entry(key string) *PendingChange {
	p, ok := t.pending[key]
	if !ok {
		p = &PendingChange{}
		t.pending[key] = p
	}
	return p
}

// Add stages id for insertion and drops it from the delete list.
func (t *ChangeTracker) Add(key string, id any) {
	p := t.entry(key)
	p.Delete = removeID(p.Delete, id)
	if !slices.Contains(p.Insert, id) {
		p.Insert = append(p.Insert, id)
	}
}

// Remove cancels a staged insertion of id, or stages id for deletion when
// no insertion was pending.
func (t *ChangeTracker) Remove(key string, id any) {
	p := t.entry(key)
	if slices.Contains(p.Insert, id) {
		p.Insert = removeID(p.Insert, id)
		return
	}
	if !slices.Contains(p.Delete, id) {
		p.Delete = append(p.Delete, id)
	}
}

// Pending returns a copy of the staged change for key.
func (t *ChangeTracker) Pending(key string) PendingChange {
	p, ok := t.pending[key]
	if !ok {
		return PendingChange{}
	}
	return p.clone()
}

// HasPending reports whether any relationship has staged changes.
func (t *ChangeTracker) HasPending() bool {
	for _, p := range t.pending {
		if !p.IsEmpty() {
			return true
		}
	}
	return false
}

// Clear drops the staged change for key.
func (t *ChangeTracker) Clear(key string) {
	delete(t.pending, key)
}

func (t *ChangeTracker) snapshot() map[string]PendingChange {
	snap := make(map[string]PendingChange, len(t.pending))
	for k, p := range t.pending {
		snap[k] = p.clone()
	}
	return snap
}

func (t *ChangeTracker) restore(snap map[string]PendingChange) {
	t.pending = make(map[string]*PendingChange, len(snap))
	for k, p := range snap {
		t.pending[k] = &p
	}
}

func removeID(ids []any, id any) []any {
	return slices.DeleteFunc(ids, func(v any) bool { return v == id })
}

// NormalizeID converts a relationship member to the identifier that gets
// staged. Integers become int64; models and lazy references are unwrapped
// through PrimaryValue.
func NormalizeID(v any) (any, error) {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, invalidRelationshipValue(v, "nil reference")
	}
	switch id := v.(type) {
	case nil:
		return nil, invalidRelationshipValue(v, "nil identifier")
	case Identifiable:
		pv := id.PrimaryValue()
		if isAbsentPrimary(pv) {
			return nil, invalidRelationshipValue(v, "referenced entity has no primary value")
		}
		if _, nested := pv.(Identifiable); nested {
			return nil, invalidRelationshipValue(v, "primary value is itself a reference")
		}
		return NormalizeID(pv)
	case string:
		if id == "" {
			return nil, invalidRelationshipValue(v, "empty string identifier")
		}
		return id, nil
	case uuid.UUID:
		if id == uuid.Nil {
			return nil, invalidRelationshipValue(v, "nil uuid identifier")
		}
		return id, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, invalidRelationshipValue(v, "identifier overflows int64")
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		// JSON-decoded payloads carry integer ids as float64.
		f := rv.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= 1<<63 {
			return nil, invalidRelationshipValue(v, "non-integral numeric identifier")
		}
		return int64(f), nil
	}
	return nil, invalidRelationshipValue(v, fmt.Sprintf("unsupported identifier type %T", v))
}

// normalizeRelationshipValue flattens a relationship value into distinct ids,
// preserving order. nil and empty collections yield no ids.
func normalizeRelationshipValue(value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	if _, ok := value.(string); ok {
		id, err := NormalizeID(value)
		if err != nil {
			return nil, err
		}
		return []any{id}, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		ids := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			id, err := NormalizeID(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	case reflect.Map:
		return nil, invalidRelationshipValue(value, "maps are not relationship values")
	}

	id, err := NormalizeID(value)
	if err != nil {
		return nil, err
	}
	return []any{id}, nil
}

// isEmptyRelationshipValue reports the falsy values that clear a relationship.
func isEmptyRelationshipValue(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// isAbsentPrimary reports whether a primary value means "not yet stored".
func isAbsentPrimary(v any) bool {
	if v == nil {
		return true
	}
	switch id := v.(type) {
	case string:
		return id == ""
	case uuid.UUID:
		return id == uuid.Nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

func invalidRelationshipValue(v any, reason string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeInvalidRelationship,
		Message: fmt.Sprintf("invalid relationship value %v: %s", v, reason),
	}
}
