package schemamodel

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/jinzhu/now"
)

// PropertyDefinition is the typed, nullable/default-aware description of one
// model property. It is built from a ColumnDescriptor and never mutated after.
type PropertyDefinition struct {
	name       string
	columnType PrimitiveType
	types      []PrimitiveType
	nullable   bool
	hasDefault bool
	defaultVal any
	defaultFn  func(time.Time) any
	cast       func(any) (any, error)
	schema     *jsonschema.Resolved
}

// Name returns the property (column) name.
func (d *PropertyDefinition) Name() string { return d.name }

// ColumnType returns the declared column type.
func (d *PropertyDefinition) ColumnType() PrimitiveType { return d.columnType }

// Types returns the accepted type set, declared type first.
func (d *PropertyDefinition) Types() []PrimitiveType {
	out := make([]PrimitiveType, len(d.types))
	copy(out, d.types)
	return out
}

// Nullable reports whether nil is accepted.
func (d *PropertyDefinition) Nullable() bool { return d.nullable }

// HasDefault reports whether a default is declared.
func (d *PropertyDefinition) HasDefault() bool { return d.hasDefault }

// HasCast reports whether a storage cast hook is attached.
func (d *PropertyDefinition) HasCast() bool { return d.cast != nil }

// Default returns the default value for an instance constructed at t.
// Keyword defaults such as CURRENT_TIMESTAMP are evaluated against t.
func (d *PropertyDefinition) Default(t time.Time) any {
	if d.defaultFn != nil {
		return d.defaultFn(t)
	}
	return d.defaultVal
}

// Accepts reports whether v (already cast) matches the accepted type set.
func (d *PropertyDefinition) Accepts(v any) bool {
	if v == nil {
		return d.nullable
	}
	for _, t := range d.types {
		if acceptsType(t, v) {
			return true
		}
	}
	return false
}

// Prepare casts v and checks it against the definition. The returned value is
// what gets stored.
func (d *PropertyDefinition) Prepare(v any) (any, error) {
	if v != nil && d.cast != nil {
		cast, err := d.cast(v)
		if err != nil {
			return nil, &ModelError{
				Type:    ErrorTypeValidation,
				Code:    ErrCodeCastFailed,
				Message: fmt.Sprintf("cannot cast %T to %s", v, d.columnType),
				Field:   d.name,
				Cause:   err,
			}
		}
		v = cast
	}

	if v == nil {
		if d.nullable {
			return nil, nil
		}
		return nil, &ModelError{
			Type:    ErrorTypeValidation,
			Code:    ErrCodeTypeMismatch,
			Message: "property is not nullable",
			Field:   d.name,
		}
	}

	if !d.Accepts(v) {
		return nil, &ModelError{
			Type:    ErrorTypeValidation,
			Code:    ErrCodeTypeMismatch,
			Message: fmt.Sprintf("value of type %T is not one of [%s]", v, joinTypes(d.types)),
			Field:   d.name,
		}
	}

	if d.schema != nil {
		if err := validateJSONValue(d.schema, v); err != nil {
			return nil, &ModelError{
				Type:    ErrorTypeValidation,
				Code:    ErrCodeSchemaViolation,
				Message: "value does not match the column JSON schema",
				Field:   d.name,
				Cause:   err,
			}
		}
	}

	return v, nil
}

// GenerateOptions configures GeneratePropertyDefinitions.
type GenerateOptions struct {
	// Caster, when set, gives every definition a cast hook.
	Caster Caster
	// JSONSchemas maps json column names to compiled schemas.
	JSONSchemas map[string]*jsonschema.Resolved
}

// GeneratePropertyDefinitions derives one PropertyDefinition per column.
func GeneratePropertyDefinitions(schema *TableSchema, opts GenerateOptions) (map[string]*PropertyDefinition, error) {
	if schema == nil {
		return nil, NewConfigurationError(ErrCodeSchemaFailure, "table schema is nil")
	}

	definitions := make(map[string]*PropertyDefinition, len(schema.Columns))
	for _, column := range schema.Columns {
		def := &PropertyDefinition{
			name:       column.Name,
			columnType: column.Type,
			types:      []PrimitiveType{column.Type},
			nullable:   column.Nullable,
		}

		switch column.Type {
		case TypeJSON:
			def.types = append(def.types, TypeArray)
		case TypeDateTime:
			def.types = append(def.types, TypeObject)
		}

		if column.HasDefault {
			if err := applyColumnDefault(def, column); err != nil {
				return nil, err
			}
		}

		if opts.Caster != nil {
			caster, columnType := opts.Caster, column.Type
			def.cast = func(v any) (any, error) {
				return caster.CastValue(columnType, v)
			}
		}

		if s, ok := opts.JSONSchemas[column.Name]; ok {
			def.schema = s
		}

		definitions[column.Name] = def
	}

	return definitions, nil
}

func applyColumnDefault(def *PropertyDefinition, column ColumnDescriptor) error {
	keyword := strings.ToUpper(strings.TrimSpace(column.ReservedDefault))
	if keyword == "" {
		if s, ok := column.Default.(string); ok && IsReservedDefault(s) {
			keyword = strings.ToUpper(strings.TrimSpace(s))
		}
	}

	def.hasDefault = true
	if keyword == "" {
		def.defaultVal = column.Default
		return nil
	}

	switch keyword {
	case DefaultCurrentTimestamp, DefaultCurrentTime:
		def.defaultFn = func(t time.Time) any { return t }
	case DefaultCurrentDate:
		def.defaultFn = func(t time.Time) any { return now.With(t).BeginningOfDay() }
	case DefaultNull:
		def.defaultVal = nil
	default:
		return NewConfigurationError(ErrCodeUnknownReservedDefault,
			fmt.Sprintf("unknown default RESERVED keyword: %s", keyword)).WithField(column.Name)
	}
	return nil
}

// CompileJSONSchema parses and resolves a JSON schema document.
func CompileJSONSchema(raw []byte) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve JSON schema: %w", err)
	}
	return resolved, nil
}

// validateJSONValue validates v in its JSON-decoded shape.
func validateJSONValue(schema *jsonschema.Resolved, v any) error {
	var instance any
	switch value := v.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(value, &instance); err != nil {
			return err
		}
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(encoded, &instance); err != nil {
			return err
		}
	}
	return schema.Validate(instance)
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

func acceptsType(t PrimitiveType, v any) bool {
	rv := reflect.ValueOf(v)
	kind := rv.Kind()
	switch t {
	case TypeString:
		return kind == reflect.String
	case TypeInt:
		return isIntKind(kind)
	case TypeFloat:
		return kind == reflect.Float32 || kind == reflect.Float64 || isIntKind(kind)
	case TypeBool:
		return kind == reflect.Bool
	case TypeJSON:
		switch v.(type) {
		case string, []byte, json.RawMessage:
			return true
		}
		return false
	case TypeDateTime:
		if rv.Type() == timeType {
			return true
		}
		return kind == reflect.Pointer && rv.Type().Elem() == timeType && !rv.IsNil()
	case TypeUUID:
		return rv.Type() == uuidType
	case TypeArray:
		return kind == reflect.Slice || kind == reflect.Array || kind == reflect.Map
	case TypeObject:
		if kind == reflect.Struct {
			return true
		}
		return kind == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
	}
	return false
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func joinTypes(types []PrimitiveType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
