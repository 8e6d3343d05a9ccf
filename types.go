package schemamodel

import (
	"context"
	"strings"
)

// PrimitiveType is the value type a column (and therefore a property) accepts.
type PrimitiveType string

const (
	TypeString   PrimitiveType = "string"
	TypeInt      PrimitiveType = "int"
	TypeFloat    PrimitiveType = "float"
	TypeBool     PrimitiveType = "bool"
	TypeJSON     PrimitiveType = "json"
	TypeDateTime PrimitiveType = "datetime"
	TypeUUID     PrimitiveType = "uuid"
	TypeArray    PrimitiveType = "array"  // slices, arrays and maps
	TypeObject   PrimitiveType = "object" // structs and pointers to structs
)

// Reserved SQL default keywords as reported by the storage collaborator.
const (
	DefaultCurrentTimestamp = "CURRENT_TIMESTAMP"
	DefaultCurrentDate      = "CURRENT_DATE"
	DefaultCurrentTime      = "CURRENT_TIME"
	DefaultNull             = "NULL"
)

// SQLReservedDefaults lists every keyword a column default may be reported as.
// Only the first four are supported by property generation.
var SQLReservedDefaults = []string{
	DefaultCurrentTimestamp,
	DefaultCurrentDate,
	DefaultCurrentTime,
	DefaultNull,
	"LOCALTIME",
	"LOCALTIMESTAMP",
	"CURRENT_USER",
	"CURRENT_ROLE",
	"SESSION_USER",
	"USER",
}

// IsReservedDefault reports whether s is one of SQLReservedDefaults.
func IsReservedDefault(s string) bool {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, kw := range SQLReservedDefaults {
		if upper == kw {
			return true
		}
	}
	return false
}

// ColumnDescriptor describes one column of a backing table.
type ColumnDescriptor struct {
	Name       string        `json:"name"`
	Type       PrimitiveType `json:"type"`
	Nullable   bool          `json:"nullable"`
	HasDefault bool          `json:"hasDefault"`
	Default    any           `json:"default,omitempty"`
	// ReservedDefault is set when the default is a SQL keyword rather than a literal.
	ReservedDefault string `json:"reservedDefault,omitempty"`
}

// TableSchema is the ordered column list of a table.
type TableSchema struct {
	Name          string             `json:"name"`
	PrimaryColumn string             `json:"primaryColumn"`
	Columns       []ColumnDescriptor `json:"columns"`
}

// Column returns the descriptor for name.
func (s *TableSchema) Column(name string) (ColumnDescriptor, bool) {
	if s == nil {
		return ColumnDescriptor{}, false
	}
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

// Row is a single table row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Operator is a comparison operator understood by Table.RowsWhere.
type Operator string

const (
	OpEquals      Operator = "="
	OpNotEquals   Operator = "!="
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
	OpGreaterEq   Operator = ">="
	OpLessEq      Operator = "<="
	OpLike        Operator = "LIKE"
	OpIn          Operator = "IN"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterEq, OpLessEq, OpLike, OpIn:
		return true
	}
	return false
}

// Where is an extra equality-style condition passed to Table.DeleteMany.
type Where struct {
	Column string
	Op     Operator
	Value  any
}

// BuildMode selects how FromData treats keys that are neither properties nor relationships.
type BuildMode int

const (
	// BuildModeIgnoreExtra silently drops unknown keys.
	BuildModeIgnoreExtra BuildMode = iota
	// BuildModeRejectExtra fails validation on unknown keys.
	BuildModeRejectExtra
)

// ParseBuildMode maps a config string to a BuildMode.
func ParseBuildMode(s string) (BuildMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore", "ignore_extra":
		return BuildModeIgnoreExtra, true
	case "reject", "reject_extra", "strict":
		return BuildModeRejectExtra, true
	}
	return BuildModeIgnoreExtra, false
}

// Identifiable is anything that can report the identifier of the row it is bound to.
// *Model implements it.
type Identifiable interface {
	PrimaryValue() any
}

// Resolver loads the entity an identifier refers to.
type Resolver func(ctx context.Context, id any) (any, error)
