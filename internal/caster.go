package internal

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/schemamodel"
)

// Layouts accepted when a datetime arrives as text. SQLite stores
// CURRENT_TIMESTAMP as "2006-01-02 15:04:05".
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05",
}

// CastValue converts a driver or caller value to the Go representation of
// column type t: int64, float64, bool, time.Time, uuid.UUID, decoded JSON.
// Values it does not know how to convert are returned unchanged so the
// property type check reports them.
func CastValue(t schemamodel.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schemamodel.TypeInt:
		return castInt(v)
	case schemamodel.TypeFloat:
		return castFloat(v)
	case schemamodel.TypeBool:
		return castBool(v)
	case schemamodel.TypeString:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	case schemamodel.TypeDateTime:
		return castDateTime(v)
	case schemamodel.TypeUUID:
		if _, ok := v.(uuid.UUID); ok {
			return v, nil
		}
		if id, ok := toUUID(v); ok {
			return id, nil
		}
		if _, ok := v.(string); ok {
			return nil, fmt.Errorf("invalid uuid %q", v)
		}
	case schemamodel.TypeJSON:
		return castJSON(v)
	}
	return v, nil
}

func castInt(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not integral", n)
		}
		return int64(n), nil
	case float32:
		return castInt(float64(n))
	case json.Number:
		return n.Int64()
	case []byte:
		return castInt(string(n))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int: %w", err)
		}
		return i, nil
	}
	return v, nil
}

func castFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case []byte:
		return castFloat(string(n))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("parse float: %w", err)
		}
		return f, nil
	}
	if i, err := castInt(v); err == nil {
		if n, ok := i.(int64); ok {
			return float64(n), nil
		}
	}
	return v, nil
}

func castBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case int:
		return b != 0, nil
	case []byte:
		return castBool(string(b))
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("parse bool: %w", err)
		}
		return parsed, nil
	}
	return v, nil
}

func castDateTime(v any) (any, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case *time.Time:
		if d == nil {
			return nil, nil
		}
		return *d, nil
	case []byte:
		return castDateTime(string(d))
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateTimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return nil, fmt.Errorf("unrecognized datetime %q", d)
	}
	return v, nil
}

// castJSON decodes JSON text holding an array or object. Scalars and
// already-decoded values pass through.
func castJSON(v any) (any, error) {
	var raw []byte
	switch d := v.(type) {
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	case string:
		raw = []byte(d)
	default:
		return v, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		return string(raw), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return decoded, nil
}

// encodeJSON renders a json column value as JSON text for drivers that do not
// encode Go values themselves.
func encodeJSON(v any) (any, error) {
	switch v.(type) {
	case nil, string, []byte, json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

// splitTableName returns the schema and table parts of "schema.table".
func splitTableName(name, defaultSchema string) (string, string) {
	schema, table, found := strings.Cut(strings.ReplaceAll(name, `"`, ""), ".")
	if !found {
		return defaultSchema, schema
	}
	return schema, table
}

func toUUID(obj any) (uuid.UUID, bool) {
	switch v := obj.(type) {
	case uuid.UUID:
		return v, true
	case *uuid.UUID:
		if v == nil {
			return uuid.Nil, false
		}
		return *v, true
	case [16]byte:
		return uuid.UUID(v), true
	case string:
		data, err := uuid.Parse(v)
		return data, err == nil
	case *string:
		if v == nil {
			return uuid.Nil, false
		}
		data, err := uuid.Parse(*v)
		return data, err == nil
	case []byte:
		// 16 raw bytes, or the textual form
		if len(v) == 16 {
			data, err := uuid.FromBytes(v)
			return data, err == nil
		}
		data, err := uuid.Parse(string(v))
		return data, err == nil
	default:
		// named [16]byte types such as the DuckDB driver's UUID
		rv := reflect.ValueOf(obj)
		if rv.Kind() == reflect.Array && rv.Len() == 16 && rv.Type().Elem().Kind() == reflect.Uint8 {
			var id uuid.UUID
			reflect.Copy(reflect.ValueOf(id[:]), rv)
			return id, true
		}
		return uuid.Nil, false
	}
}
