package internal

import (
	"strings"

	"github.com/lychee-technology/schemamodel"
)

// postgresType maps information_schema data_type/udt_name to a primitive type.
func postgresType(dataType, udtName string) schemamodel.PrimitiveType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint":
		return schemamodel.TypeInt
	case "numeric", "decimal", "real", "double precision":
		return schemamodel.TypeFloat
	case "boolean":
		return schemamodel.TypeBool
	case "json", "jsonb":
		return schemamodel.TypeJSON
	case "uuid":
		return schemamodel.TypeUUID
	case "date", "time without time zone", "time with time zone",
		"timestamp without time zone", "timestamp with time zone":
		return schemamodel.TypeDateTime
	case "array":
		return schemamodel.TypeArray
	case "user-defined":
		if strings.EqualFold(udtName, "citext") {
			return schemamodel.TypeString
		}
	}
	return schemamodel.TypeString
}

// declaredType maps a declared SQLite or DuckDB column type to a primitive
// type using SQLite's affinity rules, extended with the names DuckDB reports.
func declaredType(decl string) schemamodel.PrimitiveType {
	upper := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case strings.HasSuffix(upper, "[]"), strings.HasPrefix(upper, "MAP"), strings.HasPrefix(upper, "LIST"):
		return schemamodel.TypeArray
	case strings.HasPrefix(upper, "STRUCT"):
		return schemamodel.TypeObject
	case strings.Contains(upper, "JSON"):
		return schemamodel.TypeJSON
	case strings.Contains(upper, "UUID"):
		return schemamodel.TypeUUID
	case strings.Contains(upper, "BOOL"):
		return schemamodel.TypeBool
	case strings.Contains(upper, "INT"):
		return schemamodel.TypeInt
	case strings.Contains(upper, "DATE"), strings.Contains(upper, "TIME"):
		return schemamodel.TypeDateTime
	case strings.Contains(upper, "CHAR"), strings.Contains(upper, "CLOB"), strings.Contains(upper, "TEXT"):
		return schemamodel.TypeString
	case strings.Contains(upper, "REAL"), strings.Contains(upper, "FLOA"), strings.Contains(upper, "DOUB"),
		strings.Contains(upper, "NUMERIC"), strings.Contains(upper, "DECIMAL"):
		return schemamodel.TypeFloat
	}
	return schemamodel.TypeString
}

// applyDefault fills the default fields of col from a column default
// expression as the database reports it, e.g. 'Michael'::character varying,
// now(), nextval('seq'::regclass), CURRENT_TIMESTAMP, NULL::text or 0.
//
// Function calls other than the clock functions are marked as defaulted with
// no value so the column is left to storage. Literals that cannot be cast to
// the column type are treated the same way.
func applyDefault(col *schemamodel.ColumnDescriptor, expr string) {
	expr = strings.TrimSpace(expr)
	for len(expr) >= 2 && expr[0] == '(' && expr[len(expr)-1] == ')' {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	if expr == "" {
		return
	}
	col.HasDefault = true

	if literal, ok := quotedLiteral(expr); ok {
		col.Default = castDefault(col.Type, literal)
		return
	}

	base := expr
	if i := strings.Index(base, "::"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	upper := strings.ToUpper(base)
	switch upper {
	case "NOW()", "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP()", "TRANSACTION_TIMESTAMP()", "GET_CURRENT_TIMESTAMP()":
		col.ReservedDefault = schemamodel.DefaultCurrentTimestamp
		return
	case "CURRENT_DATE", "TODAY()":
		col.ReservedDefault = schemamodel.DefaultCurrentDate
		return
	case "CURRENT_TIME":
		col.ReservedDefault = schemamodel.DefaultCurrentTime
		return
	case "NULL":
		col.ReservedDefault = schemamodel.DefaultNull
		return
	}
	if schemamodel.IsReservedDefault(upper) {
		col.ReservedDefault = upper
		return
	}
	if strings.Contains(base, "(") {
		return
	}
	col.Default = castDefault(col.Type, base)
}

// quotedLiteral extracts 'text' from 'text'::type or CAST('text' AS type).
func quotedLiteral(expr string) (string, bool) {
	if strings.HasPrefix(strings.ToUpper(expr), "CAST(") && strings.HasSuffix(expr, ")") {
		inner := expr[len("CAST(") : len(expr)-1]
		if i := strings.LastIndex(strings.ToUpper(inner), " AS "); i >= 0 {
			inner = strings.TrimSpace(inner[:i])
		}
		return quotedLiteral(inner)
	}
	if !strings.HasPrefix(expr, "'") {
		return "", false
	}
	var b strings.Builder
	for i := 1; i < len(expr); i++ {
		if expr[i] != '\'' {
			b.WriteByte(expr[i])
			continue
		}
		if i+1 < len(expr) && expr[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		return b.String(), true
	}
	return "", false
}

func castDefault(t schemamodel.PrimitiveType, literal string) any {
	v, err := CastValue(t, literal)
	if err != nil {
		return nil
	}
	return v
}
