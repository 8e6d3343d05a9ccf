package internal

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/lychee-technology/schemamodel"
)

// placeholderStyle renders the n-th (1-based) bind parameter.
type placeholderStyle func(n int) string

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }
func questionPlaceholder(int) string { return "?" }

// argList accumulates bind arguments and hands out their placeholders.
type argList struct {
	style placeholderStyle
	args  []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return a.style(len(a.args))
}

// statements renders the SQL a table issues. Identifiers are always quoted.
type statements struct {
	table string
	style placeholderStyle
}

func newStatements(table string, style placeholderStyle) statements {
	return statements{table: sanitizeIdentifier(table), style: style}
}

func quoteAll(columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sanitizeIdentifier(c)
	}
	return out
}

// upsert inserts row values and updates every written column on a primary
// key conflict. Without the primary column it is a plain insert. Both forms
// return the primary value.
func (s statements) upsert(pk string, columns []string, values []any) (string, []any) {
	qpk := sanitizeIdentifier(pk)
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", s.table, qpk), nil
	}

	args := &argList{style: s.style}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = args.add(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", s.table,
		strings.Join(quoteAll(columns), ", "), strings.Join(placeholders, ", "))

	if slices.Contains(columns, pk) {
		sets := make([]string, 0, len(columns))
		for _, c := range columns {
			if c == pk && len(columns) > 1 {
				continue
			}
			q := sanitizeIdentifier(c)
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", qpk, strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " RETURNING %s", qpk)
	return b.String(), args.args
}

// selectWhere selects every column of the rows matching one condition.
func (s statements) selectWhere(column string, value any, op schemamodel.Operator, orderBy string, limit int) (string, []any, error) {
	args := &argList{style: s.style}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", s.table)
	if column != "" {
		clause, err := condition(args, column, op, value)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}
	if orderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", sanitizeIdentifier(orderBy))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), args.args, nil
}

// insertMany renders one multi-row INSERT for len(rows) rows.
func (s statements) insertMany(columns []string, rows [][]any) (string, []any) {
	args := &argList{style: s.style}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		placeholders := make([]string, len(row))
		for j, v := range row {
			placeholders[j] = args.add(v)
		}
		tuples[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table,
		strings.Join(quoteAll(columns), ", "), strings.Join(tuples, ", ")), args.args
}

// deleteMany removes rows whose column is in ids and which match every extra condition.
func (s statements) deleteMany(column string, ids []any, extra []schemamodel.Where) (string, []any, error) {
	args := &argList{style: s.style}
	clauses := make([]string, 0, 1+len(extra))
	clause, err := condition(args, column, schemamodel.OpIn, ids)
	if err != nil {
		return "", nil, err
	}
	clauses = append(clauses, clause)
	for _, w := range extra {
		op := w.Op
		if op == "" {
			op = schemamodel.OpEquals
		}
		clause, err := condition(args, w.Column, op, w.Value)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, strings.Join(clauses, " AND ")), args.args, nil
}

func (s statements) deleteRow(pk string, id any) (string, []any) {
	args := &argList{style: s.style}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.table, sanitizeIdentifier(pk), args.add(id)), args.args
}

func condition(args *argList, column string, op schemamodel.Operator, value any) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("unsupported operator %q", op)
	}
	col := sanitizeIdentifier(column)
	switch op {
	case schemamodel.OpIn:
		values := toSlice(value)
		if len(values) == 0 {
			return "1 = 0", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = args.add(v)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), nil
	case schemamodel.OpEquals:
		if value == nil {
			return col + " IS NULL", nil
		}
	case schemamodel.OpNotEquals:
		if value == nil {
			return col + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s <> %s", col, args.add(value)), nil
	}
	return fmt.Sprintf("%s %s %s", col, op, args.add(value)), nil
}

// toSlice spreads any slice or array into []any; other values become a one-element list.
func toSlice(value any) []any {
	if values, ok := value.([]any); ok {
		return values
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// writeColumns orders row keys by schema column order; keys the schema does
// not know are appended sorted.
func writeColumns(schema *schemamodel.TableSchema, row schemamodel.Row) []string {
	columns := make([]string, 0, len(row))
	seen := make(map[string]bool, len(row))
	if schema != nil {
		for _, c := range schema.Columns {
			if _, ok := row[c.Name]; ok {
				columns = append(columns, c.Name)
				seen[c.Name] = true
			}
		}
	}
	var rest []string
	for k := range row {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(columns, rest...)
}

// encodeValue prepares a value for a bind parameter of the given column.
// Drivers with native array support receive array values as they are.
func encodeValue(schema *schemamodel.TableSchema, column string, v any, nativeArrays bool) (any, error) {
	col, ok := schema.Column(column)
	if !ok {
		return v, nil
	}
	switch col.Type {
	case schemamodel.TypeJSON:
		return encodeJSON(v)
	case schemamodel.TypeArray, schemamodel.TypeObject:
		if !nativeArrays {
			return encodeJSON(v)
		}
	}
	return v, nil
}

// decodeRow casts raw driver values using the column types of schema.
func decodeRow(schema *schemamodel.TableSchema, names []string, values []any) (schemamodel.Row, error) {
	row := make(schemamodel.Row, len(names))
	for i, name := range names {
		v := values[i]
		if col, ok := schema.Column(name); ok {
			cast, err := CastValue(col.Type, v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			v = cast
		}
		row[name] = v
	}
	return row, nil
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		return [][]T{items}
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
