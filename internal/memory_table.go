package internal

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lychee-technology/schemamodel"
)

// MemoryTable is an in-process schemamodel.Table. Integer primary keys are
// assigned from a counter when a row arrives without one.
type MemoryTable struct {
	schema *schemamodel.TableSchema

	mu     sync.RWMutex
	rows   []schemamodel.Row
	nextID int64
	lastID any
}

var (
	_ schemamodel.Table      = (*MemoryTable)(nil)
	_ schemamodel.Caster     = (*MemoryTable)(nil)
	_ schemamodel.Transactor = (*MemoryTable)(nil)
)

// NewMemoryTable returns an empty table with the given schema.
func NewMemoryTable(schema *schemamodel.TableSchema) *MemoryTable {
	return &MemoryTable{schema: schema, nextID: 1}
}

func (t *MemoryTable) Name() string          { return t.schema.Name }
func (t *MemoryTable) PrimaryColumn() string { return t.schema.PrimaryColumn }

func (t *MemoryTable) Schema(ctx context.Context) (*schemamodel.TableSchema, error) {
	return t.schema, nil
}

func (t *MemoryTable) CastValue(typ schemamodel.PrimitiveType, v any) (any, error) {
	return CastValue(typ, v)
}

func (t *MemoryTable) normalize(row schemamodel.Row) (schemamodel.Row, error) {
	out := make(schemamodel.Row, len(row))
	for k, v := range row {
		col, ok := t.schema.Column(k)
		if !ok {
			return nil, fmt.Errorf("table %s has no column %s", t.schema.Name, k)
		}
		cast, err := CastValue(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		out[k] = cast
	}
	return out, nil
}

func (t *MemoryTable) indexOf(id any) int {
	pk := t.schema.PrimaryColumn
	for i, row := range t.rows {
		if valuesEqual(row[pk], id) {
			return i
		}
	}
	return -1
}

func (t *MemoryTable) Upsert(ctx context.Context, row schemamodel.Row) (bool, error) {
	row, err := t.normalize(row)
	if err != nil {
		return false, err
	}
	pk := t.schema.PrimaryColumn

	t.mu.Lock()
	defer t.mu.Unlock()

	id, hasID := row[pk]
	if !hasID || id == nil {
		col, _ := t.schema.Column(pk)
		if col.Type != schemamodel.TypeInt {
			return false, fmt.Errorf("table %s cannot generate a %s identifier", t.schema.Name, col.Type)
		}
		id = t.nextID
		row[pk] = id
	}
	if n, ok := id.(int64); ok && n >= t.nextID {
		t.nextID = n + 1
	}

	if i := t.indexOf(id); i >= 0 {
		for k, v := range row {
			t.rows[i][k] = v
		}
	} else {
		for _, c := range t.schema.Columns {
			if _, ok := row[c.Name]; !ok {
				row[c.Name] = c.Default
			}
		}
		t.rows = append(t.rows, row)
	}
	t.lastID = id
	return true, nil
}

func (t *MemoryTable) LastInsertID(ctx context.Context) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastID == nil {
		return nil, fmt.Errorf("no row inserted into %s", t.schema.Name)
	}
	return t.lastID, nil
}

func (t *MemoryTable) DeleteRow(ctx context.Context, id any) (bool, error) {
	id = t.castColumn(t.schema.PrimaryColumn, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 {
		return false, nil
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return true, nil
}

func (t *MemoryTable) castColumn(column string, v any) any {
	col, ok := t.schema.Column(column)
	if !ok {
		return v
	}
	if cast, err := CastValue(col.Type, v); err == nil {
		return cast
	}
	return v
}

func (t *MemoryTable) RowsWhere(ctx context.Context, column string, value any, op schemamodel.Operator, limit int) ([]schemamodel.Row, error) {
	if column != "" {
		if _, ok := t.schema.Column(column); !ok {
			return nil, fmt.Errorf("table %s has no column %s", t.schema.Name, column)
		}
	}
	match, err := t.matcher(column, value, op)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []schemamodel.Row
	for _, row := range t.rows {
		if column != "" && !match(row[column]) {
			continue
		}
		out = append(out, row.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *MemoryTable) matcher(column string, value any, op schemamodel.Operator) (func(any) bool, error) {
	if column == "" {
		return nil, nil
	}
	switch op {
	case schemamodel.OpIn:
		values := toSlice(value)
		for i, v := range values {
			values[i] = t.castColumn(column, v)
		}
		return func(v any) bool {
			return slices.ContainsFunc(values, func(x any) bool { return valuesEqual(v, x) })
		}, nil
	case schemamodel.OpLike:
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("LIKE needs a string pattern, got %T", value)
		}
		re, err := likePattern(pattern)
		if err != nil {
			return nil, err
		}
		return func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil
	case schemamodel.OpEquals:
		want := t.castColumn(column, value)
		return func(v any) bool { return valuesEqual(v, want) }, nil
	case schemamodel.OpNotEquals:
		want := t.castColumn(column, value)
		return func(v any) bool { return !valuesEqual(v, want) }, nil
	case schemamodel.OpGreaterThan, schemamodel.OpLessThan, schemamodel.OpGreaterEq, schemamodel.OpLessEq:
		want := t.castColumn(column, value)
		return func(v any) bool {
			c, ok := compareValues(v, want)
			if !ok {
				return false
			}
			switch op {
			case schemamodel.OpGreaterThan:
				return c > 0
			case schemamodel.OpLessThan:
				return c < 0
			case schemamodel.OpGreaterEq:
				return c >= 0
			default:
				return c <= 0
			}
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

func (t *MemoryTable) RowByID(ctx context.Context, id any) (schemamodel.Row, error) {
	id = t.castColumn(t.schema.PrimaryColumn, id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexOf(id); i >= 0 {
		return t.rows[i].Clone(), nil
	}
	return nil, nil
}

func (t *MemoryTable) InsertMany(ctx context.Context, rows []schemamodel.Row) error {
	normalized := make([]schemamodel.Row, len(rows))
	for i, row := range rows {
		n, err := t.normalize(row)
		if err != nil {
			return err
		}
		normalized[i] = n
	}
	t.mu.Lock()
	t.rows = append(t.rows, normalized...)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTable) DeleteMany(ctx context.Context, ids []any, column string, extra ...schemamodel.Where) error {
	matchers := make([]func(schemamodel.Row) bool, 0, 1+len(extra))
	inIDs, err := t.matcher(column, ids, schemamodel.OpIn)
	if err != nil {
		return err
	}
	matchers = append(matchers, func(r schemamodel.Row) bool { return inIDs(r[column]) })
	for _, w := range extra {
		op := w.Op
		if op == "" {
			op = schemamodel.OpEquals
		}
		m, err := t.matcher(w.Column, w.Value, op)
		if err != nil {
			return err
		}
		col := w.Column
		matchers = append(matchers, func(r schemamodel.Row) bool { return m(r[col]) })
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = slices.DeleteFunc(t.rows, func(r schemamodel.Row) bool {
		for _, m := range matchers {
			if !m(r) {
				return false
			}
		}
		return true
	})
	return nil
}

// InTx restores the table contents when fn fails. Other tables touched by fn
// are not rolled back.
func (t *MemoryTable) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.RLock()
	saved := make([]schemamodel.Row, len(t.rows))
	for i, r := range t.rows {
		saved[i] = r.Clone()
	}
	nextID, lastID := t.nextID, t.lastID
	t.mu.RUnlock()

	if err := fn(ctx); err != nil {
		t.mu.Lock()
		t.rows, t.nextID, t.lastID = saved, nextID, lastID
		t.mu.Unlock()
		return err
	}
	return nil
}

// Len returns the number of stored rows.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// likePattern compiles an SQL LIKE pattern (% and _ wildcards).
func likePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders numbers, strings and times; ok is false for other pairs.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	fa, errA := castFloat(a)
	fb, errB := castFloat(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	xa, okA := fa.(float64)
	xb, okB := fb.(float64)
	if !okA || !okB {
		return 0, false
	}
	return cmp.Compare(xa, xb), true
}
