package internal

import (
	"context"
	"sync"

	"github.com/lychee-technology/schemamodel"
)

const defaultPrimaryColumn = "id"

// TableOption configures a storage table.
type TableOption func(*tableOptions)

type tableOptions struct {
	primary   string
	schema    *schemamodel.TableSchema
	batchSize int
}

func newTableOptions(opts []TableOption) tableOptions {
	o := tableOptions{primary: defaultPrimaryColumn, batchSize: 500}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPrimaryColumn overrides the identifier column used until the schema is
// reflected. Tables without a primary key constraint keep it.
func WithPrimaryColumn(name string) TableOption {
	return func(o *tableOptions) { o.primary = name }
}

// WithSchema supplies the table schema instead of reflecting it.
func WithSchema(schema *schemamodel.TableSchema) TableOption {
	return func(o *tableOptions) {
		o.schema = schema
		if schema != nil && schema.PrimaryColumn != "" {
			o.primary = schema.PrimaryColumn
		}
	}
}

// WithInsertBatchSize caps the rows written by one INSERT statement.
func WithInsertBatchSize(n int) TableOption {
	return func(o *tableOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// tableState is the mutable part every SQL table shares: the reflected
// schema and the identifier returned by the latest upsert.
type tableState struct {
	name      string
	batchSize int

	mu      sync.RWMutex
	primary string
	schema  *schemamodel.TableSchema
	lastID  any
}

func newTableState(name string, o tableOptions) *tableState {
	return &tableState{name: name, batchSize: o.batchSize, primary: o.primary, schema: o.schema}
}

func (s *tableState) primaryColumn() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// loadSchema returns the cached schema, calling reflect on first use.
// A failed reflection is not cached.
func (s *tableState) loadSchema(ctx context.Context, reflect func(ctx context.Context) (*schemamodel.TableSchema, error)) (*schemamodel.TableSchema, error) {
	s.mu.RLock()
	schema := s.schema
	s.mu.RUnlock()
	if schema != nil {
		return schema, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return s.schema, nil
	}
	schema, err := reflect(ctx)
	if err != nil {
		return nil, err
	}
	if schema.PrimaryColumn == "" {
		schema.PrimaryColumn = s.primary
	} else {
		s.primary = schema.PrimaryColumn
	}
	s.schema = schema
	return schema, nil
}

// orderColumn is the column reads are ordered by, empty when the table has none.
func (s *tableState) orderColumn(schema *schemamodel.TableSchema) string {
	if _, ok := schema.Column(schema.PrimaryColumn); ok {
		return schema.PrimaryColumn
	}
	return ""
}

func (s *tableState) setLastID(id any) {
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
}

func (s *tableState) lastInsertID() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// encodeRow returns the ordered columns and bind values of row.
func encodeRow(schema *schemamodel.TableSchema, row schemamodel.Row, nativeArrays bool) ([]string, []any, error) {
	columns := writeColumns(schema, row)
	values := make([]any, len(columns))
	for i, c := range columns {
		v, err := encodeValue(schema, c, row[c], nativeArrays)
		if err != nil {
			return nil, nil, err
		}
		values[i] = v
	}
	return columns, values, nil
}

// encodeRows aligns rows on the columns of the first one; missing keys bind NULL.
func encodeRows(schema *schemamodel.TableSchema, rows []schemamodel.Row, nativeArrays bool) ([]string, [][]any, error) {
	columns := writeColumns(schema, rows[0])
	out := make([][]any, len(rows))
	for i, row := range rows {
		values := make([]any, len(columns))
		for j, c := range columns {
			v, err := encodeValue(schema, c, row[c], nativeArrays)
			if err != nil {
				return nil, nil, err
			}
			values[j] = v
		}
		out[i] = values
	}
	return columns, out, nil
}
