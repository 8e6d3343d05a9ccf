package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lychee-technology/schemamodel"
	"go.uber.org/zap"
)

// Dialect selects the catalog queries of an SQLTable.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectDuckDB Dialect = "duckdb"
)

const sqliteColumnsQuery = `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`

const duckdbColumnsQuery = `SELECT column_name, data_type, is_nullable, column_default
	FROM information_schema.columns
	WHERE table_schema = ? AND table_name = ?
	ORDER BY ordinal_position`

const duckdbPrimaryKeyQuery = `SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
		AND tc.table_name = kcu.table_name
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = ? AND tc.table_name = ?`

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{ db *sql.DB }

// SQLTable is a schemamodel.Table over database/sql for SQLite and DuckDB.
type SQLTable struct {
	db      *sql.DB
	dialect Dialect
	sql     statements
	state   *tableState
}

var (
	_ schemamodel.Table      = (*SQLTable)(nil)
	_ schemamodel.Caster     = (*SQLTable)(nil)
	_ schemamodel.Transactor = (*SQLTable)(nil)
)

// NewSQLTable returns a table named name on db.
func NewSQLTable(db *sql.DB, dialect Dialect, name string, opts ...TableOption) *SQLTable {
	o := newTableOptions(opts)
	return &SQLTable{
		db:      db,
		dialect: dialect,
		sql:     newStatements(name, questionPlaceholder),
		state:   newTableState(name, o),
	}
}

func (t *SQLTable) Name() string          { return t.state.name }
func (t *SQLTable) PrimaryColumn() string { return t.state.primaryColumn() }

func (t *SQLTable) CastValue(typ schemamodel.PrimitiveType, v any) (any, error) {
	return CastValue(typ, v)
}

func (t *SQLTable) querier(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqlTxKey{db: t.db}).(*sql.Tx); ok {
		return tx
	}
	return t.db
}

func (t *SQLTable) Schema(ctx context.Context) (*schemamodel.TableSchema, error) {
	return t.state.loadSchema(ctx, t.reflectSchema)
}

func (t *SQLTable) reflectSchema(ctx context.Context) (*schemamodel.TableSchema, error) {
	var (
		schema *schemamodel.TableSchema
		err    error
	)
	switch t.dialect {
	case DialectSQLite:
		schema, err = t.reflectSQLite(ctx)
	case DialectDuckDB:
		schema, err = t.reflectDuckDB(ctx)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", t.dialect)
	}
	if err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", t.state.name)
	}
	zap.S().Debugw("reflected table schema", "table", t.state.name, "dialect", t.dialect,
		"columns", len(schema.Columns), "primary", schema.PrimaryColumn)
	return schema, nil
}

func (t *SQLTable) reflectSQLite(ctx context.Context) (*schemamodel.TableSchema, error) {
	_, tableName := splitTableName(t.state.name, "main")
	rows, err := t.querier(ctx).QueryContext(ctx, sqliteColumnsQuery, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", t.state.name, err)
	}
	defer rows.Close()

	schema := &schemamodel.TableSchema{Name: t.state.name}
	for rows.Next() {
		var (
			name, decl    string
			notNull, pk   int
			columnDefault sql.NullString
		)
		if err := rows.Scan(&name, &decl, &notNull, &columnDefault, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", t.state.name, err)
		}
		col := schemamodel.ColumnDescriptor{
			Name:     name,
			Type:     declaredType(decl),
			Nullable: notNull == 0 && pk == 0,
		}
		if columnDefault.Valid {
			applyDefault(&col, columnDefault.String)
		}
		if pk == 1 {
			schema.PrimaryColumn = name
			// INTEGER PRIMARY KEY aliases the rowid
			if col.Type == schemamodel.TypeInt {
				col.HasDefault = true
			}
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", t.state.name, err)
	}
	return schema, nil
}

func (t *SQLTable) reflectDuckDB(ctx context.Context) (*schemamodel.TableSchema, error) {
	schemaName, tableName := splitTableName(t.state.name, "main")
	q := t.querier(ctx)

	rows, err := q.QueryContext(ctx, duckdbColumnsQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", t.state.name, err)
	}
	defer rows.Close()

	schema := &schemamodel.TableSchema{Name: t.state.name}
	for rows.Next() {
		var (
			name, dataType, nullable string
			columnDefault            sql.NullString
		)
		if err := rows.Scan(&name, &dataType, &nullable, &columnDefault); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", t.state.name, err)
		}
		col := schemamodel.ColumnDescriptor{
			Name:     name,
			Type:     declaredType(dataType),
			Nullable: nullable == "YES",
		}
		if columnDefault.Valid {
			applyDefault(&col, columnDefault.String)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", t.state.name, err)
	}

	var pk string
	err = q.QueryRowContext(ctx, duckdbPrimaryKeyQuery, schemaName, tableName).Scan(&pk)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query primary key of %s: %w", t.state.name, err)
	}
	schema.PrimaryColumn = pk
	return schema, nil
}

func (t *SQLTable) Upsert(ctx context.Context, row schemamodel.Row) (bool, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return false, err
	}
	columns, values, err := encodeRow(schema, row, false)
	if err != nil {
		return false, err
	}
	query, args := t.sql.upsert(schema.PrimaryColumn, columns, values)
	zap.S().Debugw("upsert row", "query", query, "args", args)

	var id any
	if err := t.querier(ctx).QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("upsert into %s: %w", t.state.name, err)
	}
	if col, ok := schema.Column(schema.PrimaryColumn); ok {
		if cast, err := CastValue(col.Type, id); err == nil {
			id = cast
		}
	}
	t.state.setLastID(id)
	return true, nil
}

func (t *SQLTable) LastInsertID(ctx context.Context) (any, error) {
	id := t.state.lastInsertID()
	if id == nil {
		return nil, fmt.Errorf("no row inserted into %s", t.state.name)
	}
	return id, nil
}

func (t *SQLTable) DeleteRow(ctx context.Context, id any) (bool, error) {
	query, args := t.sql.deleteRow(t.PrimaryColumn(), id)
	res, err := t.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", t.state.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected in %s: %w", t.state.name, err)
	}
	return n > 0, nil
}

func (t *SQLTable) RowsWhere(ctx context.Context, column string, value any, op schemamodel.Operator, limit int) ([]schemamodel.Row, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return nil, err
	}
	query, args, err := t.sql.selectWhere(column, value, op, t.state.orderColumn(schema), limit)
	if err != nil {
		return nil, err
	}
	zap.S().Debugw("select rows", "query", query, "args", args)

	rows, err := t.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.state.name, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", t.state.name, err)
	}

	var result []schemamodel.Row
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read row of %s: %w", t.state.name, err)
		}
		row, err := decodeRow(schema, names, values)
		if err != nil {
			return nil, fmt.Errorf("decode row of %s: %w", t.state.name, err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows of %s: %w", t.state.name, err)
	}
	return result, nil
}

func (t *SQLTable) RowByID(ctx context.Context, id any) (schemamodel.Row, error) {
	rows, err := t.RowsWhere(ctx, t.PrimaryColumn(), id, schemamodel.OpEquals, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (t *SQLTable) InsertMany(ctx context.Context, rows []schemamodel.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := t.Schema(ctx)
	if err != nil {
		return err
	}
	q := t.querier(ctx)
	for _, batch := range chunk(rows, t.state.batchSize) {
		columns, values, err := encodeRows(schema, batch, false)
		if err != nil {
			return err
		}
		query, args := t.sql.insertMany(columns, values)
		zap.S().Debugw("insert rows", "query", query, "rows", len(batch))
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.state.name, err)
		}
	}
	return nil
}

func (t *SQLTable) DeleteMany(ctx context.Context, ids []any, column string, extra ...schemamodel.Where) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := t.sql.deleteMany(column, ids, extra)
	if err != nil {
		return err
	}
	zap.S().Debugw("delete rows", "query", query, "args", args)
	if _, err := t.querier(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", t.state.name, err)
	}
	return nil
}

// InTx runs fn in a transaction shared by every table on the same *sql.DB.
func (t *SQLTable) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlTxKey{db: t.db}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqlTxKey{db: t.db}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
