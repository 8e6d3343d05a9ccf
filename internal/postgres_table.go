package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lychee-technology/schemamodel"
	"go.uber.org/zap"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgPool is the subset of *pgxpool.Pool a PostgresTable uses.
type PgPool interface {
	pgQuerier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// pgTxKey carries the open transaction of one pool through a context.
type pgTxKey struct{ pool PgPool }

const pgColumnsQuery = `SELECT column_name, data_type, udt_name, is_nullable, column_default, is_identity
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position`

const pgPrimaryKeyQuery = `SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
		AND tc.table_name = kcu.table_name
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
	ORDER BY kcu.ordinal_position`

// PostgresTable is a schemamodel.Table backed by a pgx pool. Tables sharing a
// pool join the transaction opened by any of them through InTx.
type PostgresTable struct {
	pool  PgPool
	sql   statements
	state *tableState
}

var (
	_ schemamodel.Table      = (*PostgresTable)(nil)
	_ schemamodel.Caster     = (*PostgresTable)(nil)
	_ schemamodel.Transactor = (*PostgresTable)(nil)
)

// NewPostgresTable returns a table named name ("table" or "schema.table").
func NewPostgresTable(pool PgPool, name string, opts ...TableOption) *PostgresTable {
	o := newTableOptions(opts)
	return &PostgresTable{
		pool:  pool,
		sql:   newStatements(name, dollarPlaceholder),
		state: newTableState(name, o),
	}
}

func (t *PostgresTable) Name() string          { return t.state.name }
func (t *PostgresTable) PrimaryColumn() string { return t.state.primaryColumn() }

func (t *PostgresTable) CastValue(typ schemamodel.PrimitiveType, v any) (any, error) {
	return CastValue(typ, v)
}

func (t *PostgresTable) querier(ctx context.Context) pgQuerier {
	if tx, ok := ctx.Value(pgTxKey{pool: t.pool}).(pgx.Tx); ok {
		return tx
	}
	return t.pool
}

// Schema reflects the table from information_schema once and caches it.
func (t *PostgresTable) Schema(ctx context.Context) (*schemamodel.TableSchema, error) {
	return t.state.loadSchema(ctx, t.reflectSchema)
}

func (t *PostgresTable) reflectSchema(ctx context.Context) (*schemamodel.TableSchema, error) {
	schemaName, tableName := splitTableName(t.state.name, "public")
	q := t.querier(ctx)

	rows, err := q.Query(ctx, pgColumnsQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", t.state.name, err)
	}
	defer rows.Close()

	schema := &schemamodel.TableSchema{Name: t.state.name}
	for rows.Next() {
		var (
			name, dataType, udtName, nullable, identity string
			columnDefault                               pgtype.Text
		)
		if err := rows.Scan(&name, &dataType, &udtName, &nullable, &columnDefault, &identity); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", t.state.name, err)
		}
		col := schemamodel.ColumnDescriptor{
			Name:     name,
			Type:     postgresType(dataType, udtName),
			Nullable: nullable == "YES",
		}
		if columnDefault.Valid {
			applyDefault(&col, columnDefault.String)
		}
		if identity == "YES" {
			col.HasDefault = true
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", t.state.name, err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", t.state.name)
	}

	var pk string
	err = q.QueryRow(ctx, pgPrimaryKeyQuery, schemaName, tableName).Scan(&pk)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query primary key of %s: %w", t.state.name, err)
	}
	schema.PrimaryColumn = pk

	zap.S().Debugw("reflected table schema", "table", t.state.name, "columns", len(schema.Columns), "primary", pk)
	return schema, nil
}

func (t *PostgresTable) Upsert(ctx context.Context, row schemamodel.Row) (bool, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return false, err
	}
	columns, values, err := encodeRow(schema, row, true)
	if err != nil {
		return false, err
	}
	query, args := t.sql.upsert(schema.PrimaryColumn, columns, values)
	zap.S().Debugw("upsert row", "query", query, "args", args)

	var id any
	if err := t.querier(ctx).QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (t *PostgresTable) LastInsertID(ctx context.Context) (any, error) {
	id := t.state.lastInsertID()
	if id == nil {
		return nil, fmt.Errorf("no row inserted into %s", t.state.name)
	}
	return id, nil
}

func (t *PostgresTable) DeleteRow(ctx context.Context, id any) (bool, error) {
	query, args := t.sql.deleteRow(t.PrimaryColumn(), id)
	tag, err := t.querier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", t.state.name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *PostgresTable) RowsWhere(ctx context.Context, column string, value any, op schemamodel.Operator, limit int) ([]schemamodel.Row, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return nil, err
	}
	query, args, err := t.sql.selectWhere(column, value, op, t.state.orderColumn(schema), limit)
	if err != nil {
		return nil, err
	}
	zap.S().Debugw("select rows", "query", query, "args", args)

	rows, err := t.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.state.name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	var result []schemamodel.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
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

func (t *PostgresTable) RowByID(ctx context.Context, id any) (schemamodel.Row, error) {
	rows, err := t.RowsWhere(ctx, t.PrimaryColumn(), id, schemamodel.OpEquals, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (t *PostgresTable) InsertMany(ctx context.Context, rows []schemamodel.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := t.Schema(ctx)
	if err != nil {
		return err
	}
	q := t.querier(ctx)
	for _, batch := range chunk(rows, t.state.batchSize) {
		columns, values, err := encodeRows(schema, batch, true)
		if err != nil {
			return err
		}
		query, args := t.sql.insertMany(columns, values)
		zap.S().Debugw("insert rows", "query", query, "rows", len(batch))
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.state.name, err)
		}
	}
	return nil
}

func (t *PostgresTable) DeleteMany(ctx context.Context, ids []any, column string, extra ...schemamodel.Where) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := t.sql.deleteMany(column, ids, extra)
	if err != nil {
		return err
	}
	zap.S().Debugw("delete rows", "query", query, "args", args)
	if _, err := t.querier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", t.state.name, err)
	}
	return nil
}

// InTx runs fn in a transaction. A context already carrying a transaction of
// the same pool runs fn inside it.
func (t *PostgresTable) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{pool: t.pool}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, pgTxKey{pool: t.pool}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
