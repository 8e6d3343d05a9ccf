package schemamodel

import (
	"context"
)

// Table is the storage collaborator backing one model type or join table.
// Calls may block; implementations honor ctx cancellation where their driver does.
type Table interface {
	// Name returns the table name all queries are scoped to.
	Name() string
	// Schema reflects the current ordered column list.
	Schema(ctx context.Context) (*TableSchema, error)
	// PrimaryColumn returns the name of the identifier column.
	PrimaryColumn() string

	// Upsert inserts the row, or updates it when the primary value already exists.
	Upsert(ctx context.Context, row Row) (bool, error)
	// LastInsertID returns the identifier generated by the most recent Upsert on this table.
	LastInsertID(ctx context.Context) (any, error)
	// DeleteRow removes the row with the given identifier.
	DeleteRow(ctx context.Context, id any) (bool, error)

	// RowsWhere returns rows where column <op> value. An empty column matches
	// every row; a limit <= 0 means no limit.
	RowsWhere(ctx context.Context, column string, value any, op Operator, limit int) ([]Row, error)
	// RowByID returns the row with the given identifier, or nil when absent.
	RowByID(ctx context.Context, id any) (Row, error)

	// InsertMany inserts rows in order.
	InsertMany(ctx context.Context, rows []Row) error
	// DeleteMany removes rows whose column is in ids and which match every extra condition.
	DeleteMany(ctx context.Context, ids []any, column string, extra ...Where) error
}

// Caster is implemented by tables that convert raw values to the Go
// representation of a column type before assignment.
type Caster interface {
	CastValue(t PrimitiveType, value any) (any, error)
}

// Transactor is implemented by tables that can run several calls atomically.
// Tables sharing a connection pool join the transaction carried by ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
