package schemamodel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Query is a read-only row lookup scoped to one model type's table. It
// carries at most one condition; storage evaluates it.
type Query struct {
	modelType *ModelType
	where     *Where
	limit     int
	err       error
}

// Query starts a lookup over the type's table.
func (t *ModelType) Query() *Query {
	return &Query{modelType: t}
}

// Where sets the condition column <op> value.
func (q *Query) Where(column string, op Operator, value any) *Query {
	if q.err != nil {
		return q
	}
	if q.where != nil {
		q.err = invalidQuery("only one condition is supported")
		return q
	}
	if !op.Valid() {
		q.err = invalidQuery(fmt.Sprintf("unsupported operator %q", op))
		return q
	}
	q.where = &Where{Column: column, Op: op, Value: value}
	return q
}

// WhereExpr sets the condition from an "op:value" expression such as
// "gte:10", "contains:smith" or "in:1,2,3". A bare value means equals.
func (q *Query) WhereExpr(column, expr string) *Query {
	op, value, err := parseValueAndOp(expr)
	if err != nil {
		if q.err == nil {
			q.err = err
		}
		return q
	}
	return q.Where(column, op, value)
}

// Limit caps the number of rows. n <= 0 means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Rows returns the matching raw rows.
func (q *Query) Rows(ctx context.Context) ([]Row, error) {
	if q.err != nil {
		return nil, q.err
	}
	meta, err := q.modelType.metadata(ctx)
	if err != nil {
		return nil, err
	}

	column, op, value := "", OpEquals, any(nil)
	if q.where != nil {
		if _, ok := meta.properties[q.where.Column]; !ok {
			return nil, NewUnknownPropertyError(q.where.Column).WithModel(q.modelType.name)
		}
		column, op, value = q.where.Column, q.where.Op, q.where.Value
	}

	rows, err := q.modelType.table.RowsWhere(ctx, column, value, op, q.limit)
	if err != nil {
		return nil, NewPersistenceError(ErrCodeFetchFailed, "query failed", err).WithModel(q.modelType.name)
	}
	return rows, nil
}

// All returns the matching rows as models.
func (q *Query) All(ctx context.Context) ([]*Model, error) {
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]*Model, 0, len(rows))
	for _, row := range rows {
		m, err := q.modelType.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// First returns the first matching model, or a NotFound error.
func (q *Query) First(ctx context.Context) (*Model, error) {
	limited := *q
	limited.limit = 1
	models, err := limited.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		var cond any = "any"
		if q.where != nil {
			cond = fmt.Sprintf("%s %s %v", q.where.Column, q.where.Op, q.where.Value)
		}
		return nil, NewNotFoundError(q.modelType.name, cond)
	}
	return models[0], nil
}

func invalidQuery(message string) *ModelError {
	return &ModelError{Type: ErrorTypeValidation, Code: ErrCodeInvalidQuery, Message: message}
}

func tryParseNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func parseValueAndOp(expr string) (Operator, any, error) {
	opStr, valStr, found := strings.Cut(expr, ":")
	if !found {
		opStr, valStr = "equals", expr
	} else if opStr == "" || valStr == "" {
		return "", nil, invalidQuery(fmt.Sprintf("invalid condition format: %s", expr))
	}

	switch opStr {
	case "equals":
		return OpEquals, tryParseNumber(valStr), nil
	case "not_equals":
		return OpNotEquals, tryParseNumber(valStr), nil
	case "gt":
		return OpGreaterThan, tryParseNumber(valStr), nil
	case "gte":
		return OpGreaterEq, tryParseNumber(valStr), nil
	case "lt":
		return OpLessThan, tryParseNumber(valStr), nil
	case "lte":
		return OpLessEq, tryParseNumber(valStr), nil
	case "starts_with":
		return OpLike, valStr + "%", nil
	case "contains":
		return OpLike, "%" + valStr + "%", nil
	case "in":
		parts := strings.Split(valStr, ",")
		values := make([]any, len(parts))
		for i, p := range parts {
			values[i] = tryParseNumber(strings.TrimSpace(p))
		}
		return OpIn, values, nil
	}
	return "", nil, invalidQuery(fmt.Sprintf("unsupported operator: %s", opStr))
}
