package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lychee-technology/schemamodel"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func mockModelsSchema() *schemamodel.TableSchema {
	return &schemamodel.TableSchema{
		Name:          "mock_models",
		PrimaryColumn: "id",
		Columns: []schemamodel.ColumnDescriptor{
			{Name: "id", Type: schemamodel.TypeInt, HasDefault: true},
			{Name: "firstName", Type: schemamodel.TypeString, HasDefault: true, Default: "Michael"},
			{Name: "lastName", Type: schemamodel.TypeString},
			{Name: "emails", Type: schemamodel.TypeJSON, Nullable: true},
			{Name: "int", Type: schemamodel.TypeInt},
			{Name: "date", Type: schemamodel.TypeDateTime, HasDefault: true, ReservedDefault: schemamodel.DefaultCurrentTimestamp},
		},
	}
}

func mockModelPostsSchema() *schemamodel.TableSchema {
	return &schemamodel.TableSchema{
		Name: "mock_model_posts",
		Columns: []schemamodel.ColumnDescriptor{
			{Name: "mock_model_id", Type: schemamodel.TypeInt},
			{Name: "post_id", Type: schemamodel.TypeInt},
		},
	}
}

func newPgxMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func newPgMockModel(t *testing.T, mock pgxmock.PgxPoolIface, opts ...schemamodel.ModelTypeOption) *schemamodel.ModelType {
	t.Helper()
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))
	posts := NewPostgresTable(mock, "mock_model_posts", WithSchema(mockModelPostsSchema()))
	all := append([]schemamodel.ModelTypeOption{
		schemamodel.WithRelationships(schemamodel.NewManyToMany("posts").Through(posts)),
		schemamodel.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return schemamodel.NewModelType("mock_model", table, all...)
}

// ===== Schema Reflection Tests =====

func TestPostgresTableReflectSchema(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	columns := pgxmock.NewRows([]string{"column_name", "data_type", "udt_name", "is_nullable", "column_default", "is_identity"}).
		AddRow("id", "integer", "int4", "NO", "nextval('mock_models_id_seq'::regclass)", "NO").
		AddRow("firstName", "character varying", "varchar", "NO", "'Michael'::character varying", "NO").
		AddRow("lastName", "character varying", "varchar", "NO", nil, "NO").
		AddRow("emails", "jsonb", "jsonb", "YES", nil, "NO").
		AddRow("int", "bigint", "int8", "NO", nil, "NO").
		AddRow("date", "timestamp with time zone", "timestamptz", "NO", "now()", "NO")
	mock.ExpectQuery("SELECT column_name, data_type").WithArgs("public", "mock_models").WillReturnRows(columns)
	mock.ExpectQuery("SELECT kcu.column_name").WithArgs("public", "mock_models").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).AddRow("id"))

	table := NewPostgresTable(mock, "mock_models")
	schema, err := table.Schema(ctx)
	require.NoError(t, err)

	assert.Equal(t, "id", schema.PrimaryColumn)
	assert.Equal(t, "id", table.PrimaryColumn())
	require.Len(t, schema.Columns, 6)

	id := schema.Columns[0]
	assert.Equal(t, schemamodel.TypeInt, id.Type)
	assert.True(t, id.HasDefault)
	assert.Nil(t, id.Default)

	first := schema.Columns[1]
	assert.Equal(t, "Michael", first.Default)
	assert.False(t, first.Nullable)

	emails := schema.Columns[3]
	assert.Equal(t, schemamodel.TypeJSON, emails.Type)
	assert.True(t, emails.Nullable)
	assert.False(t, emails.HasDefault)

	date := schema.Columns[5]
	assert.Equal(t, schemamodel.DefaultCurrentTimestamp, date.ReservedDefault)

	// cached: no further queries expected
	again, err := table.Schema(ctx)
	require.NoError(t, err)
	assert.Same(t, schema, again)
	assert.NoError(t, mock.ExpectationsWereMet())

	// the reflected schema drives property generation
	defs, err := schemamodel.GeneratePropertyDefinitions(schema, schemamodel.GenerateOptions{Caster: table})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, defs["date"].Default(fixedNow))
	assert.Equal(t, "Michael", defs["firstName"].Default(fixedNow))
}

func TestPostgresTableReflectFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"column_name", "data_type", "udt_name", "is_nullable", "column_default", "is_identity"}
	mock.ExpectQuery("SELECT column_name").WithArgs("blog", "posts").WillReturnRows(pgxmock.NewRows(cols))
	mock.ExpectQuery("SELECT column_name").WithArgs("blog", "posts").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("uid", "uuid", "uuid", "NO", "gen_random_uuid()", "NO"))
	mock.ExpectQuery("SELECT kcu.column_name").WithArgs("blog", "posts").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	table := NewPostgresTable(mock, "blog.posts", WithPrimaryColumn("uid"))

	_, err = table.Schema(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	schema, err := table.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uid", schema.PrimaryColumn)
	assert.Equal(t, schemamodel.TypeUUID, schema.Columns[0].Type)
	assert.True(t, schema.Columns[0].HasDefault)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ===== Statement Tests =====

func TestPostgresTableUpsert(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))

	mock.ExpectQuery(`INSERT INTO "mock_models" ("id", "lastName", "emails") VALUES ($1, $2, $3) ` +
		`ON CONFLICT ("id") DO UPDATE SET "lastName" = EXCLUDED."lastName", "emails" = EXCLUDED."emails" RETURNING "id"`).
		WithArgs(int64(7), "Angelo", `["a@x.com"]`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int32(7)))

	ok, err := table.Upsert(ctx, schemamodel.Row{"id": int64(7), "lastName": "Angelo", "emails": []any{"a@x.com"}})
	require.NoError(t, err)
	assert.True(t, ok)

	id, err := table.LastInsertID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableUpsertWithoutRow(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))

	mock.ExpectQuery(`INSERT INTO "mock_models" DEFAULT VALUES RETURNING "id"`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	ok, err := table.Upsert(ctx, schemamodel.Row{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = table.LastInsertID(ctx)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableRowsWhere(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))

	cols := []string{"id", "firstName", "lastName", "emails", "int", "date"}
	mock.ExpectQuery(`SELECT * FROM "mock_models" WHERE "int" IN ($1, $2) ORDER BY "id" LIMIT 5`).
		WithArgs(5, 15).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int32(1), "Michael", "Angelo", []any{"a@x.com"}, int64(5), fixedNow).
			AddRow(int32(3), "Michael", "Buonarroti", nil, int64(15), fixedNow))

	rows, err := table.RowsWhere(ctx, "int", []int{5, 15}, schemamodel.OpIn, 5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, []any{"a@x.com"}, rows[0]["emails"])
	assert.Nil(t, rows[1]["emails"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableRowByIDMissing(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))

	mock.ExpectQuery(`SELECT * FROM "mock_models" WHERE "id" = $1 ORDER BY "id" LIMIT 1`).
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	row, err := table.RowByID(ctx, int64(99))
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableDeleteStatements(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))
	posts := NewPostgresTable(mock, "mock_model_posts", WithSchema(mockModelPostsSchema()))

	mock.ExpectExec(`DELETE FROM "mock_model_posts" WHERE "post_id" IN ($1, $2) AND "mock_model_id" = $3`).
		WithArgs(int64(2), int64(3), int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM "mock_models" WHERE "id" = $1`).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM "mock_models" WHERE "id" = $1`).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := posts.DeleteMany(ctx, []any{int64(2), int64(3)}, "post_id",
		schemamodel.Where{Column: "mock_model_id", Op: schemamodel.OpEquals, Value: int64(1)})
	require.NoError(t, err)

	removed, err := table.DeleteRow(ctx, int64(1))
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = table.DeleteRow(ctx, int64(1))
	require.NoError(t, err)
	assert.False(t, removed)

	// empty id lists issue nothing
	require.NoError(t, posts.DeleteMany(ctx, nil, "post_id"))
	require.NoError(t, posts.InsertMany(ctx, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableInsertManyBatches(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	posts := NewPostgresTable(mock, "mock_model_posts", WithSchema(mockModelPostsSchema()), WithInsertBatchSize(2))

	mock.ExpectExec(`INSERT INTO "mock_model_posts" ("mock_model_id", "post_id") VALUES ($1, $2), ($3, $4)`).
		WithArgs(int64(1), int64(2), int64(1), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO "mock_model_posts" ("mock_model_id", "post_id") VALUES ($1, $2)`).
		WithArgs(int64(1), int64(4)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := posts.InsertMany(ctx, []schemamodel.Row{
		{"mock_model_id": int64(1), "post_id": int64(2)},
		{"post_id": int64(3), "mock_model_id": int64(1)},
		{"mock_model_id": int64(1), "post_id": int64(4)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableErrors(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	table := NewPostgresTable(mock, "mock_models", WithSchema(mockModelsSchema()))
	boom := errors.New("connection reset")

	mock.ExpectExec(`DELETE FROM "mock_models" WHERE "id" = $1`).WithArgs(int64(1)).WillReturnError(boom)
	_, err := table.DeleteRow(ctx, int64(1))
	assert.ErrorIs(t, err, boom)

	_, err = table.RowsWhere(ctx, "int", 1, schemamodel.Operator("~"), 0)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ===== Model Round Trip Tests =====

func TestPostgresModelSaveFlushesPosts(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	mt := newPgMockModel(t, mock)

	mock.ExpectQuery(`INSERT INTO "mock_models" ("firstName", "lastName", "int", "date") VALUES ($1, $2, $3, $4) RETURNING "id"`).
		WithArgs("Michael", "Angelo", int64(7), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM "mock_model_posts" WHERE "post_id" IN ($1, $2, $3) AND "mock_model_id" = $4`).
		WithArgs(int64(1), int64(2), int64(3), int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "mock_model_posts" ("mock_model_id", "post_id") VALUES ($1, $2), ($3, $4), ($5, $6)`).
		WithArgs(int64(1), int64(1), int64(1), int64(2), int64(1), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))

	m, err := mt.New(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "lastName", "Angelo"))
	require.NoError(t, m.Set(ctx, "int", 7))
	require.NoError(t, m.Set(ctx, "posts", []any{1, 2, 3}))

	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.PrimaryValue())
	assert.False(t, m.HasPendingChanges())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresModelFindAndFetchPosts(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	mt := newPgMockModel(t, mock)

	cols := []string{"id", "firstName", "lastName", "emails", "int", "date"}
	mock.ExpectQuery(`SELECT * FROM "mock_models" WHERE "id" = $1 ORDER BY "id" LIMIT 1`).
		WithArgs(1).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int32(1), "Michael", "Angelo", []any{"a@x.com"}, int64(1234567890), fixedNow))
	mock.ExpectQuery(`SELECT * FROM "mock_model_posts" WHERE "mock_model_id" = $1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"mock_model_id", "post_id"}).
			AddRow(int32(1), int32(2)).
			AddRow(int32(1), int32(3)))

	m, err := mt.Find(ctx, 1)
	require.NoError(t, err)
	assert.False(t, m.IsDirty())

	v, err := m.GetAttribute("int")
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890), v)

	posts, err := m.Get(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, posts)

	// memoized on the model
	_, err = m.Get(ctx, "posts")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresModelAtomicSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	mock := newPgxMock(t)
	mt := newPgMockModel(t, mock, schemamodel.WithAtomicSave())
	boom := errors.New("insert failed")

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "mock_models" ("firstName", "lastName", "int", "date") VALUES ($1, $2, $3, $4) RETURNING "id"`).
		WithArgs("Michael", "Angelo", int64(7), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM "mock_model_posts" WHERE "post_id" IN ($1) AND "mock_model_id" = $2`).
		WithArgs(int64(4), int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "mock_model_posts" ("mock_model_id", "post_id") VALUES ($1, $2)`).
		WithArgs(int64(1), int64(4)).
		WillReturnError(boom)
	mock.ExpectRollback()

	m, err := mt.New(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "lastName", "Angelo"))
	require.NoError(t, m.Set(ctx, "int", 7))
	require.NoError(t, m.Set(ctx, "posts", []any{4}))

	_, err = m.Save(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	fe, ok := schemamodel.IsPartialFlush(err)
	require.True(t, ok)
	assert.Equal(t, "posts", fe.Failed)

	assert.True(t, m.IsTransient())
	assert.True(t, m.IsDirty())
	assert.True(t, m.HasPendingChanges())
	assert.NoError(t, mock.ExpectationsWereMet())
}
