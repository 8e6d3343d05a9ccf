package schemamodel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDataSaveAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)
	assert.True(t, m.IsTransient())
	assert.True(t, m.IsDirty())

	saved, err := m.Save(ctx)
	require.NoError(t, err)
	assert.Same(t, m, saved)

	firstName, err := m.Call(ctx, "get_firstName")
	require.NoError(t, err)
	assert.Equal(t, "Michael", firstName)

	lastName, err := m.Call(ctx, "get_lastName")
	require.NoError(t, err)
	assert.Equal(t, "Angelo", lastName)

	assert.Equal(t, int64(1), m.PrimaryValue())
	assert.Equal(t, "id", m.PrimaryColumn())
	assert.False(t, m.IsDirty())
	assert.Equal(t, 1, f.table.count("Upsert"))
	assert.Equal(t, 1, f.table.count("LastInsertID"))
}

func TestSaveThenFindReturnsCastAttributes(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)
	_, err = m.Save(ctx)
	require.NoError(t, err)

	found, err := f.model.Find(ctx, m.PrimaryValue())
	require.NoError(t, err)
	assert.False(t, found.IsDirty())
	assert.False(t, found.IsTransient())

	expected := map[string]any{
		"id":        int64(1),
		"firstName": "Michael",
		"lastName":  "Angelo",
		"emails":    []string{"a@x.com", "b@x.com"},
		"int":       int64(1234567890),
		"date":      fixedNow.Add(-24 * time.Hour),
	}
	for name, want := range expected {
		got, err := found.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestFindMissingRowIsNotFound(t *testing.T) {
	f := newMockFixture(t)
	_, err := f.model.Find(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCurrentTimestampDefaultUsesConstructionTime(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	data := scenarioData()
	delete(data, "date")
	m, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
	require.NoError(t, err)

	date, err := m.GetAttribute("date")
	require.NoError(t, err)
	assert.Equal(t, fixedNow, date)
}

func TestManyToManyResetReplacesMembership(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)

	_, err = m.Call(ctx, "set_posts", []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, m.PendingChanges("posts").Insert)

	_, err = m.Save(ctx)
	require.NoError(t, err)
	owner := m.PrimaryValue()
	assert.ElementsMatch(t, [][2]any{{owner, int64(1)}, {owner, int64(2)}, {owner, int64(3)}},
		f.posts.pairs("mock_model_id", "post_id"))
	assert.True(t, m.PendingChanges("posts").IsEmpty())

	_, err = m.Call(ctx, "set_posts", []int{2, 3, 4})
	require.NoError(t, err)
	pending := m.PendingChanges("posts")
	assert.Equal(t, []any{int64(1)}, pending.Delete)
	assert.Equal(t, []any{int64(2), int64(3), int64(4)}, pending.Insert)

	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]any{{owner, int64(2)}, {owner, int64(3)}, {owner, int64(4)}},
		f.posts.pairs("mock_model_id", "post_id"))

	// The second save had no attribute changes.
	assert.Equal(t, 1, f.table.count("Upsert"))

	posts, err := m.Call(ctx, "get_posts")
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 4}, posts)
}

func TestJoinRowsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	a, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	b, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)

	require.NoError(t, a.SetRelationship(ctx, "posts", []int{1, 2}))
	require.NoError(t, b.SetRelationship(ctx, "posts", []int{1, 2}))
	_, err = a.Save(ctx)
	require.NoError(t, err)
	_, err = b.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, a.RemoveFromRelationship("posts", 1))
	_, err = a.Save(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, [][2]any{
		{a.PrimaryValue(), int64(2)},
		{b.PrimaryValue(), int64(1)},
		{b.PrimaryValue(), int64(2)},
	}, f.posts.pairs("mock_model_id", "post_id"))
}

func TestCleanSaveSkipsRowWriteButFlushes(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	created, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)

	loaded, err := f.model.Find(ctx, created.PrimaryValue())
	require.NoError(t, err)
	require.False(t, loaded.IsDirty())

	require.NoError(t, loaded.AddToRelationship("posts", 9))
	_, err = loaded.Save(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.table.count("Upsert"))
	assert.Equal(t, [][2]any{{created.PrimaryValue(), int64(9)}}, f.posts.pairs("mock_model_id", "post_id"))
}

func TestFlushDeletesBeforeInsertThenDeletes(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1}))
	_, err = m.Save(ctx)
	require.NoError(t, err)

	f.posts.calls = nil
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{2}))
	_, err = m.Save(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"DeleteMany", "InsertMany", "DeleteMany"}, f.posts.calls)
}

func TestDeleteTransientModelIsStateError(t *testing.T) {
	f := newMockFixture(t)
	m, err := f.model.New(context.Background())
	require.NoError(t, err)

	ok, err := m.Delete(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrState))
	assert.Zero(t, f.table.count("DeleteRow"))
}

func TestDeleteRemovesMembershipBeforeRow(t *testing.T) {
	ctx := context.Background()
	var journal []string

	table := newFakeTable("mock_models", "id", mockModelColumns()...)
	posts := newFakeTable("mock_model_posts", "")
	tags := newFakeTable("mock_model_tags", "")
	table.journal, posts.journal, tags.journal = &journal, &journal, &journal

	registry := NewRegistry()
	mt, err := registry.Define("mock_model", castingTable{table}, WithRelationships(
		NewManyToMany("posts").Through(posts),
		NewBelongsToMany("tags").Through(tags).OtherColumn("tag_slug"),
	))
	require.NoError(t, err)

	m, err := mt.Create(ctx, scenarioData())
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1, 2}))
	require.NoError(t, m.SetRelationship(ctx, "tags", []string{"go", "orm"}))
	_, err = m.Save(ctx)
	require.NoError(t, err)
	require.Len(t, posts.rows, 2)
	require.Len(t, tags.rows, 2)

	journal = nil
	ok, err := m.Delete(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsDeleted())

	assert.Equal(t, []string{
		"mock_model_posts.DeleteMany",
		"mock_model_tags.DeleteMany",
		"mock_models.DeleteRow",
	}, journal)
	assert.Empty(t, posts.rows)
	assert.Empty(t, tags.rows)
	assert.Empty(t, table.rows)

	_, err = m.Save(ctx)
	assert.True(t, errors.Is(err, ErrState))
	_, err = m.Delete(ctx)
	assert.True(t, errors.Is(err, ErrState))
}

func TestAccessorResolutionPrefersRelationship(t *testing.T) {
	ctx := context.Background()
	columns := append(mockModelColumns(), ColumnDescriptor{Name: "posts", Type: TypeString, Nullable: true, HasDefault: true, Default: "NULL"})
	table := newFakeTable("mock_models", "id", columns...)
	posts := newFakeTable("mock_model_posts", "")

	mt := NewModelType("mock_model", castingTable{table},
		WithRelationships(NewManyToMany("posts").Through(posts)))

	accessor, err := mt.ResolveAccessor(ctx, "get_posts")
	require.NoError(t, err)
	assert.Equal(t, MemberRelationship, accessor.Kind)
	assert.Equal(t, AccessorGet, accessor.Op)

	member, err := mt.ResolveMember(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, MemberRelationship, member.Kind)

	accessor, err = mt.ResolveAccessor(ctx, "set_lastName")
	require.NoError(t, err)
	assert.Equal(t, MemberProperty, accessor.Kind)
	assert.Equal(t, AccessorSet, accessor.Op)

	m, err := mt.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)
	_, err = m.Call(ctx, "set_posts", []int{5})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5)}, m.PendingChanges("posts").Insert)

	attr, err := m.GetAttribute("posts")
	require.NoError(t, err)
	assert.Nil(t, attr)
}

func TestUnknownMembers(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)
	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)

	for _, name := range []string{"get_nickname", "set_nickname", "lastName", "fetch_lastName", "get_", ""} {
		_, err := m.Call(ctx, name)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrUnknownMember), name)
	}

	_, err = m.Get(ctx, "nickname")
	assert.True(t, errors.Is(err, ErrUnknownMember))

	for _, name := range []string{"lastName", "fetch_lastName", "get_"} {
		_, err := m.Call(ctx, name)
		var shapeErr *ModelError
		require.ErrorAs(t, err, &shapeErr, name)
		assert.Contains(t, shapeErr.Message, "is not a get_<name> or set_<name> accessor", name)
	}
	_, err = m.Call(ctx, "get_nickname")
	var unknownErr *ModelError
	require.ErrorAs(t, err, &unknownErr)
	assert.NotContains(t, unknownErr.Message, "get_<name>")
	assert.True(t, IsAccessorName("set_posts"))
	assert.False(t, IsAccessorName("set_"))

	err = m.SetAttribute("nickname", "Mike")
	require.Error(t, err)
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeUnknownProperty, me.Code)
	assert.False(t, errors.Is(err, ErrUnknownRelationship))

	err = m.AddToRelationship("comments", 1)
	assert.True(t, errors.Is(err, ErrUnknownRelationship))
	err = m.RemoveFromRelationship("comments", 1)
	assert.True(t, errors.Is(err, ErrUnknownRelationship))
	err = m.DeleteRelationshipData(ctx, "comments")
	assert.True(t, errors.Is(err, ErrUnknownRelationship))
}

func TestCallArgumentCount(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)
	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)

	_, err = m.Call(ctx, "get_lastName", "extra")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = m.Call(ctx, "set_lastName")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = m.Call(ctx, "set_lastName", "Rossi")
	require.NoError(t, err)
	v, err := m.Call(ctx, "get_lastName")
	require.NoError(t, err)
	assert.Equal(t, "Rossi", v)
}

func TestAttributeDirtiness(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	created, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	m, err := f.model.Find(ctx, created.PrimaryValue())
	require.NoError(t, err)
	require.False(t, m.IsDirty())

	require.NoError(t, m.SetAttribute("lastName", "Rossi"))
	assert.True(t, m.IsDirty())
	assert.True(t, m.IsAttributeDirty("lastName"))
	assert.Equal(t, []string{"lastName"}, m.DirtyKeys())

	require.NoError(t, m.SetAttribute("lastName", "Angelo"))
	assert.False(t, m.IsDirty())

	require.NoError(t, m.SetAttribute("int", "42"))
	v, err := m.GetAttribute("int")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	err = m.SetAttribute("int", "forty-two")
	assert.True(t, errors.Is(err, ErrValidation))
	v, err = m.GetAttribute("int")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestFromDataValidation(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	t.Run("missing required property", func(t *testing.T) {
		data := scenarioData()
		delete(data, "lastName")
		_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
		require.Error(t, err)
		var me *ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, ErrCodeMissingProperty, me.Code)
		assert.Equal(t, "lastName", me.Field)
	})

	t.Run("primary and defaulted properties may be absent", func(t *testing.T) {
		data := scenarioData()
		delete(data, "date")
		_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
		assert.NoError(t, err)
	})

	t.Run("not a mapping", func(t *testing.T) {
		for _, data := range []any{nil, 42, "lastName=Angelo", []any{1}, time.Now()} {
			_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		}
	})

	t.Run("extra keys", func(t *testing.T) {
		data := scenarioData()
		data["nickname"] = "Mike"

		_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
		require.NoError(t, err)

		_, err = f.model.FromData(ctx, data, BuildModeRejectExtra)
		require.Error(t, err)
		var me *ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, ErrCodeUnexpectedProperty, me.Code)
		assert.Equal(t, "nickname", me.Field)
	})

	t.Run("bad relationship value", func(t *testing.T) {
		data := scenarioData()
		data["posts"] = map[string]int{"a": 1}
		_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("struct input", func(t *testing.T) {
		type person struct {
			LastName string    `db:"lastName"`
			Emails   []string  `db:"emails"`
			Int      int64     `db:"int"`
			Date     time.Time `db:"date"`
			Ignored  string    `db:"-"`
		}
		m, err := f.model.FromData(ctx, &person{LastName: "Angelo", Int: 7, Date: fixedNow}, BuildModeRejectExtra)
		require.NoError(t, err)
		v, err := m.GetAttribute("lastName")
		require.NoError(t, err)
		assert.Equal(t, "Angelo", v)
	})
}

func TestFromDataWithPrimaryValueIsClean(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	data := scenarioData()
	data["id"] = 12
	data["posts"] = []int{1, 2}
	m, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
	require.NoError(t, err)

	assert.False(t, m.IsDirty())
	assert.False(t, m.IsTransient())
	assert.Equal(t, int64(12), m.PrimaryValue())
	assert.Equal(t, []any{int64(1), int64(2)}, m.PendingChanges("posts").Insert)
	assert.Zero(t, f.table.count("Upsert"))
}

func TestAbstractModelCannotBeBuilt(t *testing.T) {
	table := newFakeTable("bases", "id", ColumnDescriptor{Name: "id", Type: TypeInt})
	mt := NewModelType("base", table, WithAbstract())

	_, err := mt.FromData(context.Background(), map[string]any{}, BuildModeIgnoreExtra)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrState))

	_, err = mt.New(context.Background())
	assert.True(t, errors.Is(err, ErrState))
	assert.True(t, mt.IsAbstract())
}

func TestInvalidRelationshipValueLeavesNoStaging(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)
	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1}))

	err = m.SetRelationship(ctx, "posts", []any{2, 3.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, []any{int64(1)}, m.PendingChanges("posts").Insert)
	assert.Empty(t, m.PendingChanges("posts").Delete)

	err = m.SetRelationship(ctx, "posts", struct{ ID int }{ID: 1})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestRelationshipValuesMayBeModels(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	other, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)

	require.NoError(t, m.SetRelationship(ctx, "posts", []any{other, NewLazyReference(8, nil)}))
	assert.Equal(t, []any{other.PrimaryValue(), int64(8)}, m.PendingChanges("posts").Insert)

	transient, err := f.model.New(ctx)
	require.NoError(t, err)
	err = m.AddToRelationship("posts", transient)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSetRelationshipToEmptyDeletesMembership(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1, 2}))
	_, err = m.Save(ctx)
	require.NoError(t, err)
	require.Len(t, f.posts.rows, 2)

	require.NoError(t, m.AddToRelationship("posts", 3))
	_, err = m.Call(ctx, "set_posts", nil)
	require.NoError(t, err)

	assert.Empty(t, f.posts.rows)
	assert.True(t, m.PendingChanges("posts").IsEmpty())
	posts, err := m.Relationship(ctx, "posts")
	require.NoError(t, err)
	assert.Empty(t, posts)

	require.NoError(t, m.SetRelationship(ctx, "posts", []int{}))
	assert.Empty(t, f.posts.rows)
}

func TestRelationshipReadPathMemoizes(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	f.posts.rows = []Row{
		{"mock_model_id": m.PrimaryValue(), "post_id": int64(4)},
		{"mock_model_id": int64(99), "post_id": int64(5)},
	}

	loaded, err := f.model.Find(ctx, m.PrimaryValue())
	require.NoError(t, err)

	posts, err := loaded.Relationship(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, posts)

	_, err = loaded.Relationship(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 1, f.posts.count("RowsWhere"))

	require.NoError(t, loaded.SetRelationship(ctx, "posts", []int{6}))
	pending := loaded.PendingChanges("posts")
	assert.Equal(t, []any{int64(4)}, pending.Delete)
	assert.Equal(t, []any{int64(6)}, pending.Insert)
}

func TestRelationshipWithoutCachingFetchesEveryTime(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("mock_models", "id", mockModelColumns()...)
	posts := newFakeTable("mock_model_posts", "")
	mt := NewModelType("mock_model", castingTable{table},
		WithRelationships(NewManyToMany("posts").Through(posts).WithoutCaching()))

	m, err := mt.Create(ctx, scenarioData())
	require.NoError(t, err)

	_, err = m.Relationship(ctx, "posts")
	require.NoError(t, err)
	_, err = m.Relationship(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 2, posts.count("RowsWhere"))
}

func TestUpsertFailureAbortsBeforeFlush(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)
	failed := false
	f.table.upsertResult = &failed

	m, err := f.model.FromData(ctx, scenarioData(), BuildModeIgnoreExtra)
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1}))

	_, err = m.Save(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeSaveFailed, me.Code)

	assert.Zero(t, f.posts.count("InsertMany"))
	assert.True(t, m.IsDirty())
	assert.True(t, m.IsTransient())

	f.table.upsertResult = nil
	f.table.failOn["Upsert"] = errStorage
	_, err = m.Save(ctx)
	assert.ErrorIs(t, err, errStorage)
}

func TestPartialFlushIsReported(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("mock_models", "id", mockModelColumns()...)
	posts := newFakeTable("mock_model_posts", "")
	tags := newFakeTable("mock_model_tags", "")
	mt := NewModelType("mock_model", castingTable{table}, WithRelationships(
		NewManyToMany("posts").Through(posts),
		NewManyToMany("tags").Through(tags),
	))

	m, err := mt.Create(ctx, scenarioData())
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1}))
	require.NoError(t, m.SetRelationship(ctx, "tags", []int{7}))
	tags.failOn["InsertMany"] = errStorage

	_, err = m.Save(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.ErrorIs(t, err, errStorage)

	fe, ok := IsPartialFlush(err)
	require.True(t, ok)
	assert.Equal(t, []string{"posts"}, fe.Completed)
	assert.Equal(t, "tags", fe.Failed)
	assert.Equal(t, FlushStepInsert, fe.Step)
	assert.Equal(t, ErrorTypePersistence, ErrorTypeOf(err))

	// posts was written and is not rolled back; tags stays staged for a retry.
	assert.Len(t, posts.rows, 1)
	assert.True(t, m.PendingChanges("posts").IsEmpty())
	assert.Equal(t, []any{int64(7)}, m.PendingChanges("tags").Insert)

	delete(tags.failOn, "InsertMany")
	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][2]any{{m.PrimaryValue(), int64(7)}}, tags.pairs("mock_model_id", "tag_id"))
}

func TestAtomicSaveRestoresStateOnFailure(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("mock_models", "id", mockModelColumns()...)
	posts := newFakeTable("mock_model_posts", "")
	mt := NewModelType("mock_model", txTable{fakeTable: table, join: posts},
		WithAtomicSave(),
		WithRelationships(NewManyToMany("posts").Through(posts)))

	data := scenarioData()
	data["int"] = 1234567890
	m, err := mt.FromData(ctx, data, BuildModeIgnoreExtra)
	require.NoError(t, err)
	require.NoError(t, m.SetRelationship(ctx, "posts", []int{1, 2}))
	posts.failOn["InsertMany"] = errStorage

	_, err = m.Save(ctx)
	require.Error(t, err)
	_, partial := IsPartialFlush(err)
	assert.True(t, partial)

	assert.Empty(t, table.rows)
	assert.Empty(t, posts.rows)
	assert.True(t, m.IsTransient())
	assert.True(t, m.IsDirty())
	assert.Equal(t, []any{int64(1), int64(2)}, m.PendingChanges("posts").Insert)

	delete(posts.failOn, "InsertMany")
	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Len(t, table.rows, 1)
	assert.Len(t, posts.rows, 2)
}

func TestDecodeIntoStruct(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)
	m, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)

	var out struct {
		ID        int64     `db:"id"`
		FirstName string    `db:"firstName"`
		LastName  string    `db:"lastName"`
		Emails    []string  `db:"emails"`
		Int       int64     `db:"int"`
		Date      time.Time `db:"date"`
	}
	require.NoError(t, m.Decode(&out))
	assert.Equal(t, int64(1), out.ID)
	assert.Equal(t, "Michael", out.FirstName)
	assert.Equal(t, "Angelo", out.LastName)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, out.Emails)
	assert.Equal(t, int64(1234567890), out.Int)
	assert.True(t, out.Date.Equal(fixedNow.Add(-24*time.Hour)))
}

func TestJSONSchemaOption(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t, WithJSONSchema("emails", []byte(`{"type":"array","items":{"type":"string"}}`)))

	data := scenarioData()
	data["emails"] = []any{1, 2}
	_, err := f.model.FromData(ctx, data, BuildModeIgnoreExtra)
	require.Error(t, err)
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeSchemaViolation, me.Code)

	bad := newMockFixture(t, WithJSONSchema("lastName", []byte(`{"type":"string"}`)))
	_, err = bad.model.New(ctx)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestSaveTransientWithoutAttributesIsStateError(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable("tags", "id",
		ColumnDescriptor{Name: "id", Type: TypeInt},
		ColumnDescriptor{Name: "label", Type: TypeString, Nullable: true},
	)
	mt := NewModelType("tag", table)

	m, err := mt.New(ctx)
	require.NoError(t, err)
	require.False(t, m.IsDirty())

	_, err = m.Save(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrState))
	assert.Zero(t, table.count("Upsert"))
	assert.True(t, m.IsTransient())

	require.NoError(t, m.SetAttribute("label", "go"))
	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.PrimaryValue())
}

// ===== Aliasing Tests =====

func TestRelationshipCacheIsNotSharedWithCallers(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	m, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	owner := m.PrimaryValue()

	ids := make([]any, 2, 10)
	ids[0], ids[1] = 1, 2
	require.NoError(t, m.SetRelationship(ctx, "posts", ids))
	require.NoError(t, m.AddToRelationship("posts", 3))
	assert.Nil(t, ids[:3][2], "the caller's backing array is not appended to")

	_, err = m.Save(ctx)
	require.NoError(t, err)

	posts, err := m.Get(ctx, "posts")
	require.NoError(t, err)
	posts.([]any)[0] = 99

	require.NoError(t, m.Set(ctx, "posts", []int{2}))
	pending := m.PendingChanges("posts")
	assert.Equal(t, []any{int64(2)}, pending.Insert)
	assert.ElementsMatch(t, []any{int64(1), int64(3)}, pending.Delete)

	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][2]any{{owner, int64(2)}}, f.posts.pairs("mock_model_id", "post_id"))

	loaded, err := f.model.Find(ctx, owner)
	require.NoError(t, err)
	fetched, err := loaded.Relationship(ctx, "posts")
	require.NoError(t, err)
	fetched.([]any)[0] = int64(42)

	require.NoError(t, loaded.SetRelationship(ctx, "posts", []int{7}))
	assert.Equal(t, []any{int64(2)}, loaded.PendingChanges("posts").Delete)
}

func TestInPlaceAttributeEditsAreDirty(t *testing.T) {
	ctx := context.Background()
	f := newMockFixture(t)

	created, err := f.model.Create(ctx, scenarioData())
	require.NoError(t, err)
	m, err := f.model.Find(ctx, created.PrimaryValue())
	require.NoError(t, err)
	require.False(t, m.IsDirty())

	emails, err := m.GetAttribute("emails")
	require.NoError(t, err)
	emails.([]string)[0] = "c@x.com"
	assert.True(t, m.IsAttributeDirty("emails"))
	assert.Equal(t, []string{"emails"}, m.DirtyKeys())

	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.table.count("Upsert"))
	assert.False(t, m.IsDirty())

	emails.([]string)[1] = "d@x.com"
	assert.True(t, m.IsDirty())

	require.NoError(t, m.SetAttribute("emails", []string{"c@x.com", "b@x.com"}))
	assert.False(t, m.IsDirty(), "setting the committed value back is clean")
}

func TestCloneValueCopiesNestedContainers(t *testing.T) {
	original := map[string]any{"tags": []any{"a", map[string]any{"k": []int{1}}}, "n": nil}
	copied := cloneValue(original).(map[string]any)
	assert.Equal(t, original, copied)

	copied["tags"].([]any)[1].(map[string]any)["k"].([]int)[0] = 2
	assert.Equal(t, []int{1}, original["tags"].([]any)[1].(map[string]any)["k"])
	assert.Nil(t, cloneValue(nil))
}
