package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "lore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreate(t *testing.T, s *SQLiteStore, ne domain.NewEntity) *domain.Entity {
	t.Helper()
	e, err := s.Create(context.Background(), ne)
	require.NoError(t, err)
	return e
}

func TestSQLiteStore_CreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fields := map[string]any{"role": "captain", "name": "ignored"}
	e := mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "character", Name: " Aria Vance ", Fields: fields})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "Aria Vance", e.Name)
	assert.Equal(t, "ignored", fields["name"], "caller's map is not modified")

	got, err := s.Get(ctx, "character", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Aria Vance", got.Name)
	assert.Equal(t, "captain", got.Fields["role"])
	assert.NotContains(t, got.Fields, "name")
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "location", e.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "type must match")
}

func TestSQLiteStore_CreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, domain.NewEntity{CollectionID: "c1", Type: "character"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Create(ctx, domain.NewEntity{CollectionID: "c1", Type: "location", Name: "Dock", ParentID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_ListAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "character", Name: "Zed"})
	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "character", Name: "aria", Fields: map[string]any{"bio": "sails to Sable"}})
	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "location", Name: "Port Sable"})
	mustCreate(t, s, domain.NewEntity{CollectionID: "c2", Type: "character", Name: "Other"})

	list, err := s.List(ctx, domain.ListQuery{CollectionID: "c1", Type: "character"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aria", list[0].Name)
	assert.Equal(t, "Zed", list[1].Name)

	hits, err := s.Search(ctx, domain.SearchQuery{CollectionID: "c1", Text: "sable"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Port Sable", hits[0].Name, "name matches rank first")

	hits, err = s.Search(ctx, domain.SearchQuery{CollectionID: "c1", Text: "sable", Types: []string{"character"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "aria", hits[0].Name)

	hits, err = s.Search(ctx, domain.SearchQuery{CollectionID: "c1", Text: "100%"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	cols, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, cols)
}

func TestSQLiteStore_SearchMatchesFieldValuesOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "item", Name: "Lantern", Fields: map[string]any{"summary": "Salt & tar"}})
	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "item", Name: "Compass", Fields: map[string]any{"summary": "Points at <the drowned bell>"}})
	mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "item", Name: "Chart", Fields: map[string]any{"tags": []any{"reef", "smugglers"}}})

	tests := []struct {
		text string
		want []string
	}{
		{"summary", nil},
		{"tags", nil},
		{"Salt & tar", []string{"Lantern"}},
		{"<the drowned", []string{"Compass"}},
		{"smuggler", []string{"Chart"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			hits, err := s.Search(ctx, domain.SearchQuery{CollectionID: "c1", Text: tt.text})
			require.NoError(t, err)
			var names []string
			for _, h := range hits {
				names = append(names, h.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "item", Name: "Lantern", Fields: map[string]any{"color": "red", "weight": 2.0}})

	got, err := s.Update(ctx, "item", e.ID, map[string]any{"name": "Storm Lantern", "color": nil, "lit": true})
	require.NoError(t, err)
	assert.Equal(t, "Storm Lantern", got.Name)
	assert.Equal(t, map[string]any{"weight": 2.0, "lit": true}, got.Fields)

	reread, err := s.Get(ctx, "item", e.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Fields, reread.Fields)

	_, err = s.Update(ctx, "item", e.ID, map[string]any{"name": ""})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = s.Update(ctx, "item", "missing", map[string]any{"lit": false})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_Relationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "character", Name: "Aria"})
	b := mustCreate(t, s, domain.NewEntity{CollectionID: "c1", Type: "faction", Name: "Tide Guild"})

	r, err := s.CreateRelationship(ctx, domain.Relationship{
		SourceType: "character", SourceID: a.ID,
		TargetType: "faction", TargetID: b.ID,
		Label: "member_of", Bidirectional: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	for _, side := range []struct{ typ, id string }{{"character", a.ID}, {"faction", b.ID}} {
		rels, err := s.Relationships(ctx, side.typ, side.id)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, "member_of", rels[0].Label)
		assert.True(t, rels[0].Bidirectional)
	}

	_, err = s.CreateRelationship(ctx, domain.Relationship{SourceType: "character", SourceID: a.ID, TargetType: "faction", TargetID: "nope", Label: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.CreateRelationship(ctx, domain.Relationship{SourceType: "character", SourceID: a.ID, TargetType: "faction", TargetID: b.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
