package terms

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "terms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

var eventMapping = content.TypeMapping{Remote: "events", LocalSingle: "event", LocalPlural: "events"}

func TestReconcileSplitsBuiltinAndCustomTaxonomies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := NewReconciler(s, nil)

	got, err := r.Reconcile(ctx, []content.Term{
		{Taxonomy: "category", Name: "News", Slug: "news"},
		{Taxonomy: "post_tag", Name: "local", Slug: "local"},
		{Taxonomy: "event-venue", Name: "Main Hall", Slug: "main-hall"},
		{Taxonomy: "event-venue", Name: "Garden", Slug: "garden"},
		{Taxonomy: "category", Name: "", Slug: "skipped"},
	}, eventMapping)
	require.NoError(t, err)

	assert.Len(t, got.CategoryIDs, 1)
	assert.Len(t, got.TagIDs, 1)
	assert.Len(t, got.Custom["event-venue"], 2)

	tax, found, err := s.GetTaxonomy(ctx, "event-venue")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Event Venue", tax.Label)
	assert.Equal(t, []string{"event"}, tax.ObjectTypes)
	assert.True(t, tax.Hierarchical)
	assert.True(t, tax.HasArchive)

	var registry []RegistryEntry
	ok, err := s.GetOption(ctx, RegistryOption, &registry)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []RegistryEntry{{Name: "event-venue", PostTypeSingle: "event", PostTypePlural: "events"}}, registry)

	again, err := r.Reconcile(ctx, []content.Term{{Taxonomy: "category", Name: "News", Slug: "news"}}, eventMapping)
	require.NoError(t, err)
	assert.Equal(t, got.CategoryIDs, again.CategoryIDs)
}

func TestBootstrapReplaysRegistry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SetOption(ctx, RegistryOption, []RegistryEntry{
		{Name: "genre", PostTypeSingle: "post", PostTypePlural: "posts"},
	}))

	n, err := NewReconciler(s, nil).Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := s.GetTaxonomy(ctx, "genre")
	require.NoError(t, err)
	assert.True(t, found)
}

type failingStore struct {
	*store.Store
}

func (failingStore) FindOrCreateTerm(context.Context, string, string, string) (int64, error) {
	return 0, errors.New("disk full")
}

func TestTermCreateFailureIsTyped(t *testing.T) {
	r := NewReconciler(failingStore{newStore(t)}, nil)
	_, err := r.Reconcile(context.Background(), []content.Term{{Taxonomy: "category", Name: "News"}}, eventMapping)
	require.Error(t, err)
	assert.ErrorIs(t, err, content.ErrTermCreate)
}

func TestPrettyName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Event Venue", PrettyName("event-venue"))
	assert.Equal(t, "Genre", PrettyName("genre"))
}
