package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/sqliteutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestCreateAndUpdateRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	catID, err := s.FindOrCreateTerm(ctx, content.TaxonomyCategory, "News", "news")
	require.NoError(t, err)

	id, err := s.CreateRecord(ctx, content.Record{
		Type:        "post",
		Title:       "Hello",
		Content:     "<p>body</p>",
		Status:      "publish",
		AuthorID:    1,
		CategoryIDs: []int64{catID},
		Meta:        map[string]string{content.MetaOriginalID: "example_42"},
	})
	require.NoError(t, err)

	found, ok, err := s.FindRecordByMeta(ctx, content.MetaOriginalID, "example_42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, found)

	require.NoError(t, s.UpdateRecord(ctx, id, content.Record{
		Type:        "post",
		Title:       "Hello Updated",
		Status:      "publish",
		CategoryIDs: []int64{},
		Meta:        map[string]string{content.MetaLastSyncedAt: "2024-01-02T00:00:00Z"},
	}))

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello Updated", rec.Title)
	assert.Equal(t, "example_42", rec.Meta[content.MetaOriginalID])
	assert.Equal(t, "2024-01-02T00:00:00Z", rec.Meta[content.MetaLastSyncedAt])

	cats, err := s.RecordTermIDs(ctx, id, content.TaxonomyCategory)
	require.NoError(t, err)
	assert.Empty(t, cats)

	n, err := s.CountRecords(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOriginalIDIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := content.Record{Type: "post", Title: "A", Meta: map[string]string{content.MetaOriginalID: "example_7"}}
	_, err := s.CreateRecord(ctx, rec)
	require.NoError(t, err)

	_, err = s.CreateRecord(ctx, rec)
	require.ErrorIs(t, err, ErrConflict)

	n, err := s.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rolled back create must not leave a record behind")

	// Other meta keys may repeat.
	_, err = s.CreateRecord(ctx, content.Record{Type: "post", Title: "B", Meta: map[string]string{"source": "x"}})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, content.Record{Type: "post", Title: "C", Meta: map[string]string{"source": "x"}})
	require.NoError(t, err)
}

func TestFindRecordByTitleNormalizes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateRecord(ctx, content.Record{Type: "post", Title: "Rock &#8217;n&#8217; Roll"})
	require.NoError(t, err)

	_, ok, err := s.FindRecordByTitle(ctx, "post", "Rock 'n' Roll")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.FindRecordByTitle(ctx, "page", "Rock 'n' Roll")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSyncedAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	synced, err := s.CreateRecord(ctx, content.Record{Type: "post", Title: "Synced", Meta: map[string]string{
		content.MetaOriginalID:  "example_1",
		content.MetaOriginalURL: "https://example.com/synced",
	}})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, content.Record{Type: "post", Title: "Local only"})
	require.NoError(t, err)

	list, err := s.ListSynced(ctx, SyncedFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, synced, list[0].ID)
	assert.Equal(t, "example_1", list[0].OriginalID)
	assert.Equal(t, "https://example.com/synced", list[0].OriginalURL)
	assert.Empty(t, list[0].LastSyncedAt)

	refs, err := s.FindRecordsByMetaKey(ctx, content.MetaOriginalID)
	require.NoError(t, err)
	assert.Equal(t, []MetaRef{{RecordID: synced, Value: "example_1"}}, refs)

	require.NoError(t, s.DeleteRecord(ctx, synced))
	_, ok, err := s.FindRecordByMeta(ctx, content.MetaOriginalID, "example_1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.DeleteRecord(ctx, synced)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestTermsAndTaxonomies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.FindOrCreateTerm(ctx, "genre", "Jazz", "jazz")
	require.NoError(t, err)
	again, err := s.FindOrCreateTerm(ctx, "genre", "Jazz", "jazz-2")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, found, err := s.GetTaxonomy(ctx, "genre")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.RegisterTaxonomy(ctx, Taxonomy{Name: "genre", ObjectTypes: []string{"post"}, Hierarchical: true, ShowUI: true, HasArchive: true}))
	require.NoError(t, s.RegisterTaxonomy(ctx, Taxonomy{Name: "genre", ObjectTypes: []string{"event"}}))

	tax, found, err := s.GetTaxonomy(ctx, "genre")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"post", "event"}, tax.ObjectTypes)
	assert.True(t, tax.Hierarchical)

	all, err := s.ListTaxonomies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Builtin)
}

func TestMediaLookupOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := "https://example.com/wp-content/a.jpg"
	firstID, err := s.CreateMedia(ctx, content.MediaAsset{URL: "/uploads/1.jpg", SourceURL: src})
	require.NoError(t, err)
	secondID, err := s.CreateMedia(ctx, content.MediaAsset{URL: "/uploads/2.jpg", SourceURL: src})
	require.NoError(t, err)

	assets, err := s.FindMediaBySourceURL(ctx, src)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, firstID, assets[0].ID)
	assert.Equal(t, secondID, assets[1].ID)

	recID, err := s.CreateRecord(ctx, content.Record{Type: "post", Title: "With image"})
	require.NoError(t, err)
	require.NoError(t, s.SetFeaturedMedia(ctx, recID, secondID))
	require.NoError(t, s.DeleteMedia(ctx, secondID))

	rec, err := s.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Zero(t, rec.FeaturedMediaID)
}

func TestOptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var got []string
	ok, err := s.GetOption(ctx, "registry", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetOption(ctx, "registry", []string{"genre"}))
	require.NoError(t, s.SetOption(ctx, "registry", []string{"genre", "venue"}))
	ok, err = s.GetOption(ctx, "registry", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"genre", "venue"}, got)
}

func TestStagingTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	staging := s.Staging()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	staging.now = func() time.Time { return now }

	require.NoError(t, staging.Put(ctx, "k", []byte("v1"), time.Hour))
	require.NoError(t, staging.Put(ctx, "k", []byte("v2"), time.Hour))
	value, ok, err := staging.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	now = now.Add(2 * time.Hour)
	_, ok, err = staging.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	purged, err := staging.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	require.NoError(t, staging.Delete(ctx, "k"))
}
