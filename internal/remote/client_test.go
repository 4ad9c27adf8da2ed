package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/upstream"
)

func newUpstream(t *testing.T) (*upstream.Store, *httptest.Server) {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "upstream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := upstream.NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	srv := httptest.NewServer(upstream.NewServer(store, nil).Router())
	t.Cleanup(srv.Close)
	return store, srv
}

func TestFetchPageParsesEmbeddedRelations(t *testing.T) {
	ctx := context.Background()
	store, srv := newUpstream(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, title := range []string{"Oldest", "Middle", "Newest"} {
		_, err := store.CreatePost(ctx, upstream.Post{
			Collection: "posts",
			Title:      title,
			Content:    "<p>" + title + "</p>",
			AuthorSlug: "editor",
			ImageURL:   "https://cdn.example.com/" + title + ".jpg",
			ImageAlt:   "alt " + title,
			Terms: []upstream.Term{
				{Taxonomy: "category", Name: "News", Slug: "news"},
				{Taxonomy: "genre", Name: "Jazz", Slug: "jazz"},
			},
			Meta:       map[string]any{"reading_time": 3},
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
			ModifiedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	client := NewClient(srv.URL+"/", time.Second)
	page, err := client.FetchPage(ctx, "posts", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Records, 2)

	rec := page.Records[0]
	assert.Equal(t, "Newest", rec.Title)
	assert.Equal(t, "post", rec.Type)
	assert.Equal(t, "publish", rec.Status)
	assert.Equal(t, "editor", rec.AuthorSlug)
	assert.Equal(t, base.Add(2*time.Hour), rec.ModifiedAt)
	require.NotNil(t, rec.FeaturedImage)
	assert.Equal(t, "https://cdn.example.com/Newest.jpg", rec.FeaturedImage.URL)
	assert.Equal(t, "alt Newest", rec.FeaturedImage.AltText)
	assert.Equal(t, []content.Term{
		{Taxonomy: "category", Name: "News", Slug: "news"},
		{Taxonomy: "genre", Name: "Jazz", Slug: "jazz"},
	}, rec.Terms)
	assert.EqualValues(t, 3, rec.Meta["reading_time"])
	assert.Contains(t, rec.Link, "/?p=")

	page, err = client.FetchPage(ctx, "posts", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "Oldest", page.Records[0].Title)

	_, err = client.FetchPage(ctx, "posts", 3, 2)
	assert.ErrorIs(t, err, content.ErrFetchFailed)
}

func TestFetchSingle(t *testing.T) {
	ctx := context.Background()
	store, srv := newUpstream(t)
	created, err := store.CreatePost(ctx, upstream.Post{Collection: "posts", Title: "Only"})
	require.NoError(t, err)

	client := NewClient(srv.URL, time.Second)
	rec, err := client.FetchSingle(ctx, "posts", created.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Only", rec.Title)
	assert.Nil(t, rec.FeaturedImage)
	assert.Empty(t, rec.Terms)
	assert.Empty(t, rec.Meta)

	rec, err = client.FetchSingle(ctx, "posts", created.ID+100)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFetchFailures(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.FetchPage(ctx, "posts", 1, 10)
	assert.ErrorIs(t, err, content.ErrFetchFailed)

	_, err = client.FetchSingle(ctx, "posts", 1)
	assert.ErrorIs(t, err, content.ErrFetchFailed)

	unreachable := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err = unreachable.FetchPage(ctx, "posts", 1, 10)
	assert.ErrorIs(t, err, content.ErrFetchFailed)
}

func TestTotalPagesDefaultsToOne(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, totalPages(http.Header{}))
	h := http.Header{}
	h.Set(TotalPagesHeader, "5")
	assert.Equal(t, 5, totalPages(h))
	h.Set(TotalPagesHeader, "zero")
	assert.Equal(t, 1, totalPages(h))
}
