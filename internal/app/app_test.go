package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/config"
	"example.com/pressync/internal/content"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/upstream"
)

func newUpstream(t *testing.T, posts int) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "upstream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := upstream.NewStore(db)
	require.NoError(t, s.Init(ctx))
	srv := httptest.NewServer(upstream.NewServer(s, nil).Router())
	t.Cleanup(srv.Close)
	for i := 0; i < posts; i++ {
		_, err := s.CreateRandomPost(ctx, "posts", srv.URL)
		require.NoError(t, err)
	}
	return srv
}

func testConfig(t *testing.T, siteURL string) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Remote.SiteURL = siteURL
	cfg.Remote.PageSize = 3
	cfg.Database.Path = filepath.Join(dir, "pressync.db")
	cfg.Media.Dir = filepath.Join(dir, "uploads")
	cfg.Logging.ErrorLog = filepath.Join(dir, "errors.log")
	cfg.Features.DownloadImages = true
	return cfg
}

func TestAppSyncsEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := newUpstream(t, 7)

	a, err := New(ctx, testConfig(t, srv.URL))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Orchestrator.HandleSyncTrigger(ctx))
	ran, err := a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2+7, ran)

	n, err := a.Store.CountRecords(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	refs, err := a.Store.FindRecordsByMetaKey(ctx, content.MetaOriginalID)
	require.NoError(t, err)
	require.Len(t, refs, 7)
	rec, err := a.Store.GetRecord(ctx, refs[0].RecordID)
	require.NoError(t, err)
	assert.NotZero(t, rec.FeaturedMediaID)
	assert.Contains(t, rec.Content, `src="/uploads/`)

	stats, ok, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, stats.Failed)
}

func TestAppServesAdminAPI(t *testing.T) {
	ctx := context.Background()
	srv := newUpstream(t, 0)
	a, err := New(ctx, testConfig(t, srv.URL))
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/errors", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled": true`)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "not a url")
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, content.ErrConfig)

	cfg = testConfig(t, "https://example.com")
	cfg.Queue.Backend = "redis"
	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, content.ErrConfig)
}
