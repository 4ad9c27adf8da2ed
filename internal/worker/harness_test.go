package worker

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/config"
	"example.com/pressync/internal/media"
	"example.com/pressync/internal/queue"
	"example.com/pressync/internal/remote"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/staging"
	"example.com/pressync/internal/store"
	"example.com/pressync/internal/terms"
	"example.com/pressync/internal/upstream"
)

const testSiteURL = "https://news.example.com"

type harness struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.SQLQueue
	runner   *queue.Runner
	stager   *staging.Stager
	upserter *Upserter
	orch     *Orchestrator
	upstream *upstream.Store
	srv      *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()

	upDB, err := sqliteutil.Open(filepath.Join(t.TempDir(), "upstream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { upDB.Close() })
	up := upstream.NewStore(upDB)
	require.NoError(t, up.Init(ctx))
	srv := httptest.NewServer(upstream.NewServer(up, nil).Router())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Remote.SiteURL = testSiteURL
	cfg.Remote.PageSize = 2
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "pressync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(ctx))
	q := queue.NewSQLQueue(db, queue.SQLOptions{MaxAttempts: 2})
	require.NoError(t, q.Init(ctx))

	localizer, err := media.NewLocalizer(s, media.FSLibrary{Dir: t.TempDir(), BaseURL: "/uploads"}, media.Options{
		SiteURL:         srv.URL,
		PruneDuplicates: cfg.Features.DeleteDuplicateImages,
	}, nil)
	require.NoError(t, err)

	upserter := NewUpserter(s, terms.NewReconciler(s, nil), localizer, UpsertOptions{
		SiteURL:          cfg.Remote.SiteURL,
		DefaultAuthorID:  cfg.Sync.DefaultAuthorID,
		SkipOnTitleMatch: cfg.Features.SkipOnTitleMatch,
		DownloadImages:   cfg.Features.DownloadImages,
	}, nil)
	stager := staging.NewStager(s.Staging(), time.Hour)
	orch := NewOrchestrator(cfg, q, remote.NewClient(srv.URL, 5*time.Second), stager, upserter, s, nil)

	reg := queue.NewRegistry()
	orch.RegisterHandlers(reg)

	return &harness{
		cfg:      cfg,
		store:    s,
		queue:    q,
		runner:   queue.NewRunner(q, reg, queue.RunnerOptions{}, nil),
		stager:   stager,
		upserter: upserter,
		orch:     orch,
		upstream: up,
		srv:      srv,
	}
}

// seed creates n remote posts, newest last.
func (h *harness) seed(t *testing.T, n int) []upstream.Post {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	posts := make([]upstream.Post, 0, n)
	for i := 0; i < n; i++ {
		p, err := h.upstream.CreatePost(context.Background(), upstream.Post{
			Collection: "posts",
			Title:      fmt.Sprintf("Post %d", i+1),
			Content:    fmt.Sprintf("<p>Body %d</p>", i+1),
			Terms:      []upstream.Term{{Taxonomy: "category", Name: "News", Slug: "news"}},
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		posts = append(posts, p)
	}
	return posts
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.runner.Drain(context.Background())
	require.NoError(t, err)
	return n
}
