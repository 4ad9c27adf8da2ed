package media

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/store"
)

type fixture struct {
	store     *store.Store
	localizer *Localizer
	dir       string
	hits      *atomic.Int32
	server    *httptest.Server
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func newFixture(t *testing.T, prune bool) fixture {
	t.Helper()
	img := pngBytes(t)
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasSuffix(r.URL.Path, ".png"):
			w.Write(img)
		case strings.HasSuffix(r.URL.Path, ".txt"):
			w.Write([]byte("plain text, not an image"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))

	dir := t.TempDir()
	l, err := NewLocalizer(s, FSLibrary{Dir: dir, BaseURL: "/uploads"}, Options{SiteURL: srv.URL, PruneDuplicates: prune}, nil)
	require.NoError(t, err)
	return fixture{store: s, localizer: l, dir: dir, hits: hits, server: srv}
}

func TestExtractCandidates(t *testing.T) {
	l, err := NewLocalizer(nil, nil, Options{SiteURL: "https://www.Example.com"}, nil)
	require.NoError(t, err)

	got, err := l.ExtractCandidates(`
		<p><img src="/wp-content/uploads/a.jpg"></p>
		<img src="https://cdn.example.com/b.jpg">
		<img src="https://www.example.com/c.jpg">
		<img src="https://other.org/d.jpg">
		<img src="data:image/png;base64,AAAA">
		<img src="/wp-content/uploads/a.jpg">`)
	require.NoError(t, err)

	values := make([]string, 0, len(got))
	for key, v := range got {
		assert.Len(t, key, 16)
		values = append(values, v)
	}
	assert.ElementsMatch(t, []string{
		"/wp-content/uploads/a.jpg",
		"https://cdn.example.com/b.jpg",
		"https://www.example.com/c.jpg",
	}, values)
}

func TestExtractCandidatesRerollsKeyCollisions(t *testing.T) {
	l, err := NewLocalizer(nil, nil, Options{SiteURL: "https://example.com"}, nil)
	require.NoError(t, err)
	keys := []string{"aaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}
	l.newKey = func() string {
		k := keys[0]
		keys = keys[1:]
		return k
	}

	got, err := l.ExtractCandidates(`<img src="/1.jpg"><img src="/2.jpg">`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"aaaaaaaaaaaaaaaa": "/1.jpg", "bbbbbbbbbbbbbbbb": "/2.jpg"}, got)
}

func TestLocalizeOneReusesExistingAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	src := f.server.URL + "/wp-content/uploads/photo.png"

	first, err := f.localizer.LocalizeOne(ctx, src, 1, "alt")
	require.NoError(t, err)
	assert.Equal(t, "image/png", first.ContentType)
	assert.True(t, strings.HasPrefix(first.URL, "/uploads/"))
	_, err = os.Stat(filepath.Join(f.dir, filepath.Base(first.URL)))
	require.NoError(t, err)

	second, err := f.localizer.LocalizeOne(ctx, src, 2, "alt")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), f.hits.Load(), "second localize must not download again")
}

func TestLocalizeOnePrunesDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	src := f.server.URL + "/dup.png"

	oldest, err := f.store.CreateMedia(ctx, content.MediaAsset{URL: "/uploads/one.png", SourceURL: src})
	require.NoError(t, err)
	_, err = f.store.CreateMedia(ctx, content.MediaAsset{URL: "/uploads/two.png", SourceURL: src})
	require.NoError(t, err)

	asset, err := f.localizer.LocalizeOne(ctx, src, 1, "")
	require.NoError(t, err)
	assert.Equal(t, oldest, asset.ID)

	remaining, err := f.store.FindMediaBySourceURL(ctx, src)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Zero(t, f.hits.Load())
}

func TestLocalizeOneRejectsNonImages(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.localizer.LocalizeOne(context.Background(), f.server.URL+"/notes.txt", 1, "")
	assert.ErrorIs(t, err, content.ErrMediaDownload)

	_, err = f.localizer.LocalizeOne(context.Background(), f.server.URL+"/missing.gif", 1, "")
	assert.ErrorIs(t, err, content.ErrMediaDownload)
}

func TestLocalizeContentKeepsFailedReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	body := `<p><img src="/wp-content/uploads/ok.png"><img src="/wp-content/uploads/broken.gif"></p>`

	rewritten, changed := f.localizer.LocalizeContent(ctx, body, 9)
	require.True(t, changed)
	assert.NotContains(t, rewritten, "/wp-content/uploads/ok.png")
	assert.Contains(t, rewritten, "/wp-content/uploads/broken.gif")
	assert.Contains(t, rewritten, `src="/uploads/`)
}

func TestRewriteOnlySubstitutesReplacedKeys(t *testing.T) {
	t.Parallel()
	body := `<img src="https://example.com/a.jpg?x=1&amp;y=2"><img src="https://example.com/b.jpg">`
	originals := map[string]string{
		"k1": "https://example.com/a.jpg?x=1&y=2",
		"k2": "https://example.com/b.jpg",
	}
	got := Rewrite(body, originals, map[string]string{"k1": "/uploads/a.jpg"})
	assert.Equal(t, `<img src="/uploads/a.jpg"/><img src="https://example.com/b.jpg"/>`, got)
}

func TestRewriteLeavesOverlappingURLsIntact(t *testing.T) {
	t.Parallel()
	body := `<p><img src="/a.png"><img src="/img/a.png"><a href="/a.png">full size</a></p>`
	originals := map[string]string{"k1": "/a.png", "k2": "/img/a.png"}

	got := Rewrite(body, originals, map[string]string{"k1": "https://local/x1.png"})
	assert.Equal(t, `<p><img src="https://local/x1.png"/><img src="/img/a.png"/><a href="/a.png">full size</a></p>`, got)

	got = Rewrite(body, originals, map[string]string{"k1": "https://local/x1.png", "k2": "https://local/x2.png"})
	assert.Equal(t, `<p><img src="https://local/x1.png"/><img src="https://local/x2.png"/><a href="/a.png">full size</a></p>`, got)
}

func TestRewriteWithoutMatchesKeepsBody(t *testing.T) {
	t.Parallel()
	body := `<p>text<br>more</p>`
	assert.Equal(t, body, Rewrite(body, map[string]string{"k1": "/a.png"}, map[string]string{"k1": "/uploads/a.png"}))
	assert.Equal(t, body, Rewrite(body, map[string]string{"k1": "/a.png"}, nil))
}

func TestLocalizeContentWithOverlappingRelativeURLs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	body := `<img src="/a.png"><img src="/img/a.png">`

	rewritten, changed := f.localizer.LocalizeContent(ctx, body, 3)
	require.True(t, changed)
	assert.NotContains(t, rewritten, `src="/a.png"`)
	assert.NotContains(t, rewritten, `src="/img/a.png"`)
	assert.NotContains(t, rewritten, "/img/uploads")
	assert.Equal(t, 2, strings.Count(rewritten, `src="/uploads/`))
}
