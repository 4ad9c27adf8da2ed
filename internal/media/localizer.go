// Package media copies remote images into the local media library and
// rewrites record bodies to point at the local copies.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"example.com/pressync/internal/content"
)

const (
	keyLength       = 16
	defaultMaxBytes = 20 << 20
)

// Store is the media part of the local content store.
type Store interface {
	FindMediaBySourceURL(ctx context.Context, sourceURL string) ([]content.MediaAsset, error)
	CreateMedia(ctx context.Context, asset content.MediaAsset) (int64, error)
	DeleteMedia(ctx context.Context, id int64) error
}

// Library stores media bytes and serves them under a URL.
type Library interface {
	Save(ctx context.Context, name, contentType string, data []byte) (string, error)
	Remove(ctx context.Context, publicURL string) error
}

// Options tune a Localizer.
type Options struct {
	// SiteURL is the remote site; relative references resolve against it.
	SiteURL string
	// PruneDuplicates deletes all but the oldest asset sharing a source URL.
	PruneDuplicates bool
	Timeout         time.Duration
	MaxBytes        int64
}

// Localizer downloads remote images at most once per source URL.
type Localizer struct {
	store      Store
	library    Library
	httpClient *http.Client
	site       *url.URL
	siteHost   string
	opts       Options
	logger     *slog.Logger
	newKey     func() string
}

// NewLocalizer validates opts.SiteURL and builds a localizer.
func NewLocalizer(store Store, library Library, opts Options, logger *slog.Logger) (*Localizer, error) {
	site, err := url.Parse(opts.SiteURL)
	if err != nil || site.Hostname() == "" {
		return nil, fmt.Errorf("media site url %q: %w", opts.SiteURL, content.ErrConfig)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Localizer{
		store:      store,
		library:    library,
		httpClient: &http.Client{Timeout: opts.Timeout},
		site:       site,
		siteHost:   stripWWW(strings.ToLower(site.Hostname())),
		opts:       opts,
		logger:     logger.With("component", "media"),
		newKey:     randomKey,
	}, nil
}

// ExtractCandidates returns the <img src> values of body that are relative
// or hosted on the remote site, keyed by a random 16-character key.
func (l *Localizer) ExtractCandidates(body string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse body html: %w", err)
	}
	out := map[string]string{}
	seen := map[string]bool{}
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" || seen[src] || !l.isLocalizable(src) {
			return
		}
		seen[src] = true
		key := l.newKey()
		for _, taken := out[key]; taken; _, taken = out[key] {
			key = l.newKey()
		}
		out[key] = src
	})
	return out, nil
}

func (l *Localizer) isLocalizable(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	if u.Scheme == "data" {
		return false
	}
	if u.Host == "" {
		return true
	}
	return strings.Contains(stripWWW(strings.ToLower(u.Hostname())), l.siteHost)
}

// LocalizeOne returns a local asset for remoteURL, reusing the oldest asset
// already downloaded from it. Only when none exists is the URL fetched.
func (l *Localizer) LocalizeOne(ctx context.Context, remoteURL string, ownerID int64, altText string) (content.MediaAsset, error) {
	existing, err := l.store.FindMediaBySourceURL(ctx, remoteURL)
	if err != nil {
		return content.MediaAsset{}, err
	}
	if len(existing) > 0 {
		if l.opts.PruneDuplicates && len(existing) > 1 {
			l.prune(ctx, existing[1:])
		}
		return existing[0], nil
	}

	data, mt, err := l.download(ctx, remoteURL)
	if err != nil {
		return content.MediaAsset{}, err
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "") + mt.Extension()
	publicURL, err := l.library.Save(ctx, name, mt.String(), data)
	if err != nil {
		return content.MediaAsset{}, fmt.Errorf("save %s: %v: %w", remoteURL, err, content.ErrMediaDownload)
	}
	asset := content.MediaAsset{
		OwnerID:     ownerID,
		URL:         publicURL,
		SourceURL:   remoteURL,
		AltText:     altText,
		ContentType: mt.String(),
		CreatedAt:   time.Now().UTC(),
	}
	if asset.ID, err = l.store.CreateMedia(ctx, asset); err != nil {
		return content.MediaAsset{}, err
	}
	l.logger.Info("media localized", "source_url", remoteURL, "media_id", asset.ID, "owner_id", ownerID)
	return asset, nil
}

// LocalizeContent localizes every candidate image of body and returns the
// rewritten body. Failed downloads are logged and keep their original URL.
func (l *Localizer) LocalizeContent(ctx context.Context, body string, ownerID int64) (string, bool) {
	originals, err := l.ExtractCandidates(body)
	if err != nil {
		l.logger.Error("extract images failed", "owner_id", ownerID, "error", err)
		return body, false
	}
	replacements := map[string]string{}
	for key, src := range originals {
		asset, err := l.LocalizeOne(ctx, src, ownerID, "")
		if err != nil {
			l.logger.Error("localize image failed", "owner_id", ownerID, "source_url", src, "kind", content.Kind(err), "error", err)
			continue
		}
		replacements[key] = asset.URL
	}
	if len(replacements) == 0 {
		return body, false
	}
	return Rewrite(body, originals, replacements), true
}

// Rewrite points every <img src> whose value equals an original with a
// replacement at that replacement. Other markup and non-matching images
// keep their values; body is returned unchanged when nothing matched.
func Rewrite(body string, originals, replacements map[string]string) string {
	bySource := make(map[string]string, len(replacements))
	for key, original := range originals {
		if replacement, ok := replacements[key]; ok && replacement != "" {
			bySource[original] = replacement
		}
	}
	if len(bySource) == 0 {
		return body
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	changed := false
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		if replacement, ok := bySource[strings.TrimSpace(sel.AttrOr("src", ""))]; ok {
			sel.SetAttr("src", replacement)
			changed = true
		}
	})
	if !changed {
		return body
	}
	out, err := doc.Find("body").Html()
	if err != nil {
		return body
	}
	return out
}

func (l *Localizer) download(ctx context.Context, remoteURL string) ([]byte, *mimetype.MIME, error) {
	ref, err := url.Parse(remoteURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %v: %w", remoteURL, err, content.ErrMediaDownload)
	}
	target := l.site.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request %s: %v: %w", target, err, content.ErrMediaDownload)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("GET %s: %v: %w", target, err, content.ErrMediaDownload)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET %s: %s: %w", target, resp.Status, content.ErrMediaDownload)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.opts.MaxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %v: %w", target, err, content.ErrMediaDownload)
	}
	if int64(len(data)) > l.opts.MaxBytes {
		return nil, nil, fmt.Errorf("%s exceeds %d bytes: %w", target, l.opts.MaxBytes, content.ErrMediaDownload)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, nil, fmt.Errorf("%s is %s, not an image: %w", target, mt.String(), content.ErrMediaDownload)
	}
	return data, mt, nil
}

func (l *Localizer) prune(ctx context.Context, duplicates []content.MediaAsset) {
	for _, dup := range duplicates {
		if err := l.library.Remove(ctx, dup.URL); err != nil {
			l.logger.Warn("remove duplicate media file failed", "media_id", dup.ID, "url", dup.URL, "error", err)
		}
		if err := l.store.DeleteMedia(ctx, dup.ID); err != nil {
			l.logger.Error("delete duplicate media failed", "media_id", dup.ID, "error", err)
			continue
		}
		l.logger.Info("duplicate media pruned", "media_id", dup.ID, "source_url", dup.SourceURL)
	}
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:keyLength]
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
