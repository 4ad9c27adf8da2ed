package content

import (
	"html"
	"strings"
	"time"
)

// Meta keys written on every synced local record.
const (
	MetaOriginalID         = "original_id"
	MetaOriginalURL        = "original_url"
	MetaOriginalModifiedAt = "original_modified_at"
	MetaLastSyncedAt       = "last_synced_at_utc"
)

// Built-in local taxonomies the remote category/tag taxonomies map onto.
const (
	TaxonomyCategory = "category"
	TaxonomyTag      = "post_tag"
)

// Term is one taxonomy term attached to a remote record.
type Term struct {
	Taxonomy string `json:"taxonomy"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
}

// FeaturedImage points at the remote featured media of a record.
type FeaturedImage struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text,omitempty"`
}

// RemoteRecord is the normalized shape of one upstream content entry.
// It is never persisted as-is; it only lives in the staging slot between tasks.
type RemoteRecord struct {
	RemoteID      int64          `json:"remote_id"`
	Title         string         `json:"title"`
	Excerpt       string         `json:"excerpt"`
	ContentHTML   string         `json:"content_html"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ModifiedAt    time.Time      `json:"modified_at"`
	Link          string         `json:"link"`
	Type          string         `json:"type"`
	AuthorSlug    string         `json:"author_slug,omitempty"`
	FeaturedImage *FeaturedImage `json:"featured_image,omitempty"`
	Terms         []Term         `json:"terms"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// TypeMapping ties a remote collection to the local type it lands in.
// ContentField and FeaturedImageField name remote meta keys holding the body
// or featured image URL when the remote type keeps them outside the standard fields.
type TypeMapping struct {
	Remote             string `yaml:"remote" json:"remote"`
	LocalSingle        string `yaml:"localSingle" json:"local_single"`
	LocalPlural        string `yaml:"localPlural" json:"local_plural"`
	ContentField       string `yaml:"contentField" json:"content_field,omitempty"`
	FeaturedImageField string `yaml:"featuredImageField" json:"featured_image_field,omitempty"`
}

// Record is the payload written to the local store on create or update.
type Record struct {
	Type        string
	Title       string
	Excerpt     string
	Content     string
	Status      string
	AuthorID    int64
	CategoryIDs []int64
	TagIDs      []int64
	TaxInput    map[string][]int64
	Meta        map[string]string
}

// LocalRecord is a record as read back from the local store.
type LocalRecord struct {
	ID              int64             `json:"id"`
	Type            string            `json:"type"`
	Title           string            `json:"title"`
	Excerpt         string            `json:"excerpt"`
	Content         string            `json:"content"`
	Status          string            `json:"status"`
	AuthorID        int64             `json:"author_id"`
	FeaturedMediaID int64             `json:"featured_media_id,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SyncedRecord is the listing row for records carrying an original identity.
type SyncedRecord struct {
	ID                 int64  `json:"id"`
	Title              string `json:"title"`
	Type               string `json:"type"`
	OriginalID         string `json:"original_id"`
	OriginalURL        string `json:"original_url,omitempty"`
	OriginalModifiedAt string `json:"original_modified_at,omitempty"`
	LastSyncedAt       string `json:"last_synced_at,omitempty"`
}

// MediaAsset is one entry of the local media library.
type MediaAsset struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	URL         string    `json:"url"`
	SourceURL   string    `json:"source_url"`
	AltText     string    `json:"alt_text,omitempty"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "′", "'",
	"“", `"`, "”", `"`, "„", `"`, "″", `"`,
	"«", `"`, "»", `"`,
)

// NormalizeTitle decodes HTML entities and folds typographic quotes so that
// "Rock &#8217;n&#8217; Roll" and "Rock 'n' Roll" compare equal.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(quoteReplacer.Replace(html.UnescapeString(title)))
}
