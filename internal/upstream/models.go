package upstream

import "time"

// Post is one entry of a mock remote collection.
type Post struct {
	ID         int64          `json:"id"`
	Collection string         `json:"collection"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Excerpt    string         `json:"excerpt"`
	Content    string         `json:"content"`
	Status     string         `json:"status"`
	AuthorSlug string         `json:"author_slug,omitempty"`
	ImageURL   string         `json:"image_url,omitempty"`
	ImageAlt   string         `json:"image_alt,omitempty"`
	Terms      []Term         `json:"terms,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Term is attached to a post under a taxonomy.
type Term struct {
	ID       int64  `json:"id"`
	Taxonomy string `json:"taxonomy"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
}

// PostPage wraps one page of a collection listing.
type PostPage struct {
	Posts      []Post
	Page       int
	PageSize   int
	Total      int
	TotalPages int
}
