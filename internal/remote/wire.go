package remote

import (
	"encoding/json"
	"time"

	"example.com/pressync/internal/content"
)

// gmtLayout is the timezone-less format of date_gmt/modified_gmt.
const gmtLayout = "2006-01-02T15:04:05"

type rendered struct {
	Rendered string `json:"rendered"`
}

type wireTerm struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Taxonomy string `json:"taxonomy"`
}

type wireMedia struct {
	SourceURL string `json:"source_url"`
	AltText   string `json:"alt_text"`
}

type wireAuthor struct {
	Slug string `json:"slug"`
}

type wireEmbedded struct {
	Terms         [][]wireTerm `json:"wp:term"`
	FeaturedMedia []wireMedia  `json:"wp:featuredmedia"`
	Author        []wireAuthor `json:"author"`
}

// wirePost mirrors the subset of a REST post object the sync reads.
type wirePost struct {
	ID          int64           `json:"id"`
	Title       rendered        `json:"title"`
	Excerpt     rendered        `json:"excerpt"`
	Content     rendered        `json:"content"`
	Status      string          `json:"status"`
	Type        string          `json:"type"`
	Link        string          `json:"link"`
	Date        string          `json:"date"`
	DateGMT     string          `json:"date_gmt"`
	ModifiedGMT string          `json:"modified_gmt"`
	Meta        json.RawMessage `json:"meta"`
	ACF         json.RawMessage `json:"acf"`
	Embedded    *wireEmbedded   `json:"_embedded"`
}

func (p wirePost) normalize() content.RemoteRecord {
	rec := content.RemoteRecord{
		RemoteID:    p.ID,
		Title:       p.Title.Rendered,
		Excerpt:     p.Excerpt.Rendered,
		ContentHTML: p.Content.Rendered,
		Status:      p.Status,
		Type:        p.Type,
		Link:        p.Link,
		CreatedAt:   parseGMT(p.DateGMT, p.Date),
		ModifiedAt:  parseGMT(p.ModifiedGMT, ""),
		Terms:       []content.Term{},
		Meta:        map[string]any{},
	}
	// Custom field plugins expose values under acf; core meta wins on clashes.
	mergeObject(rec.Meta, p.ACF)
	mergeObject(rec.Meta, p.Meta)

	if p.Embedded == nil {
		return rec
	}
	for _, group := range p.Embedded.Terms {
		for _, t := range group {
			if t.Name == "" {
				continue
			}
			rec.Terms = append(rec.Terms, content.Term{Taxonomy: t.Taxonomy, Name: t.Name, Slug: t.Slug})
		}
	}
	if len(p.Embedded.FeaturedMedia) > 0 && p.Embedded.FeaturedMedia[0].SourceURL != "" {
		m := p.Embedded.FeaturedMedia[0]
		rec.FeaturedImage = &content.FeaturedImage{URL: m.SourceURL, AltText: m.AltText}
	}
	if len(p.Embedded.Author) > 0 {
		rec.AuthorSlug = p.Embedded.Author[0].Slug
	}
	return rec
}

// mergeObject copies a JSON object into dst. Empty meta is serialized by the
// remote as [] rather than {}, so anything that is not an object is ignored.
func mergeObject(dst map[string]any, raw json.RawMessage) {
	if len(raw) == 0 || raw[0] != '{' {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	for k, v := range obj {
		dst[k] = v
	}
}

func parseGMT(value, fallback string) time.Time {
	for _, v := range []string{value, fallback} {
		if v == "" {
			continue
		}
		if t, err := time.ParseInLocation(gmtLayout, v, time.UTC); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
