package upstream

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const gmtLayout = "2006-01-02T15:04:05"

// Server exposes a WordPress-compatible REST surface over the mock store.
type Server struct {
	store  *Store
	logger *slog.Logger
}

// NewServer builds a server backed by the provided store.
func NewServer(store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, logger: logger}
}

// Router wires the REST collection routes and the seeding endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	r.Get("/wp-json/wp/v2/{collection}", s.handleCollection)
	r.Get("/wp-content/uploads/{name}", s.handleImage)

	r.Route("/mock", func(r chi.Router) {
		r.Post("/{collection}/posts", s.handleCreatePost)
		r.Post("/{collection}/random", s.handleRandomPosts)
		r.Patch("/posts/{postID}", s.handleUpdatePost)
		r.Delete("/posts/{postID}", s.handleDeletePost)
	})
	return r
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()
	embed := q.Has("_embed")
	base := baseURL(r)

	if include := strings.TrimSpace(q.Get("include")); include != "" {
		ids, err := parseIDs(include)
		if err != nil {
			writeError(w, http.StatusBadRequest, "rest_invalid_param", err.Error())
			return
		}
		posts, err := s.store.PostsByID(ctx, collection, ids)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rest_error", err.Error())
			return
		}
		w.Header().Set("X-WP-Total", strconv.Itoa(len(posts)))
		w.Header().Set("X-WP-TotalPages", "1")
		writeJSON(w, http.StatusOK, marshalPosts(posts, embed, base))
		return
	}

	page := parseIntDefault(q.Get("page"), 1)
	size := parseIntDefault(q.Get("per_page"), 10)
	result, err := s.store.ListPosts(ctx, collection, page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rest_error", err.Error())
		return
	}
	if result.Total > 0 && result.Page > result.TotalPages {
		writeError(w, http.StatusBadRequest, "rest_post_invalid_page_number",
			"The page number requested is larger than the number of pages available.")
		return
	}
	w.Header().Set("X-WP-Total", strconv.Itoa(result.Total))
	w.Header().Set("X-WP-TotalPages", strconv.Itoa(result.TotalPages))
	s.logger.Debug("served collection page", "collection", collection, "page", result.Page, "total_pages", result.TotalPages)
	writeJSON(w, http.StatusOK, marshalPosts(result.Posts, embed, base))
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var p Post
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	p.Collection = chi.URLParam(r, "collection")
	created, err := s.store.CreatePost(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_post", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, marshalPost(created, true, baseURL(r)))
}

func (s *Server) handleRandomPosts(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	count := parseIntDefault(r.URL.Query().Get("count"), 1)
	if count < 1 || count > 500 {
		writeError(w, http.StatusBadRequest, "invalid_count", "count must be within 1..500")
		return
	}
	imageBase := ""
	if r.URL.Query().Get("images") == "1" {
		imageBase = baseURL(r)
	}
	created := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		p, err := s.store.CreateRandomPost(r.Context(), collection, imageBase)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "seed_failed", err.Error())
			return
		}
		created = append(created, marshalPost(p, false, baseURL(r)))
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "post id must be numeric")
		return
	}
	var payload struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	p, err := s.store.UpdatePost(r.Context(), id, payload.Title, payload.Content, payload.Status)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalPost(p, true, baseURL(r)))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "post id must be numeric")
		return
	}
	if err := s.store.DeletePost(r.Context(), id); err != nil {
		handleNotFound(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImage serves a generated PNG for any upload path so seeded posts
// have downloadable media.
func (s *Server) handleImage(w http.ResponseWriter, _ *http.Request) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func marshalPosts(posts []Post, embed bool, base string) []map[string]any {
	out := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		out = append(out, marshalPost(p, embed, base))
	}
	return out
}

// marshalPost renders a post the way the REST API does, including the
// _embedded block when embed is set.
func marshalPost(p Post, embed bool, base string) map[string]any {
	var meta any = []any{}
	if len(p.Meta) > 0 {
		meta = p.Meta
	}
	payload := map[string]any{
		"id":           p.ID,
		"date":         p.CreatedAt.UTC().Format(gmtLayout),
		"date_gmt":     p.CreatedAt.UTC().Format(gmtLayout),
		"modified":     p.ModifiedAt.UTC().Format(gmtLayout),
		"modified_gmt": p.ModifiedAt.UTC().Format(gmtLayout),
		"slug":         slugify(p.Title),
		"status":       p.Status,
		"type":         p.Type,
		"link":         fmt.Sprintf("%s/?p=%d", base, p.ID),
		"title":        map[string]any{"rendered": p.Title},
		"content":      map[string]any{"rendered": p.Content, "protected": false},
		"excerpt":      map[string]any{"rendered": p.Excerpt, "protected": false},
		"meta":         meta,
	}
	if !embed {
		return payload
	}

	embedded := map[string]any{}
	if p.AuthorSlug != "" {
		embedded["author"] = []map[string]any{{"slug": p.AuthorSlug, "name": p.AuthorSlug}}
	}
	if p.ImageURL != "" {
		embedded["wp:featuredmedia"] = []map[string]any{{"source_url": p.ImageURL, "alt_text": p.ImageAlt}}
	}
	if len(p.Terms) > 0 {
		embedded["wp:term"] = groupTerms(p.Terms)
	}
	payload["_embedded"] = embedded
	return payload
}

// groupTerms returns one slice per taxonomy, categories first then tags.
func groupTerms(terms []Term) [][]map[string]any {
	groups := map[string][]map[string]any{}
	for _, t := range terms {
		groups[t.Taxonomy] = append(groups[t.Taxonomy], map[string]any{
			"id": t.ID, "name": t.Name, "slug": t.Slug, "taxonomy": t.Taxonomy,
		})
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	rank := func(name string) int {
		switch name {
		case "category":
			return 0
		case "post_tag":
			return 1
		default:
			return 2
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if rank(names[i]) != rank(names[j]) {
			return rank(names[i]) < rank(names[j])
		}
		return names[i] < names[j]
	})
	out := make([][]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, groups[name])
	}
	return out
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func parseIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("include: %q is not an id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError mirrors the REST API's {code, message, data.status} error body.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
		"data":    map[string]any{"status": status},
	})
}

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "rest_post_invalid_id", "Invalid post ID.")
		return
	}
	writeError(w, http.StatusInternalServerError, "rest_error", err.Error())
}
