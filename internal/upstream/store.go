package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const maxPageSize = 100

// Store holds the mock remote site's content in SQLite.
type Store struct {
	db  *sql.DB
	rnd *rand.Rand
}

// NewStore wires a mock upstream data store backed by SQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Init applies schema migrations for the upstream database.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			excerpt TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'publish',
			author_slug TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			image_alt TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_collection ON posts(collection, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS terms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taxonomy TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			UNIQUE (taxonomy, name)
		);`,
		`CREATE TABLE IF NOT EXISTS post_terms (
			post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			term_id INTEGER NOT NULL REFERENCES terms(id) ON DELETE CASCADE,
			PRIMARY KEY (post_id, term_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply upstream schema: %w", err)
		}
	}
	return nil
}

// ItemType maps a collection name onto the type field of its items.
func ItemType(collection string) string {
	switch collection {
	case "posts":
		return "post"
	case "pages":
		return "page"
	default:
		return collection
	}
}

// CreatePost inserts a post with its terms and returns the stored copy.
func (s *Store) CreatePost(ctx context.Context, p Post) (Post, error) {
	if strings.TrimSpace(p.Collection) == "" {
		return Post{}, errors.New("collection required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return Post{}, errors.New("title required")
	}
	if p.Type == "" {
		p.Type = ItemType(p.Collection)
	}
	if p.Status == "" {
		p.Status = "publish"
	}
	now := time.Now().UTC().Truncate(time.Second)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = p.CreatedAt
	}
	meta, err := json.Marshal(nonNilMeta(p.Meta))
	if err != nil {
		return Post{}, fmt.Errorf("encode meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Post{}, fmt.Errorf("begin create post: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sq.Insert("posts").
		Columns("collection", "type", "title", "excerpt", "content", "status", "author_slug", "image_url", "image_alt", "meta", "created_at", "modified_at").
		Values(p.Collection, p.Type, p.Title, p.Excerpt, p.Content, p.Status, p.AuthorSlug, p.ImageURL, p.ImageAlt, string(meta), p.CreatedAt.UTC(), p.ModifiedAt.UTC()).
		ToSql()
	if err != nil {
		return Post{}, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return Post{}, fmt.Errorf("post id: %w", err)
	}
	for i, t := range p.Terms {
		id, err := upsertTerm(ctx, tx, t)
		if err != nil {
			return Post{}, err
		}
		p.Terms[i].ID = id
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_terms(post_id, term_id) VALUES(?, ?) ON CONFLICT DO NOTHING`, p.ID, id); err != nil {
			return Post{}, fmt.Errorf("link term: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Post{}, fmt.Errorf("commit post: %w", err)
	}
	return p, nil
}

// UpdatePost edits title, content or status of a post and bumps its
// modification time. Empty fields are left unchanged.
func (s *Store) UpdatePost(ctx context.Context, id int64, title, body, status string) (Post, error) {
	builder := sq.Update("posts").
		Set("modified_at", time.Now().UTC().Truncate(time.Second)).
		Where(sq.Eq{"id": id})
	if title != "" {
		builder = builder.Set("title", title)
	}
	if body != "" {
		builder = builder.Set("content", body)
	}
	if status != "" {
		builder = builder.Set("status", status)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return Post{}, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Post{}, fmt.Errorf("update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Post{}, sql.ErrNoRows
	}
	return s.GetPost(ctx, id)
}

// DeletePost removes a post.
func (s *Store) DeletePost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetPost loads one post with its terms.
func (s *Store) GetPost(ctx context.Context, id int64) (Post, error) {
	posts, err := s.queryPosts(ctx, sq.Select(postColumns...).From("posts").Where(sq.Eq{"id": id}))
	if err != nil {
		return Post{}, err
	}
	if len(posts) == 0 {
		return Post{}, sql.ErrNoRows
	}
	return posts[0], nil
}

// EnsurePageSize enforces the maximum page size contract.
func EnsurePageSize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// ListPosts returns one page of a collection, newest first.
func (s *Store) ListPosts(ctx context.Context, collection string, page, pageSize int) (PostPage, error) {
	page, pageSize = EnsurePageSize(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE collection = ?`, collection).Scan(&total); err != nil {
		return PostPage{}, fmt.Errorf("count posts: %w", err)
	}

	offset := (page - 1) * pageSize
	posts, err := s.queryPosts(ctx, sq.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"collection": collection}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(pageSize)).
		Offset(uint64(offset)))
	if err != nil {
		return PostPage{}, err
	}
	totalPages := (total + pageSize - 1) / pageSize
	return PostPage{Posts: posts, Page: page, PageSize: pageSize, Total: total, TotalPages: totalPages}, nil
}

// PostsByID returns the posts of collection whose ids are listed.
func (s *Store) PostsByID(ctx context.Context, collection string, ids []int64) ([]Post, error) {
	if len(ids) == 0 {
		return []Post{}, nil
	}
	return s.queryPosts(ctx, sq.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"collection": collection, "id": ids}).
		OrderBy("id"))
}

var postColumns = []string{
	"id", "collection", "type", "title", "excerpt", "content", "status",
	"author_slug", "image_url", "image_alt", "meta", "created_at", "modified_at",
}

func (s *Store) queryPosts(ctx context.Context, builder sq.SelectBuilder) ([]Post, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := []Post{}
	for rows.Next() {
		var (
			p    Post
			meta string
		)
		if err := rows.Scan(&p.ID, &p.Collection, &p.Type, &p.Title, &p.Excerpt, &p.Content, &p.Status,
			&p.AuthorSlug, &p.ImageURL, &p.ImageAlt, &meta, &p.CreatedAt, &p.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &p.Meta); err != nil {
			return nil, fmt.Errorf("decode post meta: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter posts: %w", err)
	}
	rows.Close()

	for i := range posts {
		terms, err := s.postTerms(ctx, posts[i].ID)
		if err != nil {
			return nil, err
		}
		posts[i].Terms = terms
	}
	return posts, nil
}

func (s *Store) postTerms(ctx context.Context, postID int64) ([]Term, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.taxonomy, t.name, t.slug FROM terms t
		 JOIN post_terms pt ON pt.term_id = t.id
		 WHERE pt.post_id = ? ORDER BY t.taxonomy, t.id`, postID)
	if err != nil {
		return nil, fmt.Errorf("post terms: %w", err)
	}
	defer rows.Close()
	var terms []Term
	for rows.Next() {
		var t Term
		if err := rows.Scan(&t.ID, &t.Taxonomy, &t.Name, &t.Slug); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

func upsertTerm(ctx context.Context, tx *sql.Tx, t Term) (int64, error) {
	slug := t.Slug
	if slug == "" {
		slug = slugify(t.Name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO terms(taxonomy, name, slug) VALUES(?, ?, ?) ON CONFLICT(taxonomy, name) DO NOTHING`,
		t.Taxonomy, t.Name, slug); err != nil {
		return 0, fmt.Errorf("insert term: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM terms WHERE taxonomy = ? AND name = ?`, t.Taxonomy, t.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("read term: %w", err)
	}
	return id, nil
}

var (
	headlines  = []string{"Quarterly results", "Match report", "Festival line-up", "Road closures", "Product launch", "Interview"}
	categories = []string{"News", "Sports", "Culture", "Business"}
	tags       = []string{"featured", "local", "opinion", "breaking", "weekend"}
	authors    = []string{"admin", "editor", "guest"}
)

// CreateRandomPost seeds a random post into collection. Images point at
// imageBase when it is set.
func (s *Store) CreateRandomPost(ctx context.Context, collection, imageBase string) (Post, error) {
	suffix := strings.ToUpper(uuid.NewString())[:6]
	p := Post{
		Collection: collection,
		Title:      fmt.Sprintf("%s %s", headlines[s.rnd.Intn(len(headlines))], suffix),
		Excerpt:    "<p>Short summary.</p>",
		AuthorSlug: authors[s.rnd.Intn(len(authors))],
		Terms: []Term{
			{Taxonomy: "category", Name: categories[s.rnd.Intn(len(categories))]},
			{Taxonomy: "post_tag", Name: tags[s.rnd.Intn(len(tags))]},
		},
		Meta:      map[string]any{"reading_time": 1 + s.rnd.Intn(9)},
		CreatedAt: randomTimeInPast(s.rnd, 30*24*time.Hour),
	}
	body := "<p>Generated body.</p>"
	if imageBase != "" {
		img := fmt.Sprintf("%s/wp-content/uploads/%s.png", strings.TrimRight(imageBase, "/"), strings.ToLower(suffix))
		body = fmt.Sprintf(`<p>Generated body.</p><img src="%s" alt="">`, img)
		p.ImageURL = img
		p.ImageAlt = p.Title
	}
	p.Content = body
	return s.CreatePost(ctx, p)
}

func randomTimeInPast(r *rand.Rand, maxSpan time.Duration) time.Time {
	now := time.Now().UTC().Truncate(time.Second)
	diff := time.Duration(r.Int63n(int64(maxSpan))).Truncate(time.Second)
	return now.Add(-diff)
}

func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
