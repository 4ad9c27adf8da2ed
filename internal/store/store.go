package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"example.com/pressync/internal/content"
)

// ErrConflict reports a write rejected by a uniqueness constraint, most
// notably a second record claiming an original_id already in use.
var ErrConflict = errors.New("store: unique constraint violated")

// Store is the local content store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New constructs a content store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies the content schema and seeds the built-in taxonomies.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			title_key TEXT NOT NULL DEFAULT '',
			excerpt TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft',
			author_id INTEGER NOT NULL DEFAULT 0,
			featured_media_id INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_title ON records(type, title_key);`,
		`CREATE TABLE IF NOT EXISTS record_meta (
			record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			meta_key TEXT NOT NULL,
			meta_value TEXT NOT NULL,
			PRIMARY KEY (record_id, meta_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_record_meta_key ON record_meta(meta_key, meta_value);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_record_meta_original_id
			ON record_meta(meta_value) WHERE meta_key = 'original_id';`,
		`CREATE TABLE IF NOT EXISTS taxonomies (
			name TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			object_types TEXT NOT NULL DEFAULT '',
			hierarchical INTEGER NOT NULL DEFAULT 0,
			show_ui INTEGER NOT NULL DEFAULT 1,
			has_archive INTEGER NOT NULL DEFAULT 0,
			builtin INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS terms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taxonomy TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			UNIQUE (taxonomy, name)
		);`,
		`CREATE TABLE IF NOT EXISTS record_terms (
			record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			term_id INTEGER NOT NULL REFERENCES terms(id) ON DELETE CASCADE,
			taxonomy TEXT NOT NULL,
			PRIMARY KEY (record_id, term_id)
		);`,
		`CREATE TABLE IF NOT EXISTS media (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL,
			source_url TEXT NOT NULL,
			alt_text TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_media_source ON media(source_url, id);`,
		`CREATE TABLE IF NOT EXISTS options (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS staging (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`INSERT INTO taxonomies(name, label, object_types, hierarchical, builtin)
			VALUES ('category', 'Categories', 'post', 1, 1) ON CONFLICT(name) DO NOTHING;`,
		`INSERT INTO taxonomies(name, label, object_types, hierarchical, builtin)
			VALUES ('post_tag', 'Tags', 'post', 0, 1) ON CONFLICT(name) DO NOTHING;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply content schema: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a local author and returns its id.
func (s *Store) CreateUser(ctx context.Context, slug, displayName string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(slug, display_name) VALUES(?, ?)`, slug, displayName)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", wrapConstraint(err))
	}
	return res.LastInsertId()
}

// FindUserBySlug returns the id of the local user with the given slug.
func (s *Store) FindUserBySlug(ctx context.Context, slug string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE slug = ?`, slug).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find user: %w", err)
	}
	return id, true, nil
}

// GetOption decodes a persisted option into dest. It reports false when the
// option was never set.
func (s *Store) GetOption(ctx context.Context, name string, dest any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get option %s: %w", name, err)
	}
	if err := decodeJSON(raw, dest); err != nil {
		return false, fmt.Errorf("decode option %s: %w", name, err)
	}
	return true, nil
}

// SetOption persists value as JSON under name.
func (s *Store) SetOption(ctx context.Context, name string, value any) error {
	raw, err := encodeJSON(value)
	if err != nil {
		return fmt.Errorf("encode option %s: %w", name, err)
	}
	query, args, err := sq.Insert("options").
		Columns("name", "value").
		Values(name, raw).
		Suffix("ON CONFLICT(name) DO UPDATE SET value = excluded.value").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set option %s: %w", name, err)
	}
	return nil
}

// wrapConstraint maps SQLite uniqueness violations onto ErrConflict.
func wrapConstraint(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	code := sqliteErr.Code()
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "UNIQUE"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, content.ErrNotFound)
}

func joinTypes(types []string) string {
	return strings.Join(types, ",")
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw string, dest any) error {
	return json.Unmarshal([]byte(raw), dest)
}
