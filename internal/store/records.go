package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"example.com/pressync/internal/content"
)

// MetaRef pairs a record id with one of its meta values.
type MetaRef struct {
	RecordID int64
	Value    string
}

// SyncedFilter narrows ListSynced.
type SyncedFilter struct {
	Type  string
	Limit int
}

// CreateRecord inserts a record with its meta and term links in one
// transaction. A duplicate original_id yields ErrConflict and nothing is written.
func (s *Store) CreateRecord(ctx context.Context, rec content.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create record: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	query, args, err := sq.Insert("records").
		Columns("type", "title", "title_key", "excerpt", "content", "status", "author_id", "created_at", "updated_at").
		Values(rec.Type, rec.Title, content.NormalizeTitle(rec.Title), rec.Excerpt, rec.Content, statusOrDraft(rec.Status), rec.AuthorID, now, now).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record id: %w", err)
	}
	if err := upsertMeta(ctx, tx, id, rec.Meta); err != nil {
		return 0, err
	}
	if err := replaceTerms(ctx, tx, id, rec); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create record: %w", wrapConstraint(err))
	}
	return id, nil
}

// UpdateRecord overwrites the content fields of record id, upserts the given
// meta keys and replaces term links for every taxonomy present in rec.
func (s *Store) UpdateRecord(ctx context.Context, id int64, rec content.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update record: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sq.Update("records").
		Set("type", rec.Type).
		Set("title", rec.Title).
		Set("title_key", content.NormalizeTitle(rec.Title)).
		Set("excerpt", rec.Excerpt).
		Set("content", rec.Content).
		Set("status", statusOrDraft(rec.Status)).
		Set("author_id", rec.AuthorID).
		Set("updated_at", nowUTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("record", id)
	}
	if err := upsertMeta(ctx, tx, id, rec.Meta); err != nil {
		return err
	}
	if err := replaceTerms(ctx, tx, id, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update record: %w", wrapConstraint(err))
	}
	return nil
}

// UpdateContent replaces only the body of record id.
func (s *Store) UpdateContent(ctx context.Context, id int64, html string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET content = ?, updated_at = ? WHERE id = ?`, html, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("record", id)
	}
	return nil
}

// SetFeaturedMedia attaches a media asset as the featured image of a record.
func (s *Store) SetFeaturedMedia(ctx context.Context, recordID, mediaID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET featured_media_id = ? WHERE id = ?`, mediaID, recordID)
	if err != nil {
		return fmt.Errorf("set featured media: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("record", recordID)
	}
	return nil
}

// GetRecord loads a record with all of its meta.
func (s *Store) GetRecord(ctx context.Context, id int64) (content.LocalRecord, error) {
	var (
		rec      content.LocalRecord
		featured sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, title, excerpt, content, status, author_id, featured_media_id, created_at, updated_at
		 FROM records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Type, &rec.Title, &rec.Excerpt, &rec.Content, &rec.Status, &rec.AuthorID, &featured, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return content.LocalRecord{}, notFound("record", id)
		}
		return content.LocalRecord{}, fmt.Errorf("get record: %w", err)
	}
	rec.FeaturedMediaID = featured.Int64

	rows, err := s.db.QueryContext(ctx, `SELECT meta_key, meta_value FROM record_meta WHERE record_id = ?`, id)
	if err != nil {
		return content.LocalRecord{}, fmt.Errorf("get record meta: %w", err)
	}
	defer rows.Close()
	rec.Meta = map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return content.LocalRecord{}, fmt.Errorf("scan record meta: %w", err)
		}
		rec.Meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return content.LocalRecord{}, fmt.Errorf("iter record meta: %w", err)
	}
	return rec, nil
}

// FindRecordByMeta returns the record carrying meta key=value. Lookups on
// original_id are served by a unique index.
func (s *Store) FindRecordByMeta(ctx context.Context, key, value string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM record_meta WHERE meta_key = ? AND meta_value = ? ORDER BY record_id LIMIT 1`,
		key, value).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find record by meta: %w", err)
	}
	return id, true, nil
}

// FindRecordsByMetaKey lists every record carrying key, in id order.
func (s *Store) FindRecordsByMetaKey(ctx context.Context, key string) ([]MetaRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, meta_value FROM record_meta WHERE meta_key = ? ORDER BY record_id`, key)
	if err != nil {
		return nil, fmt.Errorf("find records by meta key: %w", err)
	}
	defer rows.Close()
	var refs []MetaRef
	for rows.Next() {
		var ref MetaRef
		if err := rows.Scan(&ref.RecordID, &ref.Value); err != nil {
			return nil, fmt.Errorf("scan meta ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter meta refs: %w", err)
	}
	return refs, nil
}

// FindRecordByTitle returns a record of recordType whose normalized title
// equals the normalized form of title.
func (s *Store) FindRecordByTitle(ctx context.Context, recordType, title string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM records WHERE type = ? AND title_key = ? ORDER BY id LIMIT 1`,
		recordType, content.NormalizeTitle(title)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find record by title: %w", err)
	}
	return id, true, nil
}

// ListSynced returns the records that carry an original identity together
// with their sync metadata.
func (s *Store) ListSynced(ctx context.Context, filter SyncedFilter) ([]content.SyncedRecord, error) {
	builder := sq.Select(
		"r.id", "r.title", "r.type", "m.meta_value",
		"COALESCE(u.meta_value, '')", "COALESCE(mo.meta_value, '')", "COALESCE(ls.meta_value, '')",
	).
		From("records r").
		Join("record_meta m ON m.record_id = r.id AND m.meta_key = ?", content.MetaOriginalID).
		LeftJoin("record_meta u ON u.record_id = r.id AND u.meta_key = ?", content.MetaOriginalURL).
		LeftJoin("record_meta mo ON mo.record_id = r.id AND mo.meta_key = ?", content.MetaOriginalModifiedAt).
		LeftJoin("record_meta ls ON ls.record_id = r.id AND ls.meta_key = ?", content.MetaLastSyncedAt).
		OrderBy("r.id")
	if filter.Type != "" {
		builder = builder.Where(sq.Eq{"r.type": filter.Type})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list synced: %w", err)
	}
	defer rows.Close()
	var out []content.SyncedRecord
	for rows.Next() {
		var r content.SyncedRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Type, &r.OriginalID, &r.OriginalURL, &r.OriginalModifiedAt, &r.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan synced: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter synced: %w", err)
	}
	return out, nil
}

// CountRecords returns how many records of recordType exist; an empty type counts all.
func (s *Store) CountRecords(ctx context.Context, recordType string) (int, error) {
	builder := sq.Select("COUNT(*)").From("records")
	if recordType != "" {
		builder = builder.Where(sq.Eq{"type": recordType})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// DeleteRecord removes a record; meta and term links cascade.
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("record", id)
	}
	return nil
}

// RecordTermIDs lists the term ids linked to a record within taxonomy.
func (s *Store) RecordTermIDs(ctx context.Context, recordID int64, taxonomy string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term_id FROM record_terms WHERE record_id = ? AND taxonomy = ? ORDER BY term_id`,
		recordID, taxonomy)
	if err != nil {
		return nil, fmt.Errorf("record terms: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record term: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func upsertMeta(ctx context.Context, tx *sql.Tx, recordID int64, meta map[string]string) error {
	for key, value := range meta {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO record_meta(record_id, meta_key, meta_value) VALUES(?, ?, ?)
			 ON CONFLICT(record_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
			recordID, key, value)
		if err != nil {
			return fmt.Errorf("write meta %s: %w", key, wrapConstraint(err))
		}
	}
	return nil
}

func replaceTerms(ctx context.Context, tx *sql.Tx, recordID int64, rec content.Record) error {
	byTaxonomy := map[string][]int64{}
	if rec.CategoryIDs != nil {
		byTaxonomy[content.TaxonomyCategory] = rec.CategoryIDs
	}
	if rec.TagIDs != nil {
		byTaxonomy[content.TaxonomyTag] = rec.TagIDs
	}
	for taxonomy, ids := range rec.TaxInput {
		byTaxonomy[taxonomy] = ids
	}
	for taxonomy, ids := range byTaxonomy {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_terms WHERE record_id = ? AND taxonomy = ?`, recordID, taxonomy); err != nil {
			return fmt.Errorf("clear %s terms: %w", taxonomy, err)
		}
		for _, termID := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO record_terms(record_id, term_id, taxonomy) VALUES(?, ?, ?)
				 ON CONFLICT(record_id, term_id) DO NOTHING`,
				recordID, termID, taxonomy); err != nil {
				return fmt.Errorf("link %s term %d: %w", taxonomy, termID, err)
			}
		}
	}
	return nil
}

func statusOrDraft(status string) string {
	if status == "" {
		return "draft"
	}
	return status
}
