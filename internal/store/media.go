package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"example.com/pressync/internal/content"
)

// CreateMedia records a localized asset and returns its id.
func (s *Store) CreateMedia(ctx context.Context, asset content.MediaAsset) (int64, error) {
	created := asset.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	query, args, err := sq.Insert("media").
		Columns("owner_id", "url", "source_url", "alt_text", "content_type", "created_at").
		Values(asset.OwnerID, asset.URL, asset.SourceURL, asset.AltText, asset.ContentType, created.UTC()).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("create media: %w", err)
	}
	return res.LastInsertId()
}

// GetMedia loads one media asset.
func (s *Store) GetMedia(ctx context.Context, id int64) (content.MediaAsset, error) {
	assets, err := s.queryMedia(ctx, sq.Eq{"id": id})
	if err != nil {
		return content.MediaAsset{}, err
	}
	if len(assets) == 0 {
		return content.MediaAsset{}, notFound("media", id)
	}
	return assets[0], nil
}

// FindMediaBySourceURL returns every asset downloaded from sourceURL, oldest first.
func (s *Store) FindMediaBySourceURL(ctx context.Context, sourceURL string) ([]content.MediaAsset, error) {
	return s.queryMedia(ctx, sq.Eq{"source_url": sourceURL})
}

// DeleteMedia removes an asset and clears it from any record featuring it.
func (s *Store) DeleteMedia(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete media: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET featured_media_id = NULL WHERE featured_media_id = ?`, id); err != nil {
		return fmt.Errorf("detach media: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("media", id)
	}
	return tx.Commit()
}

func (s *Store) queryMedia(ctx context.Context, where sq.Sqlizer) ([]content.MediaAsset, error) {
	query, args, err := sq.Select("id", "owner_id", "url", "source_url", "alt_text", "content_type", "created_at").
		From("media").
		Where(where).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()
	var assets []content.MediaAsset
	for rows.Next() {
		var a content.MediaAsset
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.URL, &a.SourceURL, &a.AltText, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter media: %w", err)
	}
	return assets, nil
}
