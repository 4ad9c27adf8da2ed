package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StagingTable is a TTL'd key-value table used to hand records across
// task boundaries.
type StagingTable struct {
	db  *sql.DB
	now func() time.Time
}

// Staging returns the staging table sharing this store's database.
func (s *Store) Staging() *StagingTable {
	return &StagingTable{db: s.db, now: nowUTC}
}

// Put writes value under key, replacing any previous value and expiry.
func (t *StagingTable) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO staging(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, t.now().Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

// Get returns the live value under key. Expired entries read as absent.
func (t *StagingTable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx,
		`SELECT value FROM staging WHERE key = ? AND expires_at > ?`, key, t.now().UnixNano()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read staged %s: %w", key, err)
	}
	return value, true, nil
}

// Delete drops key. Deleting a missing key is not an error.
func (t *StagingTable) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM staging WHERE key = ?`, key); err != nil {
		return fmt.Errorf("unstage %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes expired entries and reports how many were dropped.
func (t *StagingTable) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM staging WHERE expires_at <= ?`, t.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge staging: %w", err)
	}
	return res.RowsAffected()
}
