// Package staging hands full remote records across task boundaries so that
// queued tasks only carry a short key.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/pressync/internal/content"
)

const keyPrefix = "pressync_temp_"

// Store is a TTL'd key-value slot. Implementations must treat expired
// entries as absent.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Key derives the staging key of a composite identity. Staging the same
// remote record twice overwrites the same slot.
func Key(identity string) string {
	return keyPrefix + identity
}

// Stager serializes RemoteRecords into a Store.
type Stager struct {
	store Store
	ttl   time.Duration
}

// NewStager returns a Stager writing entries that live for ttl.
func NewStager(store Store, ttl time.Duration) *Stager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Stager{store: store, ttl: ttl}
}

// Stage writes rec under the key derived from identity and returns that key.
func (s *Stager) Stage(ctx context.Context, identity string, rec content.RemoteRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode staged record: %w", err)
	}
	key := Key(identity)
	if err := s.store.Put(ctx, key, raw, s.ttl); err != nil {
		return "", err
	}
	return key, nil
}

// Load reads the record staged under key without consuming it.
func (s *Stager) Load(ctx context.Context, key string) (content.RemoteRecord, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return content.RemoteRecord{}, err
	}
	if !ok {
		return content.RemoteRecord{}, fmt.Errorf("%s: %w", key, content.ErrStagingMiss)
	}
	var rec content.RemoteRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return content.RemoteRecord{}, fmt.Errorf("decode staged %s: %w", key, err)
	}
	return rec, nil
}

// Discard removes the entry under key.
func (s *Stager) Discard(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}
