package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

// DefaultTTL bounds how stale an ephemeral entry may be.
const DefaultTTL = 24 * time.Hour

// prefix is shared by every key rating.Key.CacheKey produces.
const prefix = "rating:"

// Transients is the expiring key-value primitive the cache is built on.
type Transients interface {
	GetTransient(ctx context.Context, key string) (string, error)
	SetTransient(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteTransients(ctx context.Context, prefix string) (int64, error)
}

// Ephemeral is the fast, short-lived copy of rating records. It is never a
// source of truth and may be flushed at any time. Entries live in the shared
// transients table, so every process sees the same cache with no coherence
// guarantee beyond the TTL.
type Ephemeral struct {
	store Transients
	ttl   time.Duration
}

// New creates an Ephemeral cache. A non-positive ttl uses DefaultTTL.
func New(store Transients, ttl time.Duration) *Ephemeral {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ephemeral{store: store, ttl: ttl}
}

// Get returns the cached record for key, or (nil, nil) on a miss.
func (e *Ephemeral) Get(ctx context.Context, key rating.Key) (*rating.Record, error) {
	raw, err := e.store.GetTransient(ctx, key.CacheKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec rating.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, nil
	}
	return &rec, nil
}

// Set stores rec under its key for the cache TTL, refreshing any existing entry.
func (e *Ephemeral) Set(ctx context.Context, rec *rating.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return e.store.SetTransient(ctx, rec.Key().CacheKey(), string(b), e.ttl)
}

// Flush drops every cached rating. Returns the number of entries removed.
func (e *Ephemeral) Flush(ctx context.Context) (int64, error) {
	return e.store.DeleteTransients(ctx, prefix)
}
