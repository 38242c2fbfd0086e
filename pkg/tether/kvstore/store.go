// Package kvstore provides the durable key-value storage the resilience
// layer persists into: the offline request queue, cached read-model
// fallbacks, favorites/recent-item lists, and autosave drafts.
//
// Two implementations exist: a SQLite-backed store for real clients and an
// in-memory store for tests and ephemeral use.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Well-known key layout. One key holds the whole offline queue; cache,
// favorites, and draft keys are per-name.
const (
	KeyOfflineQueue = "offline-queue"

	cachePrefix    = "cache:"
	favoritePrefix = "favorites:"
	draftPrefix    = "draft:"
)

// DraftFreshness is how long a cached snapshot or autosave draft is
// considered usable.
const DraftFreshness = 24 * time.Hour

// Store is a durable key-value store. Values are opaque bytes; callers
// serialize. Get reports found=false for missing keys rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Envelope wraps cached data with the time it was captured, so readers can
// enforce a freshness window.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stale reports whether the envelope is older than the freshness window.
func (e Envelope) Stale(window time.Duration) bool {
	return time.Since(e.Timestamp) > window
}

// PutCached stores v as the last-known snapshot under the given cache name.
func PutCached(ctx context.Context, s Store, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cached %s: %w", name, err)
	}
	env, err := json.Marshal(Envelope{Data: data, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.Put(ctx, cachePrefix+name, env)
}

// GetCached loads the last-known snapshot under the given cache name into v.
// It reports found=false when the key is missing or the snapshot is older
// than DraftFreshness.
func GetCached(ctx context.Context, s Store, name string, v any) (bool, error) {
	raw, found, err := s.Get(ctx, cachePrefix+name)
	if err != nil || !found {
		return false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("unmarshal envelope for %s: %w", name, err)
	}
	if env.Stale(DraftFreshness) {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("unmarshal cached %s: %w", name, err)
	}
	return true, nil
}

// PutDraft stores an autosave draft for a feature.
func PutDraft(ctx context.Context, s Store, feature string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal draft %s: %w", feature, err)
	}
	env, err := json.Marshal(Envelope{Data: data, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.Put(ctx, draftPrefix+feature, env)
}

// GetDraft loads a feature's autosave draft if one exists and is fresh.
func GetDraft(ctx context.Context, s Store, feature string, v any) (bool, error) {
	raw, found, err := s.Get(ctx, draftPrefix+feature)
	if err != nil || !found {
		return false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("unmarshal envelope for %s: %w", feature, err)
	}
	if env.Stale(DraftFreshness) {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("unmarshal draft %s: %w", feature, err)
	}
	return true, nil
}

// DeleteDraft removes a feature's autosave draft.
func DeleteDraft(ctx context.Context, s Store, feature string) error {
	return s.Delete(ctx, draftPrefix+feature)
}

// Favorites returns the user's favorite/recent-item list, most recent first.
func Favorites(ctx context.Context, s Store, userID string) ([]string, error) {
	raw, found, err := s.Get(ctx, favoritePrefix+userID)
	if err != nil || !found {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal favorites for %s: %w", userID, err)
	}
	return items, nil
}

// AddFavorite prepends an item to the user's list, deduplicating and
// capping at limit entries.
func AddFavorite(ctx context.Context, s Store, userID, item string, limit int) error {
	items, err := Favorites(ctx, s, userID)
	if err != nil {
		return err
	}
	updated := []string{item}
	for _, existing := range items {
		if existing != item {
			updated = append(updated, existing)
		}
	}
	if limit > 0 && len(updated) > limit {
		updated = updated[:limit]
	}
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal favorites: %w", err)
	}
	return s.Put(ctx, favoritePrefix+userID, data)
}
