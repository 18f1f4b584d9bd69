package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
)

const defaultMaxCacheEntries = 10000

var errEntryRejected = errors.New("cache entry rejected by admission policy")

type CacheStoreOption func(*CacheStore)

// WithMaxCacheEntries sets the capacity of the underlying cache.
func WithMaxCacheEntries(n int64) CacheStoreOption {
	return func(c *CacheStore) { c.maxEntries = n }
}

// CacheStore is a [storage.CacheStore] backed by a theine TTL cache. It is only shared by the
// coordinators of one process.
type CacheStore struct {
	maxEntries int64
	now        func() time.Time

	// mu makes the read-then-write of BeginInProgress and RenewExpiry atomic
	mu    sync.Mutex
	cache *theine.Cache[keys.Fingerprint, storage.CacheEntry]
}

var _ storage.CacheStore = (*CacheStore)(nil)

// NewCacheStore constructs an empty in-memory cache store.
func NewCacheStore(opts ...CacheStoreOption) (*CacheStore, error) {
	c := &CacheStore{
		maxEntries: defaultMaxCacheEntries,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	cache, err := theine.NewBuilder[keys.Fingerprint, storage.CacheEntry](c.maxEntries).Build()
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

func (c *CacheStore) lookup(key keys.Fingerprint) (storage.CacheEntry, bool) {
	entry, ok := c.cache.Get(key)
	if !ok || !entry.ExpiresAt.After(c.now()) {
		return storage.CacheEntry{}, false
	}

	return entry, true
}

func (c *CacheStore) set(entry storage.CacheEntry, ttl time.Duration) error {
	entry.ExpiresAt = c.now().Add(ttl)
	if !c.cache.SetWithTTL(entry.Fingerprint, entry, 1, ttl) {
		return errEntryRejected
	}

	return nil
}

// Get see [storage.CacheStore].Get.
func (c *CacheStore) Get(_ context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	entry, ok := c.lookup(key)
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &entry, nil
}

// GetCompleted see [storage.CacheStore].GetCompleted.
func (c *CacheStore) GetCompleted(_ context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	entry, ok := c.lookup(key)
	if !ok || entry.InProgress {
		return nil, storage.ErrNotFound
	}

	return &entry, nil
}

// BeginInProgress see [storage.CacheStore].BeginInProgress.
func (c *CacheStore) BeginInProgress(_ context.Context, key keys.Fingerprint, owner string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lookup(key); ok && existing.InProgress {
		return storage.ErrCollision
	}

	return c.set(storage.CacheEntry{Fingerprint: key, InProgress: true, Owner: owner}, ttl)
}

// Complete see [storage.CacheStore].Complete.
func (c *CacheStore) Complete(_ context.Context, key keys.Fingerprint, result []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, _ := c.lookup(key)

	return c.set(storage.CacheEntry{Fingerprint: key, Result: result, Owner: existing.Owner}, ttl)
}

// Fail see [storage.CacheStore].Fail.
func (c *CacheStore) Fail(_ context.Context, key keys.Fingerprint, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, _ := c.lookup(key)

	return c.set(storage.CacheEntry{Fingerprint: key, Failed: true, Owner: existing.Owner}, ttl)
}

// Delete see [storage.CacheStore].Delete.
func (c *CacheStore) Delete(_ context.Context, key keys.Fingerprint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Delete(key)
	return nil
}

// RenewExpiry see [storage.CacheStore].RenewExpiry.
func (c *CacheStore) RenewExpiry(_ context.Context, key keys.Fingerprint, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(key)
	if !ok {
		return nil
	}

	return c.set(entry, ttl)
}

// Close see [storage.CacheStore].Close.
func (c *CacheStore) Close() {
	c.cache.Close()
}
