// Package test holds the conformance suites every storage implementation runs.
package test

import (
	"testing"

	"github.com/streamcache/streamcache/pkg/storage"
)

// RunCacheStoreTests runs the cache store conformance suite against cs.
func RunCacheStoreTests(t *testing.T, cs storage.CacheStore) {
	t.Run("TestCacheEntryLifecycle", func(t *testing.T) { CacheEntryLifecycleTest(t, cs) })
	t.Run("TestBeginInProgressCollision", func(t *testing.T) { BeginInProgressCollisionTest(t, cs) })
	t.Run("TestFailedMarker", func(t *testing.T) { FailedMarkerTest(t, cs) })
	t.Run("TestDelete", func(t *testing.T) { DeleteTest(t, cs) })
	t.Run("TestExpiry", func(t *testing.T) { ExpiryTest(t, cs) })
	t.Run("TestRenewExpiry", func(t *testing.T) { RenewExpiryTest(t, cs) })
}

// RunDocumentStoreTests runs the document store conformance suite against ds.
func RunDocumentStoreTests(t *testing.T, ds storage.DocumentStore) {
	t.Run("TestInsertAndFind", func(t *testing.T) { InsertAndFindTest(t, ds) })
	t.Run("TestFindPagination", func(t *testing.T) { FindPaginationTest(t, ds) })
	t.Run("TestFindReadOptions", func(t *testing.T) { FindReadOptionsTest(t, ds) })
	t.Run("TestFindInvalidFilter", func(t *testing.T) { FindInvalidFilterTest(t, ds) })
}
