//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks storage

// Package storage defines the persistence contracts of streamcache: the cache store that tracks
// in-progress and completed executions by fingerprint, and the document source executions
// stream from.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/query"
)

const (
	// DefaultMaxDocumentsPerWrite caps a single InsertDocuments call.
	DefaultMaxDocumentsPerWrite = 1000

	// DefaultBatchSize is the number of documents fetched per cursor page.
	DefaultBatchSize = 512
)

// CacheEntry is the persisted state of a fingerprint.
type CacheEntry struct {
	Fingerprint keys.Fingerprint
	// InProgress is true while an execution for the fingerprint is running somewhere. Result is
	// nil whenever InProgress is true.
	InProgress bool
	// Failed marks a short-lived terminal entry written when an execution failed, so pollers
	// can stop waiting.
	Failed bool
	// Result is the encoded result sequence of a completed execution.
	Result []byte
	// Owner identifies the process instance that began the execution.
	Owner     string
	ExpiresAt time.Time
}

// Completed reports whether the entry holds a usable result.
func (e *CacheEntry) Completed() bool {
	return !e.InProgress && !e.Failed
}

// CacheStore persists cache entries keyed by fingerprint. Entries past their expiry are never
// returned.
type CacheStore interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key keys.Fingerprint) (*CacheEntry, error)

	// GetCompleted returns the entry for key only when it is no longer in progress, or
	// ErrNotFound. Failed markers are returned so that pollers can observe them.
	GetCompleted(ctx context.Context, key keys.Fingerprint) (*CacheEntry, error)

	// BeginInProgress writes an in-progress entry unless a live in-progress entry already
	// exists for the key, in which case it returns ErrCollision. Completed, failed and expired
	// entries are replaced.
	BeginInProgress(ctx context.Context, key keys.Fingerprint, owner string, ttl time.Duration) error

	// Complete stores the result and clears the in-progress flag, creating the entry if needed.
	Complete(ctx context.Context, key keys.Fingerprint, result []byte, ttl time.Duration) error

	// Fail replaces the entry with a failed marker that expires after ttl.
	Fail(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error

	// Delete removes the entry unconditionally. Deleting an absent key is not an error.
	Delete(ctx context.Context, key keys.Fingerprint) error

	// RenewExpiry pushes the expiry of an existing entry to now+ttl without altering it.
	RenewExpiry(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error

	// Close releases the resources held by the store.
	Close()
}

// Purger is implemented by cache stores without a native expiry mechanism.
type Purger interface {
	// PurgeExpired deletes every entry past its expiry and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Document is a decoded, projected document as handed to document operations.
type Document = map[string]any

// FindOptions describes a cursor over a collection.
type FindOptions struct {
	Filter      query.Filter
	ReadOptions query.ReadOptions
	// Order sorts by document identity; zero means query.DefaultOrder.
	Order query.Order
	// BatchSize is the page size of the cursor; zero means DefaultBatchSize.
	BatchSize int
}

// DocumentSource streams the documents of a collection that match a filter.
type DocumentSource interface {
	// Find opens a lazily fetched cursor. The filter and read options are validated before any
	// I/O and reported as query.ErrInvalidFilter or query.ErrInvalidReadOptions.
	Find(ctx context.Context, collection string, opts FindOptions) (DocumentIterator, error)
}

// DocumentWriter adds documents to a collection.
type DocumentWriter interface {
	// InsertDocuments stores JSON object documents and returns their identities. Documents
	// without an "_id" field are assigned one.
	InsertDocuments(ctx context.Context, collection string, docs []json.RawMessage) ([]string, error)
}

// DocumentStore is a document source that also accepts writes.
type DocumentStore interface {
	DocumentSource
	DocumentWriter

	// Close releases the resources held by the store.
	Close()
}

// ReadinessStatus reports whether a store can serve requests.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}

// ReadinessChecker is implemented by stores that can report their readiness.
type ReadinessChecker interface {
	IsReady(ctx context.Context) (ReadinessStatus, error)
}
