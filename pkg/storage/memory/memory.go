// Package memory provides in-process implementations of the storage contracts, used by tests,
// by the CLI and by single-instance deployments.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

var tracer = otel.Tracer("streamcache/pkg/storage/memory")

type StorageOption func(dataStore *MemoryBackend)

// MemoryBackend is an in-memory document store. Each collection is a red-black tree keyed by
// document identity, so cursors walk it in identity order without sorting.
type MemoryBackend struct {
	maxDocumentsPerWrite int

	// collection name -> tree of document id -> raw JSON body
	mu          sync.RWMutex
	collections map[string]*redblacktree.Tree
}

// Ensures that MemoryBackend implements the DocumentStore interface.
var _ storage.DocumentStore = (*MemoryBackend)(nil)

// New creates a new empty [MemoryBackend].
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		maxDocumentsPerWrite: storage.DefaultMaxDocumentsPerWrite,
		collections:          make(map[string]*redblacktree.Tree),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithMaxDocumentsPerWrite returns a [StorageOption] that sets the maximum number of documents
// accepted by a single InsertDocuments call.
func WithMaxDocumentsPerWrite(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxDocumentsPerWrite = n }
}

// Close does not do anything for MemoryBackend.
func (s *MemoryBackend) Close() {}

// InsertDocuments see [storage.DocumentWriter].InsertDocuments. A document whose identity
// already exists replaces the stored one.
func (s *MemoryBackend) InsertDocuments(ctx context.Context, collection string, docs []json.RawMessage) ([]string, error) {
	_, span := tracer.Start(ctx, "memory.InsertDocuments", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.Int("documents", len(docs)),
	))
	defer span.End()

	prepared, err := storage.PrepareDocuments(docs, s.maxDocumentsPerWrite)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.collections[collection]
	if !ok {
		tree = redblacktree.NewWithStringComparator()
		s.collections[collection] = tree
	}

	ids := make([]string, 0, len(prepared))
	for _, doc := range prepared {
		tree.Put(doc.ID, doc.Body)
		ids = append(ids, doc.ID)
	}

	return ids, nil
}

// Find see [storage.DocumentSource].Find.
func (s *MemoryBackend) Find(ctx context.Context, collection string, opts storage.FindOptions) (storage.DocumentIterator, error) {
	_, span := tracer.Start(ctx, "memory.Find", trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	return storage.NewDocumentCursor(s.fetchPage(collection), opts)
}

func (s *MemoryBackend) fetchPage(collection string) storage.PageFetcher {
	return func(ctx context.Context, order query.Order, after string, limit int) ([]storage.RawDocument, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.mu.RLock()
		defer s.mu.RUnlock()

		tree, ok := s.collections[collection]
		if !ok {
			return nil, nil
		}

		ascending := order == query.Ascending
		it := tree.Iterator()
		if !ascending {
			it.End()
		}
		advance := func() bool {
			if ascending {
				return it.Next()
			}
			return it.Prev()
		}

		page := make([]storage.RawDocument, 0, limit)
		appendCurrent := func() {
			page = append(page, storage.RawDocument{ID: it.Key().(string), Body: it.Value().([]byte)})
		}

		if after != "" {
			var node *redblacktree.Node
			var found bool
			if ascending {
				node, found = tree.Ceiling(after)
			} else {
				node, found = tree.Floor(after)
			}
			if !found {
				return page, nil
			}

			it = tree.IteratorAt(node)
			if node.Key.(string) != after {
				appendCurrent()
			}
		}

		for len(page) < limit && advance() {
			appendCurrent()
		}

		return page, nil
	}
}
