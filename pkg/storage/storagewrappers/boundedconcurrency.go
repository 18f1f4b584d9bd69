package storagewrappers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/build"
	"github.com/streamcache/streamcache/pkg/storage"
)

var _ storage.DocumentSource = (*boundedConcurrencyDocumentSource)(nil)

var timeWaitingHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: build.ProjectName,
	Name:      "time_waiting_for_find_ms",
	Help:      "Time (in ms) spent waiting for a free cursor slot before calling Find on the document source",
	Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000}, // milliseconds
})

type boundedConcurrencyDocumentSource struct {
	storage.DocumentSource
	limiter chan struct{}
}

// NewBoundedConcurrencyDocumentSource returns a wrapper over a document source that makes sure
// that there are, at most, n cursors open at once. A slot is held from Find until the cursor
// is stopped or exhausted, so executions cannot hoard the connections of the document store.
func NewBoundedConcurrencyDocumentSource(wrapped storage.DocumentSource, n uint32) *boundedConcurrencyDocumentSource {
	return &boundedConcurrencyDocumentSource{
		DocumentSource: wrapped,
		limiter:        make(chan struct{}, n),
	}
}

func (b *boundedConcurrencyDocumentSource) Find(ctx context.Context, collection string, opts storage.FindOptions) (storage.DocumentIterator, error) {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))

	iter, err := b.DocumentSource.Find(ctx, collection, opts)
	if err != nil {
		<-b.limiter
		return nil, err
	}

	return &boundedIterator{
		DocumentIterator: iter,
		release: sync.OnceFunc(func() {
			<-b.limiter
		}),
	}, nil
}

// boundedIterator gives its slot back once when it is stopped or exhausted.
type boundedIterator struct {
	storage.DocumentIterator
	release func()
}

func (b *boundedIterator) Next(ctx context.Context) (storage.Document, error) {
	doc, err := b.DocumentIterator.Next(ctx)
	if errors.Is(err, storage.ErrIteratorDone) {
		b.release()
	}
	return doc, err
}

func (b *boundedIterator) Stop() {
	b.DocumentIterator.Stop()
	b.release()
}
