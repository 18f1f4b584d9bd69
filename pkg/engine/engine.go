// Package engine streams the documents matching a filter through a document operation,
// enforcing limit, timeout and abort by truncating the result rather than failing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/streamcache/streamcache/internal/build"
	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/telemetry"
)

var tracer = otel.Tracer("streamcache/pkg/engine")

const (
	DefaultTimeout           = 180 * time.Second
	DefaultAbortSyncInterval = 5 * time.Millisecond
)

var (
	// ErrCursor wraps a failure of the document cursor. It fails the whole execution.
	ErrCursor = errors.New("document cursor failed")

	// ErrInvalidOperation is returned for an Operation without a function for its kind.
	ErrInvalidOperation = errors.New("invalid document operation")
)

var (
	scannedDocumentsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_scanned_documents_total",
		Help:      "The total number of documents scanned by executions.",
	}, []string{"kind"})

	documentErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_document_errors_total",
		Help:      "The total number of documents whose operation returned an error or panicked.",
	}, []string{"kind"})

	executionDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "engine_execution_duration_ms",
		Help:                            "The duration (in ms) of an execution, labeled by kind and stop reason.",
		Buckets:                         []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 180000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"kind", "stop_reason"})
)

// Request describes one execution.
type Request struct {
	Fingerprint keys.Fingerprint
	Collection  string
	Filter      query.Filter
	ReadOptions query.ReadOptions
	// Order defaults to query.DefaultOrder.
	Order query.Order
	// BatchSize is the cursor page size; zero means storage.DefaultBatchSize.
	BatchSize int
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Limit is the number of documents scanned before stopping; zero means no limit.
	Limit        int
	Operation    Operation
	InitialValue any
}

// Outcome is the result of a successful, possibly truncated, execution.
type Outcome struct {
	Values     []any
	Scanned    int64
	Errors     int64
	StopReason StopReason
	Duration   time.Duration
}

// Engine runs executions against a document source.
type Engine struct {
	source            storage.DocumentSource
	logger            logger.Logger
	abortSyncInterval time.Duration
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithAbortSyncInterval sets how often the abort flag of the Progress is read.
func WithAbortSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.abortSyncInterval = d
	}
}

// New creates an engine over source.
func New(source storage.DocumentSource, opts ...Option) *Engine {
	e := &Engine{
		source:            source,
		logger:            logger.NewNoopLogger(),
		abortSyncInterval: DefaultAbortSyncInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute streams the documents matching req through its operation. Reaching the limit, the
// timeout or an abort requested through progress ends the execution successfully with what
// was accumulated; only a cursor failure, or the cancellation of ctx, fails it. Errors and
// panics of the operation are counted per document and never fail the execution.
func (e *Engine) Execute(ctx context.Context, req Request, progress Progress) (*Outcome, error) {
	if !req.Operation.Valid() {
		return nil, ErrInvalidOperation
	}
	if progress == nil {
		progress = noopProgress{}
	}

	kind := req.Operation.Kind()
	ctx, span := tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("fingerprint", req.Fingerprint.String()),
		attribute.String("kind", kind.String()),
		attribute.String("collection", req.Collection),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()

	cursorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut, aborted atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	stopSync := e.syncAbort(progress, &aborted, cancel)
	defer stopSync()

	it, err := e.source.Find(cursorCtx, req.Collection, storage.FindOptions{
		Filter:      req.Filter,
		ReadOptions: req.ReadOptions,
		Order:       req.Order,
		BatchSize:   req.BatchSize,
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrCursor, err)
	}
	defer it.Stop()

	acc := newAccumulator(req.Operation, req.InitialValue)
	var scanned, docErrors int64

	reason := StopNone
	for reason == StopNone {
		switch {
		case aborted.Load():
			reason = StopAborted
			continue
		case timedOut.Load():
			reason = StopTimeout
			continue
		case req.Limit > 0 && scanned >= int64(req.Limit):
			reason = StopLimit
			continue
		}

		doc, err := it.Next(cursorCtx)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrIteratorDone):
				reason = StopExhausted
			case timedOut.Load():
				reason = StopTimeout
			case aborted.Load():
				reason = StopAborted
			default:
				telemetry.TraceError(span, err)
				return nil, fmt.Errorf("%w: %w", ErrCursor, err)
			}
			continue
		}

		scanned++
		progress.AddScanned(1)

		added, opErr := apply(cursorCtx, acc, doc)
		if opErr != nil {
			docErrors++
			progress.AddErrors(1)
			e.logger.DebugWithContext(ctx, "document operation failed",
				zap.String("fingerprint", req.Fingerprint.String()),
				zap.Error(opErr),
			)
			continue
		}
		if added {
			progress.AddResults(1)
		}
	}

	values := acc.result()
	if kind == query.KindReduce {
		progress.AddResults(1)
	}
	progress.SetStopReason(reason)

	outcome := &Outcome{
		Values:     values,
		Scanned:    scanned,
		Errors:     docErrors,
		StopReason: reason,
		Duration:   time.Since(start),
	}

	scannedDocumentsCounter.WithLabelValues(kind.String()).Add(float64(scanned))
	documentErrorsCounter.WithLabelValues(kind.String()).Add(float64(docErrors))
	executionDurationHistogram.WithLabelValues(kind.String(), string(reason)).Observe(float64(outcome.Duration.Milliseconds()))

	span.SetAttributes(
		attribute.Int64("scanned", scanned),
		attribute.Int64("document_errors", docErrors),
		attribute.String("stop_reason", string(reason)),
	)

	return outcome, nil
}

// apply runs the operation on doc, turning a panic into an error.
func apply(ctx context.Context, acc *accumulator, doc storage.Document) (added bool, err error) {
	recovered := panics.Try(func() {
		added, err = acc.step(ctx, doc)
	})
	if recovered != nil {
		return false, recovered.AsError()
	}

	return added, err
}

// syncAbort copies the abort flag of progress into aborted every abortSyncInterval and
// cancels the cursor once it is set. The returned func stops the sync.
func (e *Engine) syncAbort(progress Progress, aborted *atomic.Bool, cancel context.CancelFunc) func() {
	ticker := time.NewTicker(e.abortSyncInterval)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if progress.AbortRequested() {
					aborted.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
