package storagewrappers

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/telemetry"
)

var (
	_ storage.CacheStore       = (*InstrumentedCacheStore)(nil)
	_ storage.ReadinessChecker = (*InstrumentedCacheStore)(nil)
	_ storage.Purger           = (*instrumentedPurgingCacheStore)(nil)
)

// InstrumentedCacheStore traces every call to the wrapped cache store and records its latency
// and outcome.
type InstrumentedCacheStore struct {
	storage.CacheStore
	engine string
}

type instrumentedPurgingCacheStore struct {
	*InstrumentedCacheStore
	purger storage.Purger
}

// NewInstrumentedCacheStore wraps cs; engine labels the metrics and spans. The returned store
// implements [storage.Purger] exactly when cs does.
func NewInstrumentedCacheStore(cs storage.CacheStore, engine string) storage.CacheStore {
	wrapped := &InstrumentedCacheStore{CacheStore: cs, engine: engine}
	if purger, ok := cs.(storage.Purger); ok {
		return &instrumentedPurgingCacheStore{InstrumentedCacheStore: wrapped, purger: purger}
	}
	return wrapped
}

func (s *InstrumentedCacheStore) observe(ctx context.Context, operation string, key keys.Fingerprint) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "cachestore."+operation, trace.WithAttributes(
		attribute.String("engine", s.engine),
		attribute.String("fingerprint", key.String()),
	))
	start := time.Now()

	return ctx, func(err error) {
		status := "ok"
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			status = "not_found"
		case errors.Is(err, storage.ErrCollision):
			status = "collision"
		default:
			status = "error"
			telemetry.TraceError(span, err)
		}

		cacheStoreDurationHistogram.WithLabelValues(s.engine, operation, status).
			Observe(float64(time.Since(start).Milliseconds()))
		span.End()
	}
}

// Get see [storage.CacheStore.Get].
func (s *InstrumentedCacheStore) Get(ctx context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, done := s.observe(ctx, "get", key)
	entry, err := s.CacheStore.Get(ctx, key)
	done(err)
	return entry, err
}

// GetCompleted see [storage.CacheStore.GetCompleted].
func (s *InstrumentedCacheStore) GetCompleted(ctx context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, done := s.observe(ctx, "get_completed", key)
	entry, err := s.CacheStore.GetCompleted(ctx, key)
	done(err)
	return entry, err
}

// BeginInProgress see [storage.CacheStore.BeginInProgress].
func (s *InstrumentedCacheStore) BeginInProgress(ctx context.Context, key keys.Fingerprint, owner string, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "begin_in_progress", key)
	err := s.CacheStore.BeginInProgress(ctx, key, owner, ttl)
	done(err)
	return err
}

// Complete see [storage.CacheStore.Complete].
func (s *InstrumentedCacheStore) Complete(ctx context.Context, key keys.Fingerprint, result []byte, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "complete", key)
	err := s.CacheStore.Complete(ctx, key, result, ttl)
	done(err)
	return err
}

// Fail see [storage.CacheStore.Fail].
func (s *InstrumentedCacheStore) Fail(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "fail", key)
	err := s.CacheStore.Fail(ctx, key, ttl)
	done(err)
	return err
}

// Delete see [storage.CacheStore.Delete].
func (s *InstrumentedCacheStore) Delete(ctx context.Context, key keys.Fingerprint) error {
	ctx, done := s.observe(ctx, "delete", key)
	err := s.CacheStore.Delete(ctx, key)
	done(err)
	return err
}

// RenewExpiry see [storage.CacheStore.RenewExpiry].
func (s *InstrumentedCacheStore) RenewExpiry(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "renew_expiry", key)
	err := s.CacheStore.RenewExpiry(ctx, key, ttl)
	done(err)
	return err
}

// IsReady reports the readiness of the wrapped store, or ready when it cannot tell.
func (s *InstrumentedCacheStore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if checker, ok := s.CacheStore.(storage.ReadinessChecker); ok {
		return checker.IsReady(ctx)
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// PurgeExpired see [storage.Purger.PurgeExpired].
func (s *instrumentedPurgingCacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "cachestore.purge_expired", trace.WithAttributes(
		attribute.String("engine", s.engine),
	))
	defer span.End()

	start := time.Now()
	n, err := s.purger.PurgeExpired(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		telemetry.TraceError(span, err)
	}
	span.SetAttributes(attribute.Int64("purged", n))
	cacheStoreDurationHistogram.WithLabelValues(s.engine, "purge_expired", status).
		Observe(float64(time.Since(start).Milliseconds()))

	return n, err
}
