// Package coordinator decides, for every query, whether to serve a cached result, wait for an
// execution already in flight, or start a new execution, and exposes the introspection and
// control surface over running executions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/internal/registry"
	"github.com/streamcache/streamcache/pkg/encoder"
	"github.com/streamcache/streamcache/pkg/engine"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/telemetry"
)

var tracer = otel.Tracer("streamcache/pkg/coordinator")

// errStillRunning is returned by a poll attempt that did not find a settled entry.
var errStillRunning = errors.New("execution still running")

// Source tells where the values of a Result come from.
type Source string

const (
	// SourceCache is a completed cache entry.
	SourceCache Source = "cache"
	// SourceExecution is an execution started by the call.
	SourceExecution Source = "execution"
	// SourceAwaited is an execution started by another call, in this process or another one.
	SourceAwaited Source = "awaited"
	// SourcePending means the call did not wait: only the fingerprint is known.
	SourcePending Source = "pending"
)

// RunConfig holds the per-call settings of RunAndResolve.
type RunConfig struct {
	// BatchSize is the cursor page size; zero means storage.DefaultBatchSize.
	BatchSize int
	// Timeout bounds both the execution and the wait for an execution in flight; zero means
	// engine.DefaultTimeout.
	Timeout time.Duration
	// DontAwait returns the fingerprint without waiting for any result.
	DontAwait bool
	// NoCache skips completed cache entries. Executions in flight are still shared.
	NoCache bool
	// InitialValue is the starting accumulator of a reduce.
	InitialValue any
}

// Result is the outcome of RunAndResolve. Values is nil only for pending results; a completed
// query without matches has an empty, non-nil Values.
type Result struct {
	Fingerprint keys.Fingerprint `json:"fingerprint,string"`
	Values      []any            `json:"values"`
	Source      Source           `json:"source"`
}

func completed(fp keys.Fingerprint, values []any, source Source) *Result {
	if values == nil {
		values = []any{}
	}
	return completed(fp, values, source)
}

// Pending reports whether the call returned without a result.
func (r *Result) Pending() bool {
	return r.Source == SourcePending
}

// Coordinator dispatches queries against a shared cache store and runs executions on a
// worker pool, admitting at most a fixed number of executions at once without queueing.
type Coordinator struct {
	cache    storage.CacheStore
	source   storage.DocumentSource
	engine   *engine.Engine
	registry *registry.Registry
	codec    encoder.ResultCodec
	pool     *ants.Pool
	logger   logger.Logger

	instanceID        string
	maxParallel       int
	cacheTTL          time.Duration
	failFast          bool
	failedMarkerTTL   time.Duration
	pollInterval      time.Duration
	purgeInterval     time.Duration
	abortSyncInterval time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a Coordinator storing cache entries in cache and streaming documents from source.
func New(cache storage.CacheStore, source storage.DocumentSource, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cache:             cache,
		source:            source,
		registry:          registry.New(),
		codec:             encoder.NewJSONResultCodec(encoder.CompressionNone),
		logger:            logger.NewNoopLogger(),
		instanceID:        uuid.NewString(),
		maxParallel:       DefaultMaxParallelExecutions,
		cacheTTL:          DefaultCacheTTL,
		failedMarkerTTL:   DefaultFailedMarkerTTL,
		pollInterval:      DefaultPollInterval,
		purgeInterval:     DefaultPurgeInterval,
		abortSyncInterval: engine.DefaultAbortSyncInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if cache == nil {
		return nil, errors.New("a cache store is required")
	}
	if c.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", c.pollInterval)
	}

	// Admission is decided by the registry; a worker may still be returning to the pool after
	// its record was deregistered, so the pool itself is not capped.
	pool, err := ants.NewPool(-1,
		ants.WithPanicHandler(func(p any) {
			c.logger.Error("execution worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create execution pool: %w", err)
	}
	c.pool = pool

	c.engine = engine.New(source,
		engine.WithLogger(c.logger),
		engine.WithAbortSyncInterval(c.abortSyncInterval),
	)
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	return c, nil
}

// RunAndResolve serves d from the cache, waits for an execution of the same fingerprint in
// flight, or starts a new execution of op, and returns the result. With cfg.DontAwait the
// result only carries the fingerprint and any started execution continues in the background.
func (c *Coordinator) RunAndResolve(ctx context.Context, d query.Descriptor, op engine.Operation, cfg RunConfig) (*Result, error) {
	d, cfg, err := c.validate(d, op, cfg)
	if err != nil {
		return nil, err
	}

	fp := keys.ComputeFingerprint(d)

	ctx, span := tracer.Start(ctx, "coordinator.RunAndResolve", trace.WithAttributes(
		attribute.String("fingerprint", fp.String()),
		attribute.String("kind", d.Kind.String()),
		attribute.String("collection", d.Collection),
		attribute.Bool("dont_await", cfg.DontAwait),
		attribute.Bool("no_cache", cfg.NoCache),
	))
	defer span.End()

	res, err := c.dispatch(ctx, fp, d, op, cfg)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("source", string(res.Source)))
	return res, nil
}

func (c *Coordinator) dispatch(ctx context.Context, fp keys.Fingerprint, d query.Descriptor, op engine.Operation, cfg RunConfig) (*Result, error) {
	entry, err := c.cache.Get(ctx, fp)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		entry = nil
	case err != nil:
		return nil, fmt.Errorf("read cache entry %s: %w", fp, err)
	}

	if entry != nil {
		switch {
		case entry.Completed() && !cfg.NoCache:
			return c.serveCached(ctx, fp, entry, cfg)
		case entry.InProgress:
			return c.awaitInFlight(ctx, fp, cfg)
		}
	}

	return c.launch(ctx, fp, d, op, cfg)
}

func (c *Coordinator) serveCached(ctx context.Context, fp keys.Fingerprint, entry *storage.CacheEntry, cfg RunConfig) (*Result, error) {
	cacheHitCounter.Inc()
	if cfg.DontAwait {
		return &Result{Fingerprint: fp, Source: SourcePending}, nil
	}

	if err := c.cache.RenewExpiry(ctx, fp, c.cacheTTL); err != nil {
		c.logger.WarnWithContext(ctx, "failed to renew cache entry expiry",
			zap.Stringer("fingerprint", fp), zap.Error(err))
	}

	values, err := c.codec.Decode(entry.Result)
	if err != nil {
		return nil, fmt.Errorf("decode cached result %s: %w", fp, err)
	}

	return completed(fp, values, SourceCache), nil
}

// awaitInFlight waits on the local record of fp when this process runs it, and polls the
// cache store otherwise.
func (c *Coordinator) awaitInFlight(ctx context.Context, fp keys.Fingerprint, cfg RunConfig) (*Result, error) {
	if cfg.DontAwait {
		return &Result{Fingerprint: fp, Source: SourcePending}, nil
	}

	var (
		values []any
		err    error
	)
	if rec, ok := c.registry.Get(fp); ok {
		awaitedCounter.WithLabelValues("local").Inc()
		values, err = c.awaitLocal(ctx, rec, cfg.Timeout)
	} else {
		awaitedCounter.WithLabelValues("remote").Inc()
		values, err = c.poll(ctx, fp, cfg.Timeout)
	}
	if err != nil {
		return nil, err
	}

	return completed(fp, values, SourceAwaited), nil
}

func (c *Coordinator) awaitLocal(ctx context.Context, rec *registry.Record, timeout time.Duration) ([]any, error) {
	waitCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrWaitTimeout)
	defer cancel()

	values, err := rec.Wait(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(waitCtx), ErrWaitTimeout) {
		waitTimeoutsCounter.Inc()
		return nil, fmt.Errorf("%w: fingerprint %s after %s", ErrWaitTimeout, rec.Fingerprint, timeout)
	}

	return values, err
}

// poll reads the entry of fp once per poll interval, for at most ceil(timeout/interval)
// attempts, until it holds a result or a failed marker.
func (c *Coordinator) poll(ctx context.Context, fp keys.Fingerprint, timeout time.Duration) ([]any, error) {
	attempts := uint64(math.Ceil(float64(timeout) / float64(c.pollInterval)))
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), attempts-1),
		ctx,
	)

	var values []any
	err := backoff.Retry(func() error {
		entry, err := c.cache.GetCompleted(ctx, fp)
		if errors.Is(err, storage.ErrNotFound) {
			return errStillRunning
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read cache entry %s: %w", fp, err))
		}
		if entry.Failed {
			return backoff.Permanent(fmt.Errorf("%w: fingerprint %s", ErrExecutionFailed, fp))
		}

		values, err = c.codec.Decode(entry.Result)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decode cached result %s: %w", fp, err))
		}
		return nil
	}, b)

	if errors.Is(err, errStillRunning) {
		waitTimeoutsCounter.Inc()
		return nil, fmt.Errorf("%w: fingerprint %s after %d attempts", ErrWaitTimeout, fp, attempts)
	}

	return values, err
}

func (c *Coordinator) launch(ctx context.Context, fp keys.Fingerprint, d query.Descriptor, op engine.Operation, cfg RunConfig) (*Result, error) {
	rec := registry.NewRecord(fp, d, cfg.Timeout)

	running, err := c.registry.TryRegister(rec, c.maxParallel)
	switch {
	case errors.Is(err, registry.ErrAlreadyRunning):
		if cfg.DontAwait {
			return &Result{Fingerprint: fp, Source: SourcePending}, nil
		}
		awaitedCounter.WithLabelValues("local").Inc()
		values, err := c.awaitLocal(ctx, running, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return completed(fp, values, SourceAwaited), nil
	case errors.Is(err, registry.ErrFull):
		capacityRejectionsCounter.Inc()
		return nil, &CapacityError{Fingerprint: fp, Limit: c.maxParallel}
	case err != nil:
		return nil, err
	}

	// A local execution of fp may have completed between the first read and the registration.
	if !cfg.NoCache {
		entry, err := c.cache.GetCompleted(ctx, fp)
		if err == nil && entry.Completed() {
			c.registry.Deregister(rec)
			return c.serveCached(ctx, fp, entry, cfg)
		}
	}

	err = c.cache.BeginInProgress(ctx, fp, c.instanceID, c.inProgressTTL(cfg.Timeout))
	if err != nil {
		c.registry.Deregister(rec)
		if errors.Is(err, storage.ErrCollision) {
			// another process won the race for fp
			return c.awaitInFlight(ctx, fp, cfg)
		}
		return nil, fmt.Errorf("mark cache entry %s in progress: %w", fp, err)
	}

	req := engine.Request{
		Fingerprint:  fp,
		Collection:   d.Collection,
		Filter:       d.Filter,
		ReadOptions:  d.ReadOptions,
		Order:        d.Order,
		BatchSize:    cfg.BatchSize,
		Timeout:      cfg.Timeout,
		Limit:        d.Limit,
		Operation:    op,
		InitialValue: cfg.InitialValue,
	}

	// The execution outlives the call; only Close cancels it.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.bgCtx, cancel)

	runningExecutionsGauge.Inc()
	err = c.pool.Submit(func() {
		defer cancel()
		defer stop()
		c.execute(execCtx, rec, req, cfg.DontAwait)
	})
	if err != nil {
		runningExecutionsGauge.Dec()
		stop()
		cancel()
		c.registry.Deregister(rec)
		if derr := c.cache.Delete(context.WithoutCancel(ctx), fp); derr != nil {
			c.logger.ErrorWithContext(ctx, "failed to delete cache entry of rejected execution",
				zap.Stringer("fingerprint", fp), zap.Error(derr))
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("submit execution %s: %w", fp, err)
	}

	executionsStartedCounter.Inc()

	if cfg.DontAwait {
		return &Result{Fingerprint: fp, Source: SourcePending}, nil
	}

	values, err := rec.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return completed(fp, values, SourceExecution), nil
}

// inProgressTTL keeps an in-progress entry alive for at least the execution timeout plus one
// poll, so that it never expires under a running execution.
func (c *Coordinator) inProgressTTL(timeout time.Duration) time.Duration {
	return max(c.cacheTTL, timeout+c.pollInterval)
}

func (c *Coordinator) execute(ctx context.Context, rec *registry.Record, req engine.Request, dontAwait bool) {
	defer runningExecutionsGauge.Dec()

	fp := rec.Fingerprint
	log := c.logger.With(zap.Stringer("fingerprint", fp), zap.String("execution_id", rec.ID.String()))

	outcome, err := c.engine.Execute(ctx, req, rec)
	if err != nil {
		c.settleFailure(ctx, log, rec, err, dontAwait)
		return
	}

	data, err := c.codec.Encode(outcome.Values)
	if err == nil {
		err = c.cache.Complete(ctx, fp, data, c.cacheTTL)
	}
	if err != nil {
		// the result still reaches local waiters; the entry must not stay in progress
		log.ErrorWithContext(ctx, "failed to store execution result", zap.Error(err))
		if derr := c.cache.Delete(context.WithoutCancel(ctx), fp); derr != nil {
			log.ErrorWithContext(ctx, "failed to delete cache entry", zap.Error(derr))
		}
	}

	c.registry.Deregister(rec)
	rec.Settle(outcome.Values, nil)
	executionsSettledCounter.WithLabelValues("succeeded").Inc()

	if dontAwait {
		log.InfoWithContext(ctx, "background execution completed",
			zap.Int64("scanned", outcome.Scanned),
			zap.Int64("errors", outcome.Errors),
			zap.Int("results", len(outcome.Values)),
			zap.String("stop_reason", string(outcome.StopReason)),
			zap.Duration("duration", outcome.Duration),
		)
	}
}

func (c *Coordinator) settleFailure(ctx context.Context, log logger.Logger, rec *registry.Record, err error, dontAwait bool) {
	fp := rec.Fingerprint
	cleanupCtx := context.WithoutCancel(ctx)

	if c.failFast {
		if ferr := c.cache.Fail(cleanupCtx, fp, c.failedMarkerTTL); ferr != nil {
			log.ErrorWithContext(ctx, "failed to write failed marker", zap.Error(ferr))
		}
	} else if derr := c.cache.Delete(cleanupCtx, fp); derr != nil {
		log.ErrorWithContext(ctx, "failed to delete cache entry", zap.Error(derr))
	}

	c.registry.Deregister(rec)
	rec.Settle(nil, fmt.Errorf("%w: fingerprint %s: %w", ErrExecutionFailed, fp, err))
	executionsSettledCounter.WithLabelValues("failed").Inc()

	if dontAwait {
		log.ErrorWithContext(ctx, "background execution failed", zap.Error(err))
	} else {
		log.WarnWithContext(ctx, "execution failed", zap.Error(err))
	}
}

// ListRunningQueries returns snapshots of the executions running in this process.
func (c *Coordinator) ListRunningQueries() []registry.Snapshot {
	return c.registry.Snapshots()
}

// RequestAbort asks the execution of fp running in this process to stop. It reports whether
// such an execution was found.
func (c *Coordinator) RequestAbort(fp keys.Fingerprint) bool {
	found := c.registry.RequestAbort(fp)
	if found {
		c.logger.Info("abort requested", zap.Stringer("fingerprint", fp))
	}
	return found
}

// GetCachedResult returns the completed result of fp, or storage.ErrNotFound when there is
// none.
func (c *Coordinator) GetCachedResult(ctx context.Context, fp keys.Fingerprint) ([]any, error) {
	entry, err := c.cache.GetCompleted(ctx, fp)
	if err != nil {
		return nil, err
	}
	if !entry.Completed() {
		return nil, storage.ErrNotFound
	}

	return c.codec.Decode(entry.Result)
}

// Invalidate deletes the cache entry of fp unconditionally.
func (c *Coordinator) Invalidate(ctx context.Context, fp keys.Fingerprint) error {
	if err := c.cache.Delete(ctx, fp); err != nil {
		return fmt.Errorf("invalidate %s: %w", fp, err)
	}

	c.logger.InfoWithContext(ctx, "cache entry invalidated", zap.Stringer("fingerprint", fp))
	return nil
}

// RunPurger removes expired entries every purge interval until ctx is done, when the cache
// store has no native expiry. It returns immediately otherwise.
func (c *Coordinator) RunPurger(ctx context.Context) error {
	purger, ok := c.cache.(storage.Purger)
	if !ok || c.purgeInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(c.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.WarnWithContext(ctx, "failed to purge expired cache entries", zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.DebugWithContext(ctx, "purged expired cache entries", zap.Int64("count", n))
			}
		}
	}
}

// Close cancels the running executions and waits for them to settle.
func (c *Coordinator) Close() error {
	c.bgCancel()
	return c.pool.ReleaseTimeout(closeTimeout)
}

func (c *Coordinator) validate(d query.Descriptor, op engine.Operation, cfg RunConfig) (query.Descriptor, RunConfig, error) {
	if c.source == nil {
		return d, cfg, &ValidationError{Argument: "documentSource", Reason: "a document source supporting find is required"}
	}
	if !d.Kind.Valid() {
		return d, cfg, &ValidationError{Argument: "kind", Reason: fmt.Sprintf("unknown operation kind '%s'", d.Kind)}
	}
	if !op.Valid() {
		return d, cfg, &ValidationError{Argument: "operation", Reason: "a document operation is required"}
	}
	if op.Kind() != d.Kind {
		return d, cfg, &ValidationError{Argument: "operation", Reason: fmt.Sprintf("operation is a %s, descriptor requests a %s", op.Kind(), d.Kind)}
	}
	if d.Collection == "" {
		return d, cfg, &ValidationError{Argument: "collection", Reason: "a collection name is required"}
	}
	if _, err := query.Compile(d.Filter); err != nil {
		return d, cfg, &ValidationError{Argument: "filter", Reason: err.Error()}
	}
	if _, err := query.CompileReadOptions(d.ReadOptions); err != nil {
		return d, cfg, &ValidationError{Argument: "readOptions", Reason: err.Error()}
	}

	if d.Order == 0 {
		d.Order = query.DefaultOrder
	}
	if !d.Order.Valid() {
		return d, cfg, &ValidationError{Argument: "order", Reason: "order must be 1 or -1"}
	}
	if d.Limit < 0 {
		return d, cfg, &ValidationError{Argument: "limit", Reason: "limit must not be negative"}
	}
	if cfg.BatchSize < 0 {
		return d, cfg, &ValidationError{Argument: "batchSize", Reason: "batch size must not be negative"}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = storage.DefaultBatchSize
	}
	if cfg.Timeout < 0 {
		return d, cfg, &ValidationError{Argument: "timeout", Reason: "timeout must not be negative"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = engine.DefaultTimeout
	}

	return d, cfg, nil
}
