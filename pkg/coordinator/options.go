package coordinator

import (
	"time"

	"github.com/streamcache/streamcache/pkg/encoder"
	"github.com/streamcache/streamcache/pkg/logger"
)

const (
	DefaultMaxParallelExecutions = 10
	DefaultCacheTTL              = time.Hour
	DefaultFailedMarkerTTL       = 10 * time.Second
	DefaultPollInterval          = time.Second
	DefaultPurgeInterval         = time.Minute

	// closeTimeout bounds how long Close waits for running executions to settle.
	closeTimeout = 10 * time.Second
)

type Option func(*Coordinator)

func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMaxParallelExecutions sets the number of executions this process runs at once. Calls
// beyond it fail with a CapacityError. Zero or less means unbounded.
func WithMaxParallelExecutions(n int) Option {
	return func(c *Coordinator) {
		c.maxParallel = n
	}
}

// WithCacheTTL sets how long a completed result stays cached. Every cache hit renews it.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.cacheTTL = ttl
	}
}

// WithFailFast makes a failed execution leave a failed marker for ttl instead of deleting its
// entry, so that processes polling for it fail immediately.
func WithFailFast(enabled bool, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.failFast = enabled
		if ttl > 0 {
			c.failedMarkerTTL = ttl
		}
	}
}

// WithPollInterval sets the cadence at which the store is polled for an execution running in
// another process.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = d
	}
}

// WithPurgeInterval sets how often RunPurger removes expired entries.
func WithPurgeInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.purgeInterval = d
	}
}

func WithResultCodec(codec encoder.ResultCodec) Option {
	return func(c *Coordinator) {
		c.codec = codec
	}
}

// WithAbortSyncInterval sets how often running executions observe abort requests.
func WithAbortSyncInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.abortSyncInterval = d
	}
}

// WithInstanceID sets the owner recorded on in-progress entries. It defaults to a random UUID.
func WithInstanceID(id string) Option {
	return func(c *Coordinator) {
		c.instanceID = id
	}
}
