// Package config contains the streamcache configuration, its defaults and its validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/streamcache/streamcache/pkg/encoder"
	"github.com/streamcache/streamcache/pkg/query"
)

const (
	DefaultMaxParallelExecutions = 10
	DefaultMaxConcurrentFinds    = 30
	DefaultBatchSize             = 512
	DefaultOrder                 = int(query.DefaultOrder)
	DefaultExecutionTimeout      = 180 * time.Second
	DefaultPollInterval          = time.Second
	DefaultAbortSyncInterval     = 5 * time.Millisecond
	DefaultPurgeInterval         = time.Minute

	DefaultCacheTTL        = time.Hour
	DefaultFailedMarkerTTL = 10 * time.Second
	DefaultMaxCacheEntries = 10000

	DefaultDynamoDBTableName = "streamcache-cache"
	DefaultRedisKeyPrefix    = "streamcache:cache:"
)

var (
	datastoreEngines = []string{"memory", "sqlite", "postgres", "mysql"}
	cacheEngines     = []string{"memory", "sqlite", "postgres", "mysql", "redis", "dynamodb"}
	logLevels        = []string{"none", "debug", "info", "warn", "error", "panic", "fatal"}
)

type DatastoreMetricsConfig struct {
	// Enabled enables export of the database connection pool metrics.
	Enabled bool
}

// DatastoreConfig configures the document store executions stream from.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite', 'postgres', 'mysql')
	Engine   string
	URI      string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	// Metrics is configuration for the Datastore metrics.
	Metrics DatastoreMetricsConfig
}

type RedisConfig struct {
	// Addrs is a comma separated list of redis addresses; more than one selects a cluster client.
	Addrs     string
	DB        int
	Username  string
	Password  string
	KeyPrefix string
}

type DynamoDBConfig struct {
	Table    string
	Region   string
	Endpoint string
}

// CacheConfig configures the store of cache entries shared by every streamcache process.
type CacheConfig struct {
	// Engine is one of the datastore engines, 'redis' or 'dynamodb'. A SQL engine with an
	// empty URI shares the datastore's database.
	Engine   string
	URI      string
	Username string
	Password string

	// TTL is how long a completed result is kept. Every cache hit renews it.
	TTL time.Duration

	// FailFast leaves a failed marker for FailedMarkerTTL when an execution fails, instead of
	// deleting the entry, so that other processes waiting for it fail immediately.
	FailFast        bool
	FailedMarkerTTL time.Duration

	// Compression of stored results: 'none', 'lz4' or 'zstd'.
	Compression string

	// EncryptionKey, when set, seals stored results with AES-GCM under a key derived from it.
	// Every process sharing the cache must use the same key.
	EncryptionKey string

	// MaxEntries caps the in-memory cache engine.
	MaxEntries int64

	Redis    RedisConfig
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

// ExecutionConfig holds the coordination and streaming knobs.
type ExecutionConfig struct {
	// MaxParallelExecutions is the number of executions one process runs at once. Calls beyond
	// it are rejected, never queued.
	MaxParallelExecutions int

	// MaxConcurrentFinds caps the cursors open at once against the datastore.
	MaxConcurrentFinds uint32

	// BatchSize, Order and Timeout are the defaults of calls that leave them unset.
	BatchSize int
	Order     int
	Timeout   time.Duration

	PollInterval      time.Duration
	AbortSyncInterval time.Duration
	PurgeInterval     time.Duration
}

// GRPCConfig configures the gRPC server answering the standard health checking protocol.
type GRPCConfig struct {
	Enabled bool
	Addr    string
}

// HTTPConfig defines configurations for the HTTP admin surface.
type HTTPConfig struct {
	Enabled bool
	Addr    string

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// LogConfig defines log specific settings. For production we recommend using the 'json' log
// format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string

	// TailLatency, when positive, only exports the traces whose root span lasted at least as
	// long.
	TailLatency time.Duration
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines configurations for serving prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Datastore DatastoreConfig
	Cache     CacheConfig
	Execution ExecutionConfig
	GRPC      GRPCConfig `mapstructure:"grpc"`
	HTTP      HTTPConfig
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if !slices.Contains(datastoreEngines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %q", datastoreEngines)
	}
	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' must be set for engine '%s'", cfg.Datastore.Engine)
	}

	if !slices.Contains(cacheEngines, cfg.Cache.Engine) {
		return fmt.Errorf("config 'cache.engine' must be one of %q", cacheEngines)
	}
	if cfg.Cache.Engine == "memory" && cfg.Cache.MaxEntries <= 0 {
		return errors.New("config 'cache.maxEntries' must be positive")
	}
	if cfg.Cache.Engine == "redis" && cfg.Cache.Redis.Addrs == "" {
		return errors.New("config 'cache.redis.addrs' must be set for the redis cache engine")
	}
	if cfg.Cache.Engine == "dynamodb" && cfg.Cache.DynamoDB.Table == "" {
		return errors.New("config 'cache.dynamodb.table' must be set for the dynamodb cache engine")
	}
	if slices.Contains(datastoreEngines, cfg.Cache.Engine) && cfg.Cache.Engine != "memory" &&
		cfg.Cache.URI == "" && cfg.Cache.Engine != cfg.Datastore.Engine {
		return fmt.Errorf("config 'cache.uri' must be set when the cache engine '%s' differs from the datastore engine", cfg.Cache.Engine)
	}

	if cfg.Cache.TTL <= 0 {
		return errors.New("config 'cache.ttl' must be a positive duration")
	}
	if cfg.Cache.FailFast && cfg.Cache.FailedMarkerTTL <= 0 {
		return errors.New("config 'cache.failedMarkerTTL' must be a positive duration")
	}
	if _, err := encoder.ParseCompression(cfg.Cache.Compression); err != nil {
		return fmt.Errorf("config 'cache.compression': %w", err)
	}

	if cfg.Execution.MaxParallelExecutions <= 0 {
		return errors.New("config 'execution.maxParallelExecutions' must be a positive integer")
	}
	if cfg.Execution.MaxConcurrentFinds == 0 {
		return errors.New("config 'execution.maxConcurrentFinds' must be a positive integer")
	}
	if cfg.Execution.BatchSize <= 0 {
		return errors.New("config 'execution.batchSize' must be a positive integer")
	}
	if !query.Order(cfg.Execution.Order).Valid() {
		return errors.New("config 'execution.order' must be 1 or -1")
	}
	if cfg.Execution.Timeout <= 0 {
		return errors.New("config 'execution.timeout' must be a positive duration")
	}
	if cfg.Execution.PollInterval <= 0 {
		return errors.New("config 'execution.pollInterval' must be a positive duration")
	}
	if cfg.Execution.AbortSyncInterval <= 0 {
		return errors.New("config 'execution.abortSyncInterval' must be a positive duration")
	}

	if cfg.GRPC.Enabled && cfg.HTTP.Enabled && cfg.GRPC.Addr == cfg.HTTP.Addr {
		return errors.New("configs 'grpc.addr' and 'http.addr' must differ")
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxIdleConns: 10,
			MaxOpenConns: 30,
		},
		Cache: CacheConfig{
			Engine:          "memory",
			TTL:             DefaultCacheTTL,
			FailedMarkerTTL: DefaultFailedMarkerTTL,
			Compression:     "none",
			MaxEntries:      DefaultMaxCacheEntries,
			Redis: RedisConfig{
				KeyPrefix: DefaultRedisKeyPrefix,
			},
			DynamoDB: DynamoDBConfig{
				Table: DefaultDynamoDBTableName,
			},
		},
		Execution: ExecutionConfig{
			MaxParallelExecutions: DefaultMaxParallelExecutions,
			MaxConcurrentFinds:    DefaultMaxConcurrentFinds,
			BatchSize:             DefaultBatchSize,
			Order:                 DefaultOrder,
			Timeout:               DefaultExecutionTimeout,
			PollInterval:          DefaultPollInterval,
			AbortSyncInterval:     DefaultAbortSyncInterval,
			PurgeInterval:         DefaultPurgeInterval,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Addr:    "0.0.0.0:8081",
		},
		HTTP: HTTPConfig{
			Enabled:            true,
			Addr:               "0.0.0.0:8080",
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "streamcache",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
	}
}

// MustDefaultConfig returns default config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns default config but with random ports for the grpc and
// http addresses and with metrics turned off.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	grpcPort, grpcPortReleaser := TCPRandomPort()
	defer grpcPortReleaser()
	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()

	config.GRPC.Addr = fmt.Sprintf("127.0.0.1:%d", grpcPort)
	config.HTTP.Addr = fmt.Sprintf("127.0.0.1:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it
// returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to
// listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
