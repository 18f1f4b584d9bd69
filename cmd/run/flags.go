package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/streamcache/streamcache/cmd/util"
)

// runFlagBindings maps every config key to the flag and the environment variables setting it.
var runFlagBindings = []util.Binding{
	{Key: "datastore.engine", Flag: "datastore-engine", Env: []string{"STREAMCACHE_DATASTORE_ENGINE"}},
	{Key: "datastore.uri", Flag: "datastore-uri", Env: []string{"STREAMCACHE_DATASTORE_URI"}},
	{Key: "datastore.username", Flag: "datastore-username", Env: []string{"STREAMCACHE_DATASTORE_USERNAME"}},
	{Key: "datastore.password", Flag: "datastore-password", Env: []string{"STREAMCACHE_DATASTORE_PASSWORD"}},
	{Key: "datastore.maxOpenConns", Flag: "datastore-max-open-conns", Env: []string{"STREAMCACHE_DATASTORE_MAX_OPEN_CONNS", "STREAMCACHE_DATASTORE_MAXOPENCONNS"}},
	{Key: "datastore.maxIdleConns", Flag: "datastore-max-idle-conns", Env: []string{"STREAMCACHE_DATASTORE_MAX_IDLE_CONNS", "STREAMCACHE_DATASTORE_MAXIDLECONNS"}},
	{Key: "datastore.connMaxIdleTime", Flag: "datastore-conn-max-idle-time", Env: []string{"STREAMCACHE_DATASTORE_CONN_MAX_IDLE_TIME", "STREAMCACHE_DATASTORE_CONNMAXIDLETIME"}},
	{Key: "datastore.connMaxLifetime", Flag: "datastore-conn-max-lifetime", Env: []string{"STREAMCACHE_DATASTORE_CONN_MAX_LIFETIME", "STREAMCACHE_DATASTORE_CONNMAXLIFETIME"}},
	{Key: "datastore.metrics.enabled", Flag: "datastore-metrics-enabled", Env: []string{"STREAMCACHE_DATASTORE_METRICS_ENABLED"}},

	{Key: "cache.engine", Flag: "cache-engine", Env: []string{"STREAMCACHE_CACHE_ENGINE"}},
	{Key: "cache.uri", Flag: "cache-uri", Env: []string{"STREAMCACHE_CACHE_URI"}},
	{Key: "cache.username", Flag: "cache-username", Env: []string{"STREAMCACHE_CACHE_USERNAME"}},
	{Key: "cache.password", Flag: "cache-password", Env: []string{"STREAMCACHE_CACHE_PASSWORD"}},
	{Key: "cache.ttl", Flag: "cache-ttl", Env: []string{"STREAMCACHE_CACHE_TTL"}},
	{Key: "cache.failFast", Flag: "cache-fail-fast", Env: []string{"STREAMCACHE_CACHE_FAIL_FAST", "STREAMCACHE_CACHE_FAILFAST"}},
	{Key: "cache.failedMarkerTTL", Flag: "cache-failed-marker-ttl", Env: []string{"STREAMCACHE_CACHE_FAILED_MARKER_TTL", "STREAMCACHE_CACHE_FAILEDMARKERTTL"}},
	{Key: "cache.compression", Flag: "cache-compression", Env: []string{"STREAMCACHE_CACHE_COMPRESSION"}},
	{Key: "cache.encryptionKey", Flag: "cache-encryption-key", Env: []string{"STREAMCACHE_CACHE_ENCRYPTION_KEY", "STREAMCACHE_CACHE_ENCRYPTIONKEY"}},
	{Key: "cache.maxEntries", Flag: "cache-max-entries", Env: []string{"STREAMCACHE_CACHE_MAX_ENTRIES", "STREAMCACHE_CACHE_MAXENTRIES"}},
	{Key: "cache.redis.addrs", Flag: "cache-redis-addrs", Env: []string{"STREAMCACHE_CACHE_REDIS_ADDRS"}},
	{Key: "cache.redis.db", Flag: "cache-redis-db", Env: []string{"STREAMCACHE_CACHE_REDIS_DB"}},
	{Key: "cache.redis.username", Flag: "cache-redis-username", Env: []string{"STREAMCACHE_CACHE_REDIS_USERNAME"}},
	{Key: "cache.redis.password", Flag: "cache-redis-password", Env: []string{"STREAMCACHE_CACHE_REDIS_PASSWORD"}},
	{Key: "cache.redis.keyPrefix", Flag: "cache-redis-key-prefix", Env: []string{"STREAMCACHE_CACHE_REDIS_KEY_PREFIX", "STREAMCACHE_CACHE_REDIS_KEYPREFIX"}},
	{Key: "cache.dynamodb.table", Flag: "cache-dynamodb-table", Env: []string{"STREAMCACHE_CACHE_DYNAMODB_TABLE"}},
	{Key: "cache.dynamodb.region", Flag: "cache-dynamodb-region", Env: []string{"STREAMCACHE_CACHE_DYNAMODB_REGION"}},
	{Key: "cache.dynamodb.endpoint", Flag: "cache-dynamodb-endpoint", Env: []string{"STREAMCACHE_CACHE_DYNAMODB_ENDPOINT"}},

	{Key: "execution.maxParallelExecutions", Flag: "execution-max-parallel-executions", Env: []string{"STREAMCACHE_EXECUTION_MAX_PARALLEL_EXECUTIONS", "STREAMCACHE_EXECUTION_MAXPARALLELEXECUTIONS"}},
	{Key: "execution.maxConcurrentFinds", Flag: "execution-max-concurrent-finds", Env: []string{"STREAMCACHE_EXECUTION_MAX_CONCURRENT_FINDS", "STREAMCACHE_EXECUTION_MAXCONCURRENTFINDS"}},
	{Key: "execution.batchSize", Flag: "execution-batch-size", Env: []string{"STREAMCACHE_EXECUTION_BATCH_SIZE", "STREAMCACHE_EXECUTION_BATCHSIZE"}},
	{Key: "execution.order", Flag: "execution-order", Env: []string{"STREAMCACHE_EXECUTION_ORDER"}},
	{Key: "execution.timeout", Flag: "execution-timeout", Env: []string{"STREAMCACHE_EXECUTION_TIMEOUT"}},
	{Key: "execution.pollInterval", Flag: "execution-poll-interval", Env: []string{"STREAMCACHE_EXECUTION_POLL_INTERVAL", "STREAMCACHE_EXECUTION_POLLINTERVAL"}},
	{Key: "execution.abortSyncInterval", Flag: "execution-abort-sync-interval", Env: []string{"STREAMCACHE_EXECUTION_ABORT_SYNC_INTERVAL", "STREAMCACHE_EXECUTION_ABORTSYNCINTERVAL"}},
	{Key: "execution.purgeInterval", Flag: "execution-purge-interval", Env: []string{"STREAMCACHE_EXECUTION_PURGE_INTERVAL", "STREAMCACHE_EXECUTION_PURGEINTERVAL"}},

	{Key: "grpc.enabled", Flag: "grpc-enabled", Env: []string{"STREAMCACHE_GRPC_ENABLED"}},
	{Key: "grpc.addr", Flag: "grpc-addr", Env: []string{"STREAMCACHE_GRPC_ADDR"}},

	{Key: "http.enabled", Flag: "http-enabled", Env: []string{"STREAMCACHE_HTTP_ENABLED"}},
	{Key: "http.addr", Flag: "http-addr", Env: []string{"STREAMCACHE_HTTP_ADDR"}},
	{Key: "http.corsAllowedOrigins", Flag: "http-cors-allowed-origins", Env: []string{"STREAMCACHE_HTTP_CORS_ALLOWED_ORIGINS", "STREAMCACHE_HTTP_CORSALLOWEDORIGINS"}},
	{Key: "http.corsAllowedHeaders", Flag: "http-cors-allowed-headers", Env: []string{"STREAMCACHE_HTTP_CORS_ALLOWED_HEADERS", "STREAMCACHE_HTTP_CORSALLOWEDHEADERS"}},

	{Key: "log.format", Flag: "log-format", Env: []string{"STREAMCACHE_LOG_FORMAT"}},
	{Key: "log.level", Flag: "log-level", Env: []string{"STREAMCACHE_LOG_LEVEL"}},

	{Key: "trace.enabled", Flag: "trace-enabled", Env: []string{"STREAMCACHE_TRACE_ENABLED"}},
	{Key: "trace.otlp.endpoint", Flag: "trace-otlp-endpoint", Env: []string{"STREAMCACHE_TRACE_OTLP_ENDPOINT"}},
	{Key: "trace.otlp.tls.enabled", Flag: "trace-otlp-tls-enabled", Env: []string{"STREAMCACHE_TRACE_OTLP_TLS_ENABLED"}},
	{Key: "trace.sampleRatio", Flag: "trace-sample-ratio", Env: []string{"STREAMCACHE_TRACE_SAMPLE_RATIO", "STREAMCACHE_TRACE_SAMPLERATIO"}},
	{Key: "trace.serviceName", Flag: "trace-service-name", Env: []string{"STREAMCACHE_TRACE_SERVICE_NAME", "STREAMCACHE_TRACE_SERVICENAME"}},
	{Key: "trace.tailLatency", Flag: "trace-tail-latency", Env: []string{"STREAMCACHE_TRACE_TAIL_LATENCY", "STREAMCACHE_TRACE_TAILLATENCY"}},

	{Key: "metrics.enabled", Flag: "metrics-enabled", Env: []string{"STREAMCACHE_METRICS_ENABLED"}},
	{Key: "metrics.addr", Flag: "metrics-addr", Env: []string{"STREAMCACHE_METRICS_ADDR"}},
}

// BindFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags. Config keys whose flag
// is not defined in flags are left to the config file and the environment.
func BindFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindAll(flags, runFlagBindings)
	}
}
