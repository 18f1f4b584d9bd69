package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
	require.NoError(t, MustDefaultConfigWithRandomPorts().Verify())
}

func TestVerifyConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		err    string
	}{
		{
			name:   "unknown_log_format",
			mutate: func(cfg *Config) { cfg.Log.Format = "xml" },
			err:    "config 'log.format' must be one of ['text', 'json']",
		},
		{
			name:   "unknown_log_level",
			mutate: func(cfg *Config) { cfg.Log.Level = "trace" },
			err:    "config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		},
		{
			name:   "unknown_datastore_engine",
			mutate: func(cfg *Config) { cfg.Datastore.Engine = "mongo" },
			err:    `config 'datastore.engine' must be one of ["memory" "sqlite" "postgres" "mysql"]`,
		},
		{
			name:   "datastore_uri_required",
			mutate: func(cfg *Config) { cfg.Datastore.Engine = "postgres" },
			err:    "config 'datastore.uri' must be set for engine 'postgres'",
		},
		{
			name:   "redis_addrs_required",
			mutate: func(cfg *Config) { cfg.Cache.Engine = "redis" },
			err:    "config 'cache.redis.addrs' must be set for the redis cache engine",
		},
		{
			name:   "dynamodb_table_required",
			mutate: func(cfg *Config) { cfg.Cache.Engine = "dynamodb"; cfg.Cache.DynamoDB.Table = "" },
			err:    "config 'cache.dynamodb.table' must be set for the dynamodb cache engine",
		},
		{
			name:   "sql_cache_uri_required",
			mutate: func(cfg *Config) { cfg.Cache.Engine = "mysql" },
			err:    "config 'cache.uri' must be set when the cache engine 'mysql' differs from the datastore engine",
		},
		{
			name:   "unknown_compression",
			mutate: func(cfg *Config) { cfg.Cache.Compression = "gzip" },
			err:    "config 'cache.compression': unknown compression 'gzip'",
		},
		{
			name:   "failed_marker_ttl",
			mutate: func(cfg *Config) { cfg.Cache.FailFast = true; cfg.Cache.FailedMarkerTTL = 0 },
			err:    "config 'cache.failedMarkerTTL' must be a positive duration",
		},
		{
			name:   "max_parallel_executions",
			mutate: func(cfg *Config) { cfg.Execution.MaxParallelExecutions = 0 },
			err:    "config 'execution.maxParallelExecutions' must be a positive integer",
		},
		{
			name:   "order",
			mutate: func(cfg *Config) { cfg.Execution.Order = 0 },
			err:    "config 'execution.order' must be 1 or -1",
		},
		{
			name:   "poll_interval",
			mutate: func(cfg *Config) { cfg.Execution.PollInterval = -time.Second },
			err:    "config 'execution.pollInterval' must be a positive duration",
		},
		{
			name:   "grpc_and_http_share_an_address",
			mutate: func(cfg *Config) { cfg.GRPC.Addr = cfg.HTTP.Addr },
			err:    "configs 'grpc.addr' and 'http.addr' must differ",
		},
		{
			name:   "sample_ratio",
			mutate: func(cfg *Config) { cfg.Trace.Enabled = true; cfg.Trace.SampleRatio = 2 },
			err:    "config 'trace.sampleRatio' must be between 0 and 1",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)

			require.EqualError(t, cfg.Verify(), test.err)
		})
	}
}

func TestVerifyConfigSharedSQLEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Datastore.Engine = "postgres"
	cfg.Datastore.URI = "postgres://localhost:5432/streamcache"
	cfg.Cache.Engine = "postgres"

	require.NoError(t, cfg.Verify())
}
