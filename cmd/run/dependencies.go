package run

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/streamcache/streamcache/pkg/config"
	"github.com/streamcache/streamcache/pkg/coordinator"
	"github.com/streamcache/streamcache/pkg/encoder"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/dynamodb"
	"github.com/streamcache/streamcache/pkg/storage/memory"
	"github.com/streamcache/streamcache/pkg/storage/mysql"
	"github.com/streamcache/streamcache/pkg/storage/postgres"
	"github.com/streamcache/streamcache/pkg/storage/redis"
	"github.com/streamcache/streamcache/pkg/storage/sqlcommon"
	"github.com/streamcache/streamcache/pkg/storage/sqlite"
	"github.com/streamcache/streamcache/pkg/storage/storagewrappers"
)

// sqlStore is what every SQL engine provides: documents and cache entries in one database.
type sqlStore interface {
	storage.DocumentStore
	storage.CacheStore
	storage.ReadinessChecker
}

// Dependencies are the stores and the coordinator a streamcache process runs on.
type Dependencies struct {
	Datastore   storage.DocumentStore
	Cache       storage.CacheStore
	Coordinator *coordinator.Coordinator

	closers []func()
}

// Close stops the coordinator and releases the stores.
func (d *Dependencies) Close(log logger.Logger) {
	if d.Coordinator != nil {
		if err := d.Coordinator.Close(); err != nil {
			log.Warn("failed to stop the coordinator", zap.Error(err))
		}
	}

	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// ReadinessCheckers returns the stores able to report their readiness, by name.
func (d *Dependencies) ReadinessCheckers() map[string]storage.ReadinessChecker {
	checkers := make(map[string]storage.ReadinessChecker)
	if checker, ok := d.Datastore.(storage.ReadinessChecker); ok {
		checkers["datastore"] = checker
	}
	if checker, ok := d.Cache.(storage.ReadinessChecker); ok {
		checkers["cache"] = checker
	}

	return checkers
}

func sqlConfig(datastore config.DatastoreConfig, username, password string, log logger.Logger) *sqlcommon.Config {
	opts := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(username),
		sqlcommon.WithPassword(password),
		sqlcommon.WithLogger(log),
		sqlcommon.WithMaxOpenConns(datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(datastore.ConnMaxLifetime),
	}

	if datastore.Metrics.Enabled {
		opts = append(opts, sqlcommon.WithMetrics())
	}

	return sqlcommon.NewConfig(opts...)
}

func openSQLStore(engine, uri string, cfg *sqlcommon.Config) (sqlStore, error) {
	switch engine {
	case "sqlite":
		ds, err := sqlite.New(uri, cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
		return ds, nil
	case "postgres":
		ds, err := postgres.New(uri, cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
		return ds, nil
	case "mysql":
		ds, err := mysql.New(uri, cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize mysql datastore: %w", err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}

func (d *Dependencies) datastoreConfig(cfg *config.Config, log logger.Logger) error {
	if cfg.Datastore.Engine == "memory" {
		d.Datastore = memory.New()
		return nil
	}

	ds, err := openSQLStore(cfg.Datastore.Engine, cfg.Datastore.URI,
		sqlConfig(cfg.Datastore, cfg.Datastore.Username, cfg.Datastore.Password, log))
	if err != nil {
		return err
	}

	d.Datastore = ds
	d.closers = append(d.closers, ds.Close)
	return nil
}

func (d *Dependencies) cacheStoreConfig(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	cacheCfg := cfg.Cache

	switch cacheCfg.Engine {
	case "memory":
		cache, err := memory.NewCacheStore(memory.WithMaxCacheEntries(cacheCfg.MaxEntries))
		if err != nil {
			return fmt.Errorf("initialize memory cache store: %w", err)
		}
		d.Cache = cache
	case "redis":
		cache, err := redis.New(
			redis.WithAddr(cacheCfg.Redis.Addrs),
			redis.WithUserCredential(cacheCfg.Redis.Username),
			redis.WithPassCredential(cacheCfg.Redis.Password),
			redis.WithDatabase(cacheCfg.Redis.DB),
			redis.WithKeyPrefix(cacheCfg.Redis.KeyPrefix),
		)
		if err != nil {
			return fmt.Errorf("initialize redis cache store: %w", err)
		}
		d.Cache = cache
	case "dynamodb":
		cache, err := dynamodb.New(ctx,
			dynamodb.WithTableName(cacheCfg.DynamoDB.Table),
			dynamodb.WithRegion(cacheCfg.DynamoDB.Region),
			dynamodb.WithEndpoint(cacheCfg.DynamoDB.Endpoint),
		)
		if err != nil {
			return fmt.Errorf("initialize dynamodb cache store: %w", err)
		}
		d.Cache = cache
	default:
		if cacheCfg.Engine == cfg.Datastore.Engine && cacheCfg.URI == "" {
			shared, ok := d.Datastore.(storage.CacheStore)
			if !ok {
				return fmt.Errorf("datastore engine '%s' cannot hold cache entries", cfg.Datastore.Engine)
			}
			log.Info(fmt.Sprintf("sharing the '%s' datastore with the cache", cfg.Datastore.Engine))
			d.Cache = storagewrappers.NewInstrumentedCacheStore(shared, cacheCfg.Engine)
			return nil
		}

		cache, err := openSQLStore(cacheCfg.Engine, cacheCfg.URI,
			sqlConfig(cfg.Datastore, cacheCfg.Username, cacheCfg.Password, log))
		if err != nil {
			return err
		}
		d.Cache = cache
	}

	d.closers = append(d.closers, d.Cache.Close)
	d.Cache = storagewrappers.NewInstrumentedCacheStore(d.Cache, cacheCfg.Engine)
	return nil
}

// BuildDependencies opens the datastore and the cache store described by cfg and starts a
// coordinator over them.
func BuildDependencies(ctx context.Context, cfg *config.Config, log logger.Logger) (*Dependencies, error) {
	d := &Dependencies{}

	if err := d.datastoreConfig(cfg, log); err != nil {
		return nil, err
	}

	if err := d.cacheStoreConfig(ctx, cfg, log); err != nil {
		d.Close(log)
		return nil, err
	}

	compression, err := encoder.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		d.Close(log)
		return nil, err
	}

	var codec encoder.ResultCodec = encoder.NewJSONResultCodec(compression)
	if cfg.Cache.EncryptionKey != "" {
		encrypter, err := encoder.NewGCMEncrypter(cfg.Cache.EncryptionKey)
		if err != nil {
			d.Close(log)
			return nil, fmt.Errorf("initialize result encryption: %w", err)
		}
		codec = encoder.NewEncryptedResultCodec(codec, encrypter)
	}

	source := storagewrappers.NewBoundedConcurrencyDocumentSource(d.Datastore, cfg.Execution.MaxConcurrentFinds)

	d.Coordinator, err = coordinator.New(d.Cache, source,
		coordinator.WithLogger(log),
		coordinator.WithMaxParallelExecutions(cfg.Execution.MaxParallelExecutions),
		coordinator.WithCacheTTL(cfg.Cache.TTL),
		coordinator.WithFailFast(cfg.Cache.FailFast, cfg.Cache.FailedMarkerTTL),
		coordinator.WithPollInterval(cfg.Execution.PollInterval),
		coordinator.WithPurgeInterval(cfg.Execution.PurgeInterval),
		coordinator.WithAbortSyncInterval(cfg.Execution.AbortSyncInterval),
		coordinator.WithResultCodec(codec),
	)
	if err != nil {
		d.Close(log)
		return nil, errors.Join(errors.New("initialize coordinator"), err)
	}

	log.Info(fmt.Sprintf("using '%s' datastore and '%s' cache store", cfg.Datastore.Engine, cfg.Cache.Engine))

	return d, nil
}
