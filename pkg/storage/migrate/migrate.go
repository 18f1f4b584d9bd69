// Package migrate runs the schema migrations of the SQL cache and document stores.
package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/mysql"
	"github.com/streamcache/streamcache/pkg/storage/postgres"
	"github.com/streamcache/streamcache/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations
type MigrationConfig = storage.MigrationConfig

var (
	// defaultRegistry is the global migration provider registry
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()

		defaultRegistry.RegisterProvider("postgres", postgres.NewPostgresMigrationProvider())
		defaultRegistry.RegisterProvider("mysql", mysql.NewMySQLMigrationProvider())
		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSQLiteMigrationProvider())
	})
}

// GetDefaultRegistry returns the default migration provider registry
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RegisterMigrationProvider registers an additional provider in the default registry.
func RegisterMigrationProvider(engine string, provider storage.MigrationProvider) {
	initDefaultRegistry()
	defaultRegistry.RegisterProvider(engine, provider)
}

// RunMigrationsWithRegistry runs migrations using a specific migration registry.
// Stores without a schema (memory, redis, dynamodb) have nothing to migrate.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg storage.MigrationConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	switch cfg.Engine {
	case "memory", "redis", "dynamodb":
		log.Info(fmt.Sprintf("no migrations to run for `%s` datastore", cfg.Engine))
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for the given config using the default registry.
func RunMigrations(ctx context.Context, cfg storage.MigrationConfig) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(), cfg)
}

// CurrentVersion reports the schema version of the configured datastore.
func CurrentVersion(ctx context.Context, cfg storage.MigrationConfig) (int64, error) {
	provider, exists := GetDefaultRegistry().GetProvider(cfg.Engine)
	if !exists {
		return 0, fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.GetCurrentVersion(ctx, cfg)
}
