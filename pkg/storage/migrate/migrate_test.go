package migrate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/build"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/migrate"
)

func TestDefaultRegistry(t *testing.T) {
	engines := migrate.GetDefaultRegistry().GetSupportedEngines()
	require.ElementsMatch(t, []string{"postgres", "mysql", "sqlite"}, engines)
}

func TestRunMigrationsSchemaless(t *testing.T) {
	for _, engine := range []string{"memory", "redis", "dynamodb"} {
		t.Run(engine, func(t *testing.T) {
			require.NoError(t, migrate.RunMigrations(context.Background(), migrate.MigrationConfig{Engine: engine}))
		})
	}
}

func TestRunMigrationsUnknownEngine(t *testing.T) {
	err := migrate.RunMigrationsWithRegistry(context.Background(), storage.NewMigratorRegistry(), migrate.MigrationConfig{Engine: "cassandra"})
	require.ErrorContains(t, err, "no migration provider registered")
}

func TestSQLiteRollbacks(t *testing.T) {
	ctx := context.Background()
	uri := filepath.Join(t.TempDir(), "streamcache.db")

	cfg := migrate.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 5 * time.Second,
	}
	require.NoError(t, migrate.RunMigrations(ctx, cfg))

	version, err := migrate.CurrentVersion(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, build.MinimumSupportedDatastoreSchemaRevision, version)

	// going to a version with no migration is a no-op
	cfg.TargetVersion = uint(version + 1)
	require.NoError(t, migrate.RunMigrations(ctx, cfg))

	version, err = migrate.CurrentVersion(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, build.MinimumSupportedDatastoreSchemaRevision, version)
}
