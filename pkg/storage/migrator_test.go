package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/streamcache/streamcache/assets"
	"github.com/streamcache/streamcache/pkg/logger"
)

type stubMigrationProvider struct {
	engine        string
	migrationsRun bool
}

func (s *stubMigrationProvider) GetSupportedEngine() string {
	return s.engine
}

func (s *stubMigrationProvider) RunMigrations(context.Context, MigrationConfig) error {
	s.migrationsRun = true
	return nil
}

func (s *stubMigrationProvider) GetCurrentVersion(context.Context, MigrationConfig) (int64, error) {
	return 1, nil
}

func TestMigratorRegistry(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		registry := NewMigratorRegistry()
		require.Empty(t, registry.GetSupportedEngines())

		_, ok := registry.GetProvider("postgres")
		require.False(t, ok)
	})

	t.Run("register_and_override", func(t *testing.T) {
		registry := NewMigratorRegistry()
		first := &stubMigrationProvider{engine: "sqlite"}
		second := &stubMigrationProvider{engine: "sqlite"}

		registry.RegisterProvider("sqlite", first)
		registry.RegisterProvider("mysql", &stubMigrationProvider{engine: "mysql"})
		registry.RegisterProvider("sqlite", second)

		require.ElementsMatch(t, []string{"sqlite", "mysql"}, registry.GetSupportedEngines())

		got, ok := registry.GetProvider("sqlite")
		require.True(t, ok)
		require.Same(t, second, got)
	})
}

func TestSchemaMigration(t *testing.T) {
	ctx := context.Background()

	schema := SchemaMigration{
		Engine:     "sqlite",
		Dialect:    goose.DialectSQLite3,
		Driver:     "sqlite",
		Migrations: assets.Migrations(assets.SqliteMigrationDir),
	}
	uri := filepath.Join(t.TempDir(), "migrate.db")
	cfg := MigrationConfig{Engine: "sqlite", Timeout: 5 * time.Second, Logger: logger.NewNoopLogger()}

	version, err := schema.Version(ctx, uri, cfg)
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, schema.Run(ctx, uri, cfg))

	version, err = schema.Version(ctx, uri, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	db, err := sql.Open("sqlite", uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.ExecContext(ctx, "INSERT INTO query_cache (fingerprint, in_progress, failed, owner, expires_at, updated_at) VALUES (1, 1, 0, 'a', 0, 0)")
	require.NoError(t, err)

	t.Run("already_at_target", func(t *testing.T) {
		require.NoError(t, schema.Run(ctx, uri, MigrationConfig{TargetVersion: 1, Timeout: time.Second}))
	})

	t.Run("unknown_driver", func(t *testing.T) {
		broken := schema
		broken.Driver = "unregistered"
		_, err := broken.Open(ctx, uri, cfg)
		require.ErrorContains(t, err, "failed to open sqlite connection")
	})
}
