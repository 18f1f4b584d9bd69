// Package storage runs throwaway databases for the store conformance tests.
package storage

import (
	"context"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/assets"
	"github.com/streamcache/streamcache/pkg/storage"
)

var schemas = map[string]storage.SchemaMigration{
	"mysql": {
		Engine:     "mysql",
		Dialect:    goose.DialectMySQL,
		Driver:     "mysql",
		Migrations: assets.Migrations(assets.MySQLMigrationDir),
	},
	"postgres": {
		Engine:     "postgres",
		Dialect:    goose.DialectPostgres,
		Driver:     "pgx",
		Migrations: assets.Migrations(assets.PostgresMigrationDir),
	},
	"sqlite": {
		Engine:     "sqlite",
		Dialect:    goose.DialectSQLite3,
		Driver:     "sqlite",
		Migrations: assets.Migrations(assets.SqliteMigrationDir),
	},
}

// migrateToLatest waits up to startup for the database at uri to accept connections, applies
// every migration of engine and returns the resulting schema version.
func migrateToLatest(t testing.TB, engine, uri string, startup time.Duration) int64 {
	t.Helper()

	schema, ok := schemas[engine]
	require.True(t, ok, "no schema for engine %q", engine)

	ctx := context.Background()
	config := storage.MigrationConfig{Engine: engine, URI: uri, Timeout: startup}
	require.NoError(t, schema.Run(ctx, uri, config), "failed to migrate the %s test database", engine)

	version, err := schema.Version(ctx, uri, config)
	require.NoError(t, err)
	return version
}

// DatastoreTestContainer represents a runnable container for testing specific datastore engines.
type DatastoreTestContainer interface {

	// GetConnectionURI returns a connection string to the datastore instance running inside
	// the container.
	GetConnectionURI(includeCredentials bool) string

	// GetDatabaseSchemaVersion returns the last migration applied (e.g. 3) when the container was created
	GetDatabaseSchemaVersion() int64

	GetUsername() string
	GetPassword() string
}

type memoryTestContainer struct{}

func (m memoryTestContainer) GetConnectionURI(includeCredentials bool) string {
	return ""
}

func (m memoryTestContainer) GetUsername() string {
	return ""
}

func (m memoryTestContainer) GetPassword() string {
	return ""
}

func (m memoryTestContainer) GetDatabaseSchemaVersion() int64 {
	return 0
}

// RunDatastoreTestContainer constructs and runs a specific DatastoreTestContainer for the provided
// datastore engine. If applicable, it also runs all existing database migrations.
// The resources used by the test engine will be cleaned up after the test has finished.
func RunDatastoreTestContainer(t testing.TB, engine string) DatastoreTestContainer {
	switch engine {
	case "mysql":
		return NewMySQLTestContainer().RunMySQLTestContainer(t)
	case "postgres":
		return NewPostgresTestContainer().RunPostgresTestContainer(t)
	case "sqlite":
		return NewSqliteTestContainer().RunSqliteTestDatabase(t)
	case "redis":
		return NewRedisTestContainer().RunRedisTestContainer(t)
	case "memory":
		return memoryTestContainer{}
	default:
		t.Fatalf("'%s' engine is not supported by RunDatastoreTestContainer", engine)
		return nil
	}
}
