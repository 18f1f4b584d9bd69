package sqlite

import (
	"context"

	"github.com/pressly/goose/v3"

	"github.com/streamcache/streamcache/assets"
	"github.com/streamcache/streamcache/pkg/storage"
)

var schema = storage.SchemaMigration{
	Engine:     "sqlite",
	Dialect:    goose.DialectSQLite3,
	Driver:     "sqlite",
	Migrations: assets.Migrations(assets.SqliteMigrationDir),
}

// SQLiteMigrationProvider migrates the document and cache tables of a SQLite file.
type SQLiteMigrationProvider struct{}

func NewSQLiteMigrationProvider() *SQLiteMigrationProvider {
	return &SQLiteMigrationProvider{}
}

func (s *SQLiteMigrationProvider) GetSupportedEngine() string {
	return schema.Engine
}

// RunMigrations applies the pragmas of [PrepareDSN] before migrating, so the file is left in WAL
// mode for the datastore.
func (s *SQLiteMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := PrepareDSN(config.URI)
	if err != nil {
		return err
	}

	return schema.Run(ctx, uri, config)
}

func (s *SQLiteMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := PrepareDSN(config.URI)
	if err != nil {
		return 0, err
	}

	return schema.Version(ctx, uri, config)
}
