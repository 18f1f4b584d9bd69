package mysql

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/streamcache/streamcache/assets"
	"github.com/streamcache/streamcache/pkg/storage"
)

var schema = storage.SchemaMigration{
	Engine:     "mysql",
	Dialect:    goose.DialectMySQL,
	Driver:     "mysql",
	Migrations: assets.Migrations(assets.MySQLMigrationDir),
}

// MySQLMigrationProvider migrates the document and cache tables of a MySQL database.
type MySQLMigrationProvider struct{}

func NewMySQLMigrationProvider() *MySQLMigrationProvider {
	return &MySQLMigrationProvider{}
}

func (m *MySQLMigrationProvider) GetSupportedEngine() string {
	return schema.Engine
}

func (m *MySQLMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := m.prepareURI(config)
	if err != nil {
		return err
	}

	return schema.Run(ctx, uri, config)
}

func (m *MySQLMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := m.prepareURI(config)
	if err != nil {
		return 0, err
	}

	return schema.Version(ctx, uri, config)
}

// prepareURI processes the database URI with username/password overrides.
func (m *MySQLMigrationProvider) prepareURI(config storage.MigrationConfig) (string, error) {
	dsn, err := mysql.ParseDSN(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid mysql database uri: %w", err)
	}

	if config.Username != "" {
		dsn.User = config.Username
	}
	if config.Password != "" {
		dsn.Passwd = config.Password
	}

	return dsn.FormatDSN(), nil
}
