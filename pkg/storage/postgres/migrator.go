package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pressly/goose/v3"

	"github.com/streamcache/streamcache/assets"
	"github.com/streamcache/streamcache/pkg/storage"
)

var schema = storage.SchemaMigration{
	Engine:     "postgres",
	Dialect:    goose.DialectPostgres,
	Driver:     "pgx",
	Migrations: assets.Migrations(assets.PostgresMigrationDir),
}

// PostgresMigrationProvider migrates the document and cache tables of a PostgreSQL database.
type PostgresMigrationProvider struct{}

func NewPostgresMigrationProvider() *PostgresMigrationProvider {
	return &PostgresMigrationProvider{}
}

func (p *PostgresMigrationProvider) GetSupportedEngine() string {
	return schema.Engine
}

func (p *PostgresMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := p.prepareURI(config)
	if err != nil {
		return err
	}

	return schema.Run(ctx, uri, config)
}

func (p *PostgresMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := p.prepareURI(config)
	if err != nil {
		return 0, err
	}

	return schema.Version(ctx, uri, config)
}

// prepareURI applies the configured credentials to the connection uri.
func (p *PostgresMigrationProvider) prepareURI(config storage.MigrationConfig) (string, error) {
	if config.Username == "" && config.Password == "" {
		return config.URI, nil
	}

	parsed, err := url.Parse(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid database uri: %w", err)
	}

	username := config.Username
	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	password := config.Password
	if password == "" && parsed.User != nil {
		password, _ = parsed.User.Password()
	}

	parsed.User = url.UserPassword(username, password)

	return parsed.String(), nil
}
