package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/streamcache/streamcache/pkg/logger"
)

// MigrationProvider defines the interface for database migration providers.
// This allows applications to inject their own migration systems instead of
// relying solely on goose's global registry.
type MigrationProvider interface {
	// RunMigrations executes database migrations with the provided configuration
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine returns the database engine this provider supports
	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
	Logger        logger.Logger
}

// MigratorRegistry manages migration providers for different database engines.
type MigratorRegistry struct {
	providers map[string]MigrationProvider
}

// NewMigratorRegistry creates a new migration provider registry.
func NewMigratorRegistry() *MigratorRegistry {
	return &MigratorRegistry{
		providers: make(map[string]MigrationProvider),
	}
}

// RegisterProvider registers a migration provider for a specific database engine.
func (r *MigratorRegistry) RegisterProvider(engine string, provider MigrationProvider) {
	r.providers[engine] = provider
}

// GetProvider returns the migration provider for the specified engine.
func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	provider, exists := r.providers[engine]
	return provider, exists
}

// GetSupportedEngines returns a list of all supported database engines.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	engines := make([]string, 0, len(r.providers))
	for engine := range r.providers {
		engines = append(engines, engine)
	}
	return engines
}

// SchemaMigration locates the schema of one SQL engine and the driver used to reach it.
type SchemaMigration struct {
	Engine     string
	Dialect    goose.Dialect
	Driver     string
	Migrations fs.FS
}

// Open connects to uri and returns a goose provider over the engine's migrations. The database
// must answer a ping within config.Timeout. Closing the provider closes the connection.
func (m SchemaMigration) Open(ctx context.Context, uri string, config MigrationConfig) (*goose.Provider, error) {
	db, err := sql.Open(m.Driver, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", m.Engine, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize %s connection: %w", m.Engine, err)
	}

	provider, err := goose.NewProvider(m.Dialect, db, m.Migrations, goose.WithVerbose(config.Verbose))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load %s migrations: %w", m.Engine, err)
	}

	return provider, nil
}

// Run moves the schema to config.TargetVersion, or to the latest version when it is zero.
func (m SchemaMigration) Run(ctx context.Context, uri string, config MigrationConfig) error {
	provider, err := m.Open(ctx, uri, config)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	return Migrate(ctx, provider, m.Engine, config)
}

// Version reports the schema version currently applied to the database.
func (m SchemaMigration) Version(ctx context.Context, uri string, config MigrationConfig) (int64, error) {
	provider, err := m.Open(ctx, uri, config)
	if err != nil {
		return 0, err
	}
	defer func() { _ = provider.Close() }()

	return provider.GetDBVersion(ctx)
}

// Migrate applies or rolls back the migrations known to provider until the database reaches
// config.TargetVersion. A zero target means the latest version.
func Migrate(ctx context.Context, provider *goose.Provider, engine string, config MigrationConfig) error {
	log := config.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	log = log.With(zap.String("engine", engine))

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s schema version: %w", engine, err)
	}
	log.Info("current schema version", zap.Int64("version", current))

	var results []*goose.MigrationResult
	target := int64(config.TargetVersion)
	switch {
	case target == 0:
		results, err = provider.Up(ctx)
	case target < current:
		results, err = provider.DownTo(ctx, target)
	case target > current:
		results, err = provider.UpTo(ctx, target)
	default:
		log.Info("schema already at target version", zap.Int64("target", target))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to migrate %s schema: %w", engine, err)
	}

	for _, r := range results {
		log.Info("applied migration",
			zap.Int64("version", r.Source.Version),
			zap.String("direction", r.Direction),
			zap.Duration("duration", r.Duration))
	}
	log.Info("migration done", zap.Int("applied", len(results)))
	return nil
}
