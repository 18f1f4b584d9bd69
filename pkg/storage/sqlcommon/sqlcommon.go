// Package sqlcommon holds the SQL cache store and document store shared by the sqlite, postgres
// and mysql bindings.
package sqlcommon

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/build"
	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

const (
	cacheTable    = "query_cache"
	documentTable = "document"
)

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username                  string
	Password                  string
	Logger                    logger.Logger
	MaxDocumentsPerWriteField int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxDocumentsPerWrite returns a DatastoreOption that sets
// the maximum number of documents per write in the Config.
func WithMaxDocumentsPerWrite(maxDocuments int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxDocumentsPerWriteField = maxDocuments
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.MaxDocumentsPerWriteField == 0 {
		cfg.MaxDocumentsPerWriteField = storage.DefaultMaxDocumentsPerWrite
	}

	return cfg
}

// UpsertFn renders the statement suffix that turns an INSERT into an upsert on the conflict
// columns, overwriting the update columns with the inserted values.
type UpsertFn func(conflictColumns []string, updateColumns []string) string

// OnConflictUpsert is the UpsertFn of sqlite and postgres.
func OnConflictUpsert(conflictColumns []string, updateColumns []string) string {
	sets := make([]string, 0, len(updateColumns))
	for _, col := range updateColumns {
		sets = append(sets, col+" = excluded."+col)
	}

	return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// OnDuplicateKeyUpsert is the UpsertFn of mysql.
func OnDuplicateKeyUpsert(_ []string, updateColumns []string) string {
	sets := make([]string, 0, len(updateColumns))
	for _, col := range updateColumns {
		sets = append(sets, col+" = VALUES("+col+")")
	}

	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// DBInfo encapsulates DB information for use in common method.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	upsert         UpsertFn
	HandleSQLError errorHandlerFn
}

type errorHandlerFn func(error, ...interface{}) error

// NewDBInfo constructs a [DBInfo] object.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, upsert UpsertFn, dialect string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		upsert:         upsert,
		HandleSQLError: errorHandler,
	}
}

// Datastore implements [storage.CacheStore] and [storage.DocumentStore] on a SQL database. The
// dialect packages construct it with their driver, placeholder format and error mapping.
type Datastore struct {
	dbInfo               *DBInfo
	name                 string
	logger               logger.Logger
	maxDocumentsPerWrite int
	now                  func() time.Time
}

var (
	_ storage.CacheStore    = (*Datastore)(nil)
	_ storage.DocumentStore = (*Datastore)(nil)
	_ storage.Purger        = (*Datastore)(nil)
)

// NewDatastore constructs a Datastore. The name prefixes trace spans, e.g. "sqlite".
func NewDatastore(name string, dbInfo *DBInfo, cfg *Config) *Datastore {
	return &Datastore{
		dbInfo:               dbInfo,
		name:                 name,
		logger:               cfg.Logger,
		maxDocumentsPerWrite: cfg.MaxDocumentsPerWriteField,
		now:                  time.Now,
	}
}

func (s *Datastore) startTrace(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, s.name+"."+op, trace.WithAttributes(attrs...))
}

// DB returns the underlying connection pool.
func (s *Datastore) DB() *sql.DB {
	return s.dbInfo.db
}

// Close closes the connection pool.
func (s *Datastore) Close() {
	s.dbInfo.db.Close()
}

// IsReady see [storage.ReadinessChecker].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return IsReady(ctx, false, s.dbInfo.db)
}

func (s *Datastore) nowMillis() int64 {
	return s.now().UnixMilli()
}

var cacheColumns = []string{"fingerprint", "in_progress", "failed", "result", "owner", "expires_at"}

func (s *Datastore) readEntry(ctx context.Context, builder sq.SelectBuilder) (*storage.CacheEntry, error) {
	var (
		fingerprint int64
		entry       storage.CacheEntry
		expiresAt   int64
	)

	err := builder.QueryRowContext(ctx).
		Scan(&fingerprint, &entry.InProgress, &entry.Failed, &entry.Result, &entry.Owner, &expiresAt)
	if err != nil {
		return nil, s.dbInfo.HandleSQLError(err)
	}

	entry.Fingerprint = keys.FromInt64(fingerprint)
	entry.ExpiresAt = time.UnixMilli(expiresAt)

	return &entry, nil
}

func (s *Datastore) selectLive(key int64) sq.SelectBuilder {
	return s.dbInfo.stbl.
		Select(cacheColumns...).
		From(cacheTable).
		Where(sq.Eq{"fingerprint": key}).
		Where(sq.Gt{"expires_at": s.nowMillis()})
}

// PurgeExpired see [storage.Purger].PurgeExpired.
func (s *Datastore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := s.startTrace(ctx, "PurgeExpired")
	defer span.End()

	res, err := s.dbInfo.stbl.
		Delete(cacheTable).
		Where(sq.LtOrEq{"expires_at": s.nowMillis()}).
		ExecContext(ctx)
	if err != nil {
		return 0, s.dbInfo.HandleSQLError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.dbInfo.HandleSQLError(err)
	}

	return n, nil
}

// IsReady returns true if connection to datastore is successful AND
// (the datastore has the latest migration applied OR skipVersionCheck).
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'streamcache migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
