// Package run contains the command to run a streamcache server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/streamcache/streamcache/internal/build"
	"github.com/streamcache/streamcache/pkg/config"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/middleware/recovery"
	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/server"
	"github.com/streamcache/streamcache/pkg/server/health"
	"github.com/streamcache/streamcache/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the streamcache server",
		Long:  "Run the streamcache server: the HTTP API, the gRPC health service and the prometheus metrics endpoint.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	AddStoreFlags(flags)

	flags.Bool("grpc-enabled", defaultConfig.GRPC.Enabled, "enable/disable the gRPC health server")
	flags.String("grpc-addr", defaultConfig.GRPC.Addr, "the host:port address to serve the gRPC health server on")

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the streamcache HTTP server")
	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	flags.Duration("trace-tail-latency", defaultConfig.Trace.TailLatency, "only export the traces whose root span lasted at least this long; 0 exports every sampled trace")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = BindFlagsFunc(flags)

	return cmd
}

// AddStoreFlags defines the flags configuring the stores, the coordinator and the logger. Every
// command building [Dependencies] accepts them.
func AddStoreFlags(flags *pflag.FlagSet) {
	defaultConfig := config.DefaultConfig()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the document datastore engine ('memory', 'sqlite', 'postgres', 'mysql')")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri of the document datastore (not used for the 'memory' engine)")
	flags.String("datastore-username", "", "the connection username of the document datastore, overriding the one in the uri")
	flags.String("datastore-password", "", "the connection password of the document datastore, overriding the one in the uri")
	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics")

	flags.String("cache-engine", defaultConfig.Cache.Engine, "the cache store engine ('memory', 'sqlite', 'postgres', 'mysql', 'redis', 'dynamodb')")
	flags.String("cache-uri", defaultConfig.Cache.URI, "the connection uri of a sql cache store; empty shares the datastore when the engines match")
	flags.String("cache-username", "", "the connection username of a sql cache store")
	flags.String("cache-password", "", "the connection password of a sql cache store")
	flags.Duration("cache-ttl", defaultConfig.Cache.TTL, "how long a completed result stays cached; every cache hit renews it")
	flags.Bool("cache-fail-fast", defaultConfig.Cache.FailFast, "leave a failed marker when an execution fails so that waiting processes fail immediately")
	flags.Duration("cache-failed-marker-ttl", defaultConfig.Cache.FailedMarkerTTL, "how long a failed marker is kept")
	flags.String("cache-compression", defaultConfig.Cache.Compression, "the compression of stored results ('none', 'lz4', 'zstd')")
	flags.String("cache-encryption-key", defaultConfig.Cache.EncryptionKey, "when set, stored results are encrypted with AES-GCM under a key derived from it")
	flags.Int64("cache-max-entries", defaultConfig.Cache.MaxEntries, "the maximum number of entries of the memory cache engine")
	flags.String("cache-redis-addrs", defaultConfig.Cache.Redis.Addrs, "a comma separated list of redis addresses")
	flags.Int("cache-redis-db", defaultConfig.Cache.Redis.DB, "the redis database")
	flags.String("cache-redis-username", defaultConfig.Cache.Redis.Username, "the redis username")
	flags.String("cache-redis-password", defaultConfig.Cache.Redis.Password, "the redis password")
	flags.String("cache-redis-key-prefix", defaultConfig.Cache.Redis.KeyPrefix, "the prefix of every redis key")
	flags.String("cache-dynamodb-table", defaultConfig.Cache.DynamoDB.Table, "the dynamodb table holding cache entries")
	flags.String("cache-dynamodb-region", defaultConfig.Cache.DynamoDB.Region, "the aws region of the dynamodb table")
	flags.String("cache-dynamodb-endpoint", defaultConfig.Cache.DynamoDB.Endpoint, "a custom dynamodb endpoint, e.g. for dynamodb-local")

	flags.Int("execution-max-parallel-executions", defaultConfig.Execution.MaxParallelExecutions, "the number of executions one process runs at once; calls beyond it are rejected")
	flags.Uint32("execution-max-concurrent-finds", defaultConfig.Execution.MaxConcurrentFinds, "the maximum number of cursors open at once against the datastore")
	flags.Int("execution-batch-size", defaultConfig.Execution.BatchSize, "the default cursor batch size")
	flags.Int("execution-order", defaultConfig.Execution.Order, "the default traversal order by document identity (1 or -1)")
	flags.Duration("execution-timeout", defaultConfig.Execution.Timeout, "the default time a call waits for an execution")
	flags.Duration("execution-poll-interval", defaultConfig.Execution.PollInterval, "the cadence at which an execution running in another process is polled")
	flags.Duration("execution-abort-sync-interval", defaultConfig.Execution.AbortSyncInterval, "the cadence at which executions check for deleted cache entries")
	flags.Duration("execution-purge-interval", defaultConfig.Execution.PurgeInterval, "the cadence at which expired cache entries are purged from stores without native expiry")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
}

// ReadConfig returns the streamcache server configuration based on the values provided in the
// server's 'config.yaml' file. The 'config.yaml' file is loaded from '/etc/streamcache',
// '$HOME/.streamcache', or the current working directory. If no configuration file is present,
// the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return cfg, nil
}

func run(_ *cobra.Command, _ []string) {
	cfg, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := cfg.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), cfg); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig installs the global tracer provider. The returned provider must be closed to
// flush the pending spans.
func (s *ServerContext) telemetryConfig(cfg *config.Config) (telemetry.TracerProvider, error) {
	if !cfg.Trace.Enabled {
		tp := telemetry.Noop()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t",
		cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint, cfg.Trace.OTLP.TLS.Enabled))

	return telemetry.NewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithOTLPTLS(cfg.Trace.OTLP.TLS.Enabled),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		telemetry.WithTailLatency(cfg.Trace.TailLatency),
	)
}

func (s *ServerContext) buildServer(cfg *config.Config, deps *Dependencies) (*server.Server, error) {
	opts := []server.ServerOption{
		server.WithLogger(s.Logger),
		server.WithDocumentWriter(deps.Datastore),
		server.WithQueryDefaults(cfg.Execution.BatchSize, query.Order(cfg.Execution.Order), cfg.Execution.Timeout),
		server.WithCORS(cfg.HTTP.CORSAllowedOrigins, cfg.HTTP.CORSAllowedHeaders),
		server.WithTracing(cfg.Trace.Enabled),
	}

	for name, checker := range deps.ReadinessCheckers() {
		opts = append(opts, server.WithReadinessChecker(name, checker))
	}

	return server.NewServerWithOpts(deps.Coordinator, opts...)
}

func (s *ServerContext) buildGRPCServer(cfg *config.Config, svr *server.Server) *grpc.Server {
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_recovery.UnaryServerInterceptor(
			grpc_recovery.WithRecoveryHandlerContext(recovery.PanicRecoveryHandler(s.Logger)),
		)),
		grpc.ChainStreamInterceptor(grpc_recovery.StreamServerInterceptor(
			grpc_recovery.WithRecoveryHandlerContext(recovery.PanicRecoveryHandler(s.Logger)),
		)),
	}

	if cfg.Trace.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	// nosemgrep: grpc-server-insecure-connection
	grpcServer := grpc.NewServer(serverOpts...)
	healthv1pb.RegisterHealthServer(grpcServer, &health.Checker{TargetService: svr, TargetServiceName: server.ServiceName})
	reflection.Register(grpcServer)

	return grpcServer
}

// serveHTTP serves handler on addr in g until the returned server is shut down.
func (s *ServerContext) serveHTTP(g *errgroup.Group, name, addr string, handler http.Handler) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for the %s server: %w", name, err)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	g.Go(func() error {
		s.Logger.Info(fmt.Sprintf("🚀 starting %s server on '%s'...", name, listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server closed with unexpected error: %w", name, err)
		}
		s.Logger.Info(fmt.Sprintf("%s server shut down.", name))
		return nil
	})

	return httpServer, nil
}

// Run returns an error if the server was unable to start successfully.
// If it started and terminated successfully, it returns a nil error.
func (s *ServerContext) Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := s.telemetryConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		// can take up to 5 seconds to flush the batch span processor
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		if err := tp.Close(ctx); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	deps, err := BuildDependencies(ctx, cfg, s.Logger)
	if err != nil {
		return err
	}
	defer deps.Close(s.Logger)

	svr, err := s.buildServer(cfg, deps)
	if err != nil {
		return err
	}

	s.Logger.Info(
		"starting streamcache service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", cfg),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Coordinator.RunPurger(gctx)
	})

	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = s.buildGRPCServer(cfg, svr)

		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to listen: %w", err)
		}

		g.Go(func() error {
			s.Logger.Info(fmt.Sprintf("🚀 starting gRPC server on '%s'...", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server closed with unexpected error: %w", err)
			}
			s.Logger.Info("gRPC server shut down.")
			return nil
		})
	}

	var servers []*http.Server
	if cfg.HTTP.Enabled {
		httpServer, err := s.serveHTTP(g, "HTTP", cfg.HTTP.Addr, svr.Handler())
		if err != nil {
			g.Go(func() error { return err })
		} else {
			servers = append(servers, httpServer)
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer, err := s.serveHTTP(g, "prometheus metrics", cfg.Metrics.Addr, mux)
		if err != nil {
			g.Go(func() error { return err })
		} else {
			servers = append(servers, metricsServer)
		}
	}

	g.Go(func() error {
		// wait for cancellation signal or for a server to fail
		<-gctx.Done()
		s.Logger.Info("attempting to shutdown gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				s.Logger.Info("failed to shutdown a http server", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}

		if grpcServer != nil {
			grpcServer.GracefulStop()
		}

		return nil
	})

	err = g.Wait()

	s.Logger.Info("server exited. goodbye 👋")

	return err
}
