// Package server exposes a Coordinator over HTTP: running queries written as CEL operations,
// listing and aborting running executions, reading and invalidating cached results, and
// inserting documents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/streamcache/streamcache/pkg/coordinator"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/middleware/logging"
	"github.com/streamcache/streamcache/pkg/middleware/recovery"
	"github.com/streamcache/streamcache/pkg/middleware/requestid"
	"github.com/streamcache/streamcache/pkg/query"
	serverErrors "github.com/streamcache/streamcache/pkg/server/errors"
	"github.com/streamcache/streamcache/pkg/storage"
)

var tracer = otel.Tracer("streamcache/pkg/server")

const (
	// ServiceName is the name the process registers with the health checking protocol.
	ServiceName = "streamcache"

	DefaultMaxRequestBodyBytes = 8 << 20
)

type ServerOption func(s *Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithDocumentWriter enables document inserts. Without it the documents endpoint replies
// 501 Not Implemented.
func WithDocumentWriter(w storage.DocumentWriter) ServerOption {
	return func(s *Server) {
		s.documents = w
	}
}

// WithReadinessChecker adds a dependency the server is ready only when it is.
func WithReadinessChecker(name string, checker storage.ReadinessChecker) ServerOption {
	return func(s *Server) {
		s.readiness = append(s.readiness, namedChecker{name: name, checker: checker})
	}
}

// WithQueryDefaults sets the batch size, order and timeout of requests that leave them unset.
func WithQueryDefaults(batchSize int, order query.Order, timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.defaultBatchSize = batchSize
		s.defaultOrder = order
		s.defaultTimeout = timeout
	}
}

func WithCORS(allowedOrigins, allowedHeaders []string) ServerOption {
	return func(s *Server) {
		s.corsAllowedOrigins = allowedOrigins
		s.corsAllowedHeaders = allowedHeaders
	}
}

// WithTracing wraps the handler with OpenTelemetry instrumentation.
func WithTracing(enabled bool) ServerOption {
	return func(s *Server) {
		s.tracing = enabled
	}
}

func WithMaxRequestBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxRequestBodyBytes = n
	}
}

type namedChecker struct {
	name    string
	checker storage.ReadinessChecker
}

// Server is the HTTP surface of a streamcache process.
type Server struct {
	coordinator *coordinator.Coordinator
	documents   storage.DocumentWriter
	readiness   []namedChecker
	logger      logger.Logger

	defaultBatchSize int
	defaultOrder     query.Order
	defaultTimeout   time.Duration

	corsAllowedOrigins []string
	corsAllowedHeaders []string
	tracing            bool

	maxRequestBodyBytes int64
}

// NewServerWithOpts returns a server serving requests through c.
func NewServerWithOpts(c *coordinator.Coordinator, opts ...ServerOption) (*Server, error) {
	s := &Server{
		coordinator:         c,
		logger:              logger.NewNoopLogger(),
		defaultOrder:        query.DefaultOrder,
		corsAllowedOrigins:  []string{"*"},
		corsAllowedHeaders:  []string{"*"},
		maxRequestBodyBytes: DefaultMaxRequestBodyBytes,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.coordinator == nil {
		return nil, errors.New("a coordinator is required")
	}
	if !s.defaultOrder.Valid() {
		return nil, fmt.Errorf("invalid default order %d", s.defaultOrder)
	}

	return s, nil
}

// MustNewServerWithOpts is NewServerWithOpts that panics on error.
func MustNewServerWithOpts(c *coordinator.Coordinator, opts ...ServerOption) *Server {
	s, err := NewServerWithOpts(c, opts...)
	if err != nil {
		panic(fmt.Errorf("failed to construct the streamcache server: %w", err))
	}

	return s
}

// Handler returns the routes of the server wrapped with panic recovery, CORS, tracing, request
// IDs and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/queries", s.RunQuery)
	mux.HandleFunc("GET /v1/queries/running", s.ListRunningQueries)
	mux.HandleFunc("POST /v1/queries/running/{fingerprint}/abort", s.AbortQuery)
	mux.HandleFunc("GET /v1/cache/{fingerprint}", s.GetCachedResult)
	mux.HandleFunc("DELETE /v1/cache/{fingerprint}", s.InvalidateCachedResult)
	mux.HandleFunc("POST /v1/collections/{collection}/documents", s.InsertDocuments)
	mux.HandleFunc("GET /healthz", s.Healthz)

	handler := logging.NewHTTPLoggingHandler(mux, s.logger)
	handler = requestid.NewHTTPHandler(handler)

	if s.tracing {
		handler = otelhttp.NewHandler(handler, "streamcache")
	}

	handler = cors.New(cors.Options{
		AllowedOrigins:   s.corsAllowedOrigins,
		AllowCredentials: true,
		AllowedHeaders:   s.corsAllowedHeaders,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodHead,
		},
	}).Handler(handler)

	return recovery.HTTPPanicRecoveryHandler(handler, s.logger)
}

// IsReady reports whether every dependency of the server can serve requests.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	for _, dep := range s.readiness {
		status, err := dep.checker.IsReady(ctx)
		if err != nil {
			return false, fmt.Errorf("%s: %w", dep.name, err)
		}
		if !status.IsReady {
			s.logger.WarnWithContext(ctx, "dependency not ready",
				zap.String("dependency", dep.name),
				zap.String("message", status.Message),
			)
			return false, nil
		}
	}

	return true, nil
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ready, err := s.IsReady(r.Context())
	if err != nil {
		s.logger.WarnWithContext(r.Context(), "readiness check failed", zap.Error(err))
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "NOT_SERVING"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "SERVING"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	encoded, known := serverErrors.Encode(err)
	if !known {
		s.logger.ErrorWithContext(r.Context(), "request failed", zap.Error(err))
	}

	serverErrors.Write(w, encoded)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxRequestBodyBytes)
	defer body.Close()

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return err
		}
		return serverErrors.InvalidArgument("malformed request body: %s", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
