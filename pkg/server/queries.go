package server

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/internal/registry"
	"github.com/streamcache/streamcache/pkg/coordinator"
	"github.com/streamcache/streamcache/pkg/expression"
	"github.com/streamcache/streamcache/pkg/query"
	serverErrors "github.com/streamcache/streamcache/pkg/server/errors"
	"github.com/streamcache/streamcache/pkg/telemetry"
)

// RunQueryRequest is the body of POST /v1/queries.
type RunQueryRequest struct {
	Collection  string                `json:"collection"`
	Filter      query.Filter          `json:"filter"`
	ReadOptions query.ReadOptions     `json:"read_options,omitempty"`
	Order       *int                  `json:"order,omitempty"`
	Limit       int                   `json:"limit,omitempty"`
	Operation   expression.Definition `json:"operation"`

	InitialValue any   `json:"initial_value,omitempty"`
	BatchSize    int   `json:"batch_size,omitempty"`
	TimeoutMs    int64 `json:"timeout_ms,omitempty"`
	DontAwait    bool  `json:"dont_await,omitempty"`
	NoCache      bool  `json:"no_cache,omitempty"`
}

type ListRunningQueriesResponse struct {
	Queries []registry.Snapshot `json:"queries"`
}

type AbortQueryResponse struct {
	Fingerprint keys.Fingerprint `json:"fingerprint,string"`
	Aborted     bool             `json:"aborted"`
}

func (s *Server) descriptor(req *RunQueryRequest) (query.Descriptor, coordinator.RunConfig) {
	order := s.defaultOrder
	if req.Order != nil {
		order = query.Order(*req.Order)
	}

	cfg := coordinator.RunConfig{
		BatchSize:    req.BatchSize,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
		DontAwait:    req.DontAwait,
		NoCache:      req.NoCache,
		InitialValue: req.InitialValue,
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = s.defaultBatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = s.defaultTimeout
	}

	return query.Descriptor{
		Collection:  req.Collection,
		Filter:      req.Filter,
		ReadOptions: req.ReadOptions,
		Order:       order,
		Limit:       req.Limit,
		Kind:        req.Operation.Kind,
	}, cfg
}

// RunQuery compiles the operation of the request and runs it through the coordinator. Results
// are answered with 200 OK; calls that did not wait are answered with 202 Accepted and the
// fingerprint only.
func (s *Server) RunQuery(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "RunQuery")
	defer span.End()

	var req RunQueryRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("collection", req.Collection),
		attribute.String("kind", string(req.Operation.Kind)),
	)

	op, err := expression.Compile(req.Operation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d, cfg := s.descriptor(&req)
	res, err := s.coordinator.RunAndResolve(ctx, d, op, cfg)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("fingerprint", res.Fingerprint.String()),
		attribute.String("source", string(res.Source)),
	)

	status := http.StatusOK
	if res.Pending() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ListRunningQueries lists the executions running in this process.
func (s *Server) ListRunningQueries(w http.ResponseWriter, r *http.Request) {
	queries := s.coordinator.ListRunningQueries()
	if queries == nil {
		queries = []registry.Snapshot{}
	}

	writeJSON(w, http.StatusOK, ListRunningQueriesResponse{Queries: queries})
}

// AbortQuery asks the execution of the fingerprint to stop. Only executions running in this
// process can be aborted.
func (s *Server) AbortQuery(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprint(w, r)
	if !ok {
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("fingerprint", fp.String()))

	writeJSON(w, http.StatusOK, AbortQueryResponse{
		Fingerprint: fp,
		Aborted:     s.coordinator.RequestAbort(fp),
	})
}

func (s *Server) fingerprint(w http.ResponseWriter, r *http.Request) (keys.Fingerprint, bool) {
	fp, err := keys.ParseFingerprint(r.PathValue("fingerprint"))
	if err != nil {
		s.writeError(w, r, serverErrors.InvalidArgument("invalid fingerprint %q", r.PathValue("fingerprint")))
		return 0, false
	}

	return fp, true
}
