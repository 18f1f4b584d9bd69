package logging

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/middleware/requestid"
)

const (
	httpMethodKey      = "http_method"
	httpPathKey        = "http_path"
	httpCodeKey        = "http_code"
	requestIDKey       = "request_id"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	bytesWrittenKey    = "bytes_written"
	queryDurationKey   = "query_duration_ms"
	httpReqCompleteKey = "http_req_complete"

	healthCheckPath = "/healthz"
)

// NewHTTPLoggingHandler logs one line per completed request. Server errors are logged at error
// level. Health checks are not logged.
func NewHTTPLoggingHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthCheckPath {
			next.ServeHTTP(w, r)
			return
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		fields := []zap.Field{
			zap.String(httpMethodKey, r.Method),
			zap.String(httpPathKey, r.URL.Path),
			zap.Int(httpCodeKey, m.Code),
			zap.Int64(bytesWrittenKey, m.Written),
			zap.String(queryDurationKey, strconv.FormatInt(m.Duration.Milliseconds(), 10)),
		}

		ctx := r.Context()
		if requestID, ok := requestid.FromContext(ctx); ok {
			fields = append(fields, zap.String(requestIDKey, requestID))
		}

		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.HasTraceID() {
			fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
		}

		if userAgent := r.UserAgent(); userAgent != "" {
			fields = append(fields, zap.String(userAgentKey, userAgent))
		}

		if m.Code >= http.StatusInternalServerError {
			l.Error(httpReqCompleteKey, fields...)
			return
		}
		l.Info(httpReqCompleteKey, fields...)
	})
}
