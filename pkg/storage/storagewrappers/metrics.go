package storagewrappers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/streamcache/streamcache/internal/build"
)

var tracer = otel.Tracer("streamcache/pkg/storage/storagewrappers")

var cacheStoreDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace:                       build.ProjectName,
	Name:                            "cache_store_operation_duration_ms",
	Help:                            "The duration (in ms) of a cache store operation, labeled by engine, operation and status.",
	Buckets:                         []float64{1, 3, 5, 10, 25, 50, 100, 500, 1000},
	NativeHistogramBucketFactor:     1.1,
	NativeHistogramMaxBucketNumber:  100,
	NativeHistogramMinResetDuration: time.Hour,
}, []string{"engine", "operation", "status"})
