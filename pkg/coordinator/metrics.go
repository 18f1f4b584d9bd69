package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamcache/streamcache/internal/build"
)

var (
	cacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_hit_count",
		Help:      "The total number of calls served from a completed cache entry.",
	})

	awaitedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "awaited_executions_count",
		Help:      "The total number of calls that waited on an in-flight execution, by where it ran.",
	}, []string{"where"})

	executionsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "executions_started_count",
		Help:      "The total number of executions started by this process.",
	})

	executionsSettledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "executions_settled_count",
		Help:      "The total number of executions settled by this process, by outcome.",
	}, []string{"outcome"})

	capacityRejectionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "capacity_rejections_count",
		Help:      "The total number of calls rejected because too many executions were running.",
	})

	waitTimeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "wait_timeouts_count",
		Help:      "The total number of calls that timed out waiting for an in-flight execution.",
	})

	runningExecutionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "running_executions",
		Help:      "The number of executions currently running in this process.",
	})
)
