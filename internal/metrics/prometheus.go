package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsearch_search_duration_seconds",
			Help:    "Search orchestration duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 8, 10},
		},
		[]string{"source"},
	)

	SearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_search_total",
			Help: "Total number of searches processed",
		},
		[]string{"source", "status"},
	)

	SourceResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsearch_source_results_count",
			Help:    "Number of messages contributed per source",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 500, 1000},
		},
		[]string{"source"},
	)

	SourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_source_failures_total",
			Help: "Source calls that failed or missed their deadline",
		},
		[]string{"source", "reason"},
	)

	GateVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_gate_verdicts_total",
			Help: "Backpressure gate verdicts",
		},
		[]string{"verdict"},
	)

	LateDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_late_results_dropped_total",
			Help: "Source results that arrived after the response was sealed",
		},
		[]string{"source"},
	)

	SchedulerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_scheduler_updates_total",
			Help: "Query entry schedule updates",
		},
		[]string{"kind"},
	)

	PollerRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_poller_refreshes_total",
			Help: "Queries re-issued by the retrieval poller",
		},
		[]string{"status"},
	)

	NewAuthors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_new_authors_total",
			Help: "Authors seen for the first time",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	IndexedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_indexed_messages_total",
			Help: "Messages written to the local index",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SearchDuration)
		prometheus.MustRegister(SearchTotal)
		prometheus.MustRegister(SourceResults)
		prometheus.MustRegister(SourceFailures)
		prometheus.MustRegister(GateVerdicts)
		prometheus.MustRegister(LateDrops)
		prometheus.MustRegister(SchedulerUpdates)
		prometheus.MustRegister(PollerRefreshes)
		prometheus.MustRegister(NewAuthors)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(IndexedMessages)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
