package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_started_total",
			Help: "Total number of research sessions started",
		},
		[]string{"mode"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_completed_total",
			Help: "Total number of research sessions completed",
		},
		[]string{"mode", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	IterationsPerSession = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_iterations_per_session",
			Help:    "Number of loop iterations per research session",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)

	SessionTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_tokens_used",
			Help:    "Total model tokens consumed per session",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tool_calls_total",
			Help: "Total tool invocations by tool name and status",
		},
		[]string{"tool", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	DuplicateURLRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_duplicate_url_rejections_total",
			Help: "Crawl calls rejected by the URL revisit guard",
		},
	)

	// Parser metrics
	ParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_parse_failures_total",
			Help: "Model outputs that could not be parsed into a decision",
		},
	)

	ParseRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_parse_repairs_total",
			Help: "Decisions recovered by a non-strict parse stage",
		},
		[]string{"stage"},
	)

	// Code expert metrics
	CodeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_code_fallbacks_total",
			Help: "Code-generation calls that fell back to deterministic analysis",
		},
	)

	// DataBus metrics
	DataBusEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_databus_evictions_total",
			Help: "DataBus entries evicted by the retention policy",
		},
	)

	DataBusBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_databus_bytes",
			Help: "Approximate bytes currently held by the data bus",
		},
	)

	// Archive metrics
	ArchiveHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_archive_cache_hits_total",
			Help: "Run archive lookups served from the local cache",
		},
	)

	ArchiveMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_archive_cache_misses_total",
			Help: "Run archive lookups that missed the local cache",
		},
	)
)
