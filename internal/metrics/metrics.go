package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Web server metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_http_requests_total",
		Help: "Total HTTP requests by route, method, and status code",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qf_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method"})

	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qf_rate_limit_hits_total",
		Help: "Total rate limit rejections",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_uploads_total",
		Help: "Accepted uploads by kind (document or page)",
	}, []string{"kind"})
)

// Knowledge base metrics.
var (
	KBChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_kb_chunks",
		Help: "Chunks currently in the knowledge base",
	})

	KBBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qf_kb_build_duration_seconds",
		Help:    "Knowledge base build duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	EmbeddingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_embedding_requests_total",
		Help: "Embedding lookups by cache outcome",
	}, []string{"cache"})
)

// LLM metrics.
var (
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_llm_requests_total",
		Help: "LLM completion calls by provider, agent, and result",
	}, []string{"provider", "agent", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qf_llm_request_duration_seconds",
		Help:    "LLM completion call duration in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"provider"})
)

// Agent metrics.
var (
	TestCasesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qf_test_cases_generated_total",
		Help: "Test cases generated and persisted",
	})

	ScriptsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_scripts_generated_total",
		Help: "Selenium scripts generated by syntax check outcome",
	}, []string{"syntax_ok"})
)

// Worker metrics.
var (
	WorkerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qf_worker_runs_total",
		Help: "Script backfill cycles by result",
	}, []string{"result"})

	WorkerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qf_worker_cycle_duration_seconds",
		Help:    "Duration of each script backfill cycle",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	ScriptBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_worker_script_backlog",
		Help: "Test cases still waiting for a generated script",
	})
)

// Database pool metrics (gauges updated periodically).
var (
	DBPoolTotalConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_db_pool_total_conns",
		Help: "Total number of connections in the pool",
	})

	DBPoolIdleConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_db_pool_idle_conns",
		Help: "Number of idle connections in the pool",
	})

	DBPoolAcquiredConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_db_pool_acquired_conns",
		Help: "Number of acquired connections in the pool",
	})

	DBPoolMaxConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qf_db_pool_max_conns",
		Help: "Max connections configured for the pool",
	})
)
