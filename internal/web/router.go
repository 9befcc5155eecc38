package web

import (
	"log/slog"
	"net/http"

	"github.com/jusunglee/qaforge/internal/agent"
	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/health"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/rag"
	"github.com/jusunglee/qaforge/internal/web/handlers"
	"github.com/jusunglee/qaforge/internal/web/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config carries everything the API surface needs. AdminKey guards the
// destructive routes; empty means unguarded (local dev).
type Config struct {
	Repo           db.Repository
	Log            *slog.Logger
	Store          *kb.Store
	Pipeline       *rag.Pipeline
	Cases          *agent.CaseGenerator
	Scripts        *agent.ScriptGenerator
	Checker        *health.Checker
	AdminKey       string
	MaxUploadBytes int64
	MaxDocuments   int
}

type Router struct {
	cfg Config
}

func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	docHandler := handlers.NewDocumentHandler(rt.cfg.Repo, rt.cfg.Log, rt.cfg.MaxUploadBytes, rt.cfg.MaxDocuments)
	kbHandler := handlers.NewKBHandler(rt.cfg.Repo, rt.cfg.Store, rt.cfg.Pipeline, rt.cfg.Log)
	caseHandler := handlers.NewTestCaseHandler(rt.cfg.Cases, rt.cfg.Repo, rt.cfg.Log)
	scriptHandler := handlers.NewScriptHandler(rt.cfg.Scripts, rt.cfg.Repo, rt.cfg.Log)

	rateLimiter := middleware.NewRateLimiter(60, 60)

	mux.Handle("GET /health", rt.cfg.Checker)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/documents",
		middleware.Chain(
			http.HandlerFunc(docHandler.Upload),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
		),
	)

	mux.Handle("GET /api/v1/documents",
		middleware.Chain(
			http.HandlerFunc(docHandler.List),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.CacheControl("no-store"),
		),
	)

	mux.Handle("POST /api/v1/pages",
		middleware.Chain(
			http.HandlerFunc(docHandler.UploadPage),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
		),
	)

	mux.Handle("DELETE /api/v1/uploads",
		middleware.Chain(
			http.HandlerFunc(docHandler.Clear),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
			middleware.APIKeyAuth(rt.cfg.AdminKey),
		),
	)

	mux.Handle("POST /api/v1/kb/build",
		middleware.Chain(
			http.HandlerFunc(kbHandler.Build),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
		),
	)

	mux.Handle("GET /api/v1/kb/stats",
		middleware.Chain(
			http.HandlerFunc(kbHandler.Stats),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.CacheControl("no-store"),
		),
	)

	mux.Handle("POST /api/v1/testcases/generate",
		middleware.Chain(
			http.HandlerFunc(caseHandler.Generate),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
		),
	)

	mux.Handle("GET /api/v1/testcases",
		middleware.Chain(
			http.HandlerFunc(caseHandler.List),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.CacheControl("no-store"),
		),
	)

	mux.Handle("POST /api/v1/scripts/generate",
		middleware.Chain(
			http.HandlerFunc(scriptHandler.Generate),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.RateLimit(rateLimiter),
		),
	)

	mux.Handle("GET /api/v1/scripts",
		middleware.Chain(
			http.HandlerFunc(scriptHandler.List),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.CacheControl("no-store"),
		),
	)

	mux.Handle("GET /api/v1/scripts/{id}",
		middleware.Chain(
			http.HandlerFunc(scriptHandler.Get),
			middleware.PrometheusMetrics(),
			middleware.RequestLogger(rt.cfg.Log),
			middleware.CacheControl("no-store"),
		),
	)

	return middleware.CORS(mux)
}
