// Package health reports process status plus the readiness facts that matter
// before generation can work: database reachability, knowledge base size, and
// which LLM provider is wired.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Checker struct {
	repo     db.Repository
	provider string
}

func NewChecker(repo db.Repository, provider string) *Checker {
	return &Checker{repo: repo, provider: provider}
}

type Status struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	KBChunks int64  `json:"kb_chunks"`
	Provider string `json:"llm_provider"`
}

// Check uses the chunk count as the database ping; there is no lighter query
// worth keeping a separate code path for.
func (c *Checker) Check(ctx context.Context) Status {
	s := Status{Status: "ok", Database: "ok", Provider: c.provider}

	chunks, err := c.repo.CountChunks(ctx)
	if err != nil {
		s.Status = "degraded"
		s.Database = err.Error()
	} else {
		s.KBChunks = chunks
	}

	if c.provider == "" {
		s.Status = "degraded"
		s.Provider = "unconfigured"
	}
	return s
}

func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := c.Check(r.Context())
	code := http.StatusOK
	if s.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(s)
}

// Server is the standalone ops listener used by processes that do not serve
// the API themselves (the worker). It exposes /health and /metrics.
type Server struct {
	httpServer *http.Server
}

func NewServer(port int, checker *Checker) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", checker)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
