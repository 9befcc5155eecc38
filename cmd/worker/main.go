package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jusunglee/qaforge/internal/agent"
	"github.com/jusunglee/qaforge/internal/anthropic"
	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/db/postgres"
	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/jusunglee/qaforge/internal/envsetup"
	"github.com/jusunglee/qaforge/internal/google"
	"github.com/jusunglee/qaforge/internal/health"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/llm"
	"github.com/jusunglee/qaforge/internal/logger"
	"github.com/jusunglee/qaforge/internal/metrics"
	"github.com/jusunglee/qaforge/internal/openai"
	"github.com/jusunglee/qaforge/internal/rag"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := mainE(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func mainE() error {
	if err := envsetup.Load(); err != nil {
		return err
	}

	fs := ff.NewFlagSet("qaforge-worker")
	var (
		databaseURL     = fs.StringLong("database-url", "qaforge.db", "postgres:// URL, or a SQLite file path")
		interval        = fs.DurationLong("interval", 5*time.Minute, "Backfill polling interval")
		batchSize       = fs.Int64Long("batch-size", 3, "Test cases picked up per cycle")
		concurrency     = fs.Int64Long("concurrency", 2, "Scripts generated in parallel")
		pause           = fs.DurationLong("pause", 10*time.Second, "Courtesy pause after each generation")
		metricsPort     = fs.Int64Long("metrics-port", 9091, "Ops listener port for /health and /metrics")
		llmProvider     = fs.StringEnumLong("llm-provider", "LLM provider for generation", "google", "anthropic", "openai")
		llmModel        = fs.StringLong("llm-model", "", "LLM model name (provider default when empty)")
		geminiAPIKey    = fs.StringLong("gemini-api-key", "", "Gemini API key (embeddings always use Gemini)")
		anthropicAPIKey = fs.StringLong("anthropic-api-key", "", "Anthropic API key")
		openaiAPIKey    = fs.StringLong("openai-api-key", "", "OpenAI API key")
		embeddingModel  = fs.StringLong("embedding-model", "", "Gemini embedding model (default when empty)")
		chunkSize       = fs.Int64Long("chunk-size", 750, "Chunk size in characters")
		chunkOverlap    = fs.Int64Long("chunk-overlap", 100, "Chunk overlap in characters")
		llmTemperature  = fs.Float64Long("llm-temperature", 0.3, "LLM sampling temperature")
		scriptMaxTokens = fs.Int64Long("script-max-tokens", 8192, "Completion token budget for script generation")
		baseURL         = fs.StringLong("base-url", "http://localhost:8000/checkout.html", "URL generated scripts open")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVars()); err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	if *geminiAPIKey == "" {
		return errors.New("gemini-api-key is required (embeddings use the Gemini API; run qaforge-devsetup to write a .env)")
	}
	switch *llmProvider {
	case "anthropic":
		if *anthropicAPIKey == "" {
			return errors.New("anthropic-api-key is required when using anthropic provider")
		}
	case "openai":
		if *openaiAPIKey == "" {
			return errors.New("openai-api-key is required when using openai provider")
		}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	log := logger.New()

	var repo db.Repository
	if strings.HasPrefix(*databaseURL, "postgres://") || strings.HasPrefix(*databaseURL, "postgresql://") {
		pg, err := postgres.New(ctx, *databaseURL)
		if err != nil {
			return fmt.Errorf("creating PostgreSQL connection: %w", err)
		}
		repo = pg

		// Periodically export pgxpool stats as Prometheus gauges
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s := pg.PoolStats()
					metrics.DBPoolTotalConns.Set(float64(s.TotalConns()))
					metrics.DBPoolIdleConns.Set(float64(s.IdleConns()))
					metrics.DBPoolAcquiredConns.Set(float64(s.AcquiredConns()))
					metrics.DBPoolMaxConns.Set(float64(s.MaxConns()))
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		sq, err := sqlite.New(ctx, *databaseURL)
		if err != nil {
			return fmt.Errorf("opening SQLite database: %w", err)
		}
		repo = sq
	}
	defer repo.Close()

	inner, err := google.NewEmbedder(ctx, *geminiAPIKey, *embeddingModel)
	if err != nil {
		return fmt.Errorf("creating Gemini embedder: %w", err)
	}
	embedder := kb.NewCachedEmbedder(inner, repo)
	store := kb.NewStore(repo, embedder)
	pipeline := rag.New(repo, store, int(*chunkSize), int(*chunkOverlap))

	var client llm.Client
	switch *llmProvider {
	case "google":
		client, err = google.NewClient(ctx, *geminiAPIKey, google.Model(*llmModel), float32(*llmTemperature), int32(*scriptMaxTokens))
		if err != nil {
			return fmt.Errorf("creating Gemini client: %w", err)
		}
	case "anthropic":
		client = anthropic.NewClient(*anthropicAPIKey, anthropic.Model(*llmModel), float32(*llmTemperature), *scriptMaxTokens)
	case "openai":
		client = openai.NewClient(*openaiAPIKey, openai.Model(*llmModel), float32(*llmTemperature), int(*scriptMaxTokens))
	}
	client = llm.Instrument(client, *llmProvider, "script")

	gen := agent.NewScriptGenerator(client, pipeline, repo, *baseURL)

	ops := health.NewServer(int(*metricsPort), health.NewChecker(repo, *llmProvider))
	go func() {
		log.InfoContext(ctx, "starting ops server", "port", *metricsPort)
		if err := ops.Start(); err != nil {
			log.ErrorContext(ctx, "ops server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig)
		cancel(errors.New("signal received"))
	}()

	log.InfoContext(ctx, "worker starting", "interval", *interval, "batch_size", *batchSize)
	runCycle(ctx, repo, gen, int32(*batchSize), int(*concurrency), *pause, log)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCycle(ctx, repo, gen, int32(*batchSize), int(*concurrency), *pause, log)
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := ops.Shutdown(shutdownCtx); err != nil {
				log.Error("ops server shutdown error", "error", err)
			}
			log.Info("worker stopped")
			return nil
		}
	}
}

// runCycle backfills scripts for test cases that do not have one yet. A
// missing selector context fails every item the same way, so that error
// cancels the remainder of the batch instead of burning LLM calls.
func runCycle(ctx context.Context, repo db.Repository, gen *agent.ScriptGenerator, batchSize int32, concurrency int, pause time.Duration, log *slog.Logger) {
	cycleStart := time.Now()
	defer func() {
		metrics.WorkerCycleDuration.Observe(time.Since(cycleStart).Seconds())
	}()

	rows, err := repo.ListTestCasesWithoutScripts(ctx, batchSize)
	if err != nil {
		log.ErrorContext(ctx, "listing test cases without scripts", "error", err)
		metrics.WorkerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	if len(rows) == 0 {
		metrics.WorkerRunsTotal.WithLabelValues("empty").Inc()
		metrics.ScriptBacklog.Set(0)
		refreshKBGauge(ctx, repo)
		return
	}

	log.InfoContext(ctx, "backfilling scripts", "count", len(rows))

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, row := range rows {
		g.Go(func() error {
			script, err := gen.Generate(gctx, row)
			if err != nil {
				failed.Add(1)
				if errors.Is(err, agent.ErrNoSelectors) {
					log.WarnContext(gctx, "no selectors in knowledge base, abandoning cycle", "test_id", row.TestID)
					return err
				}
				log.WarnContext(gctx, "generating script", "test_id", row.TestID, "error", err)
			} else {
				log.InfoContext(gctx, "generated script",
					"test_id", row.TestID, "filename", script.Filename, "syntax_ok", script.SyntaxOK)
			}

			// Courtesy spacing before this slot picks up another item.
			select {
			case <-time.After(pause):
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		metrics.WorkerRunsTotal.WithLabelValues("error").Inc()
		log.WarnContext(ctx, "cycle finished with failures", "failed", n, "total", len(rows))
	} else {
		metrics.WorkerRunsTotal.WithLabelValues("success").Inc()
		log.InfoContext(ctx, "cycle finished", "generated", len(rows))
	}

	if backlog, err := repo.CountTestCasesWithoutScripts(ctx); err == nil {
		metrics.ScriptBacklog.Set(float64(backlog))
	}
	refreshKBGauge(ctx, repo)
}

func refreshKBGauge(ctx context.Context, repo db.Repository) {
	if n, err := repo.CountChunks(ctx); err == nil {
		metrics.KBChunks.Set(float64(n))
	}
}
