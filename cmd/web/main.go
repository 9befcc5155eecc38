package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
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
	"github.com/jusunglee/qaforge/internal/web"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	if err := mainE(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("exiting without error")
}

func mainE() error {
	if err := envsetup.Load(); err != nil {
		return err
	}

	fs_ := ff.NewFlagSet("qaforge-web")

	var (
		port            = fs_.Int64Long("port", 8000, "HTTP server port")
		databaseURL     = fs_.StringLong("database-url", "qaforge.db", "postgres:// URL, or a SQLite file path")
		llmProvider     = fs_.StringEnumLong("llm-provider", "LLM provider for generation", "google", "anthropic", "openai")
		llmModel        = fs_.StringLong("llm-model", "", "LLM model name (provider default when empty)")
		geminiAPIKey    = fs_.StringLong("gemini-api-key", "", "Gemini API key (embeddings always use Gemini)")
		anthropicAPIKey = fs_.StringLong("anthropic-api-key", "", "Anthropic API key")
		openaiAPIKey    = fs_.StringLong("openai-api-key", "", "OpenAI API key")
		embeddingModel  = fs_.StringLong("embedding-model", "", "Gemini embedding model (default when empty)")
		chunkSize       = fs_.Int64Long("chunk-size", 750, "Chunk size in characters")
		chunkOverlap    = fs_.Int64Long("chunk-overlap", 100, "Chunk overlap in characters")
		topKRetrieval   = fs_.Int64Long("top-k-retrieval", 10, "Chunks retrieved per query")
		numCases        = fs_.Int64Long("num-cases", 5, "Test cases requested per generation")
		llmTemperature  = fs_.Float64Long("llm-temperature", 0.3, "LLM sampling temperature")
		llmMaxTokens    = fs_.Int64Long("llm-max-tokens", 4096, "Completion token budget for test case generation")
		scriptMaxTokens = fs_.Int64Long("script-max-tokens", 8192, "Completion token budget for script generation")
		maxFileSize     = fs_.Int64Long("max-file-size", 10<<20, "Per-file upload limit in bytes")
		maxDocuments    = fs_.Int64Long("max-documents", 5, "Stored requirement document cap")
		baseURL         = fs_.StringLong("base-url", "http://localhost:8000/checkout.html", "URL generated scripts open")
		adminKey        = fs_.StringLong("admin-key", "", "X-API-Key required on destructive routes (empty disables the check)")
	)

	if err := ff.Parse(fs_, os.Args[1:], ff.WithEnvVars()); err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(fs_))
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

	log := logger.New()

	ctx, cancel := context.WithCancelCause(context.Background())

	var repo db.Repository
	if strings.HasPrefix(*databaseURL, "postgres://") || strings.HasPrefix(*databaseURL, "postgresql://") {
		pg, err := postgres.New(ctx, *databaseURL)
		if err != nil {
			return fmt.Errorf("creating PostgreSQL connection: %w", err)
		}
		repo = pg
		log.InfoContext(ctx, "connected to PostgreSQL database")

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
		log.InfoContext(ctx, "opened SQLite database", "path", *databaseURL)
	}
	defer repo.Close()

	inner, err := google.NewEmbedder(ctx, *geminiAPIKey, *embeddingModel)
	if err != nil {
		return fmt.Errorf("creating Gemini embedder: %w", err)
	}
	embedder := kb.NewCachedEmbedder(inner, repo)
	store := kb.NewStore(repo, embedder)
	pipeline := rag.New(repo, store, int(*chunkSize), int(*chunkOverlap))

	// Script prompts carry full selector context and return whole files, so
	// they get a larger completion budget than case generation.
	var caseClient, scriptClient llm.Client
	switch *llmProvider {
	case "google":
		caseClient, err = google.NewClient(ctx, *geminiAPIKey, google.Model(*llmModel), float32(*llmTemperature), int32(*llmMaxTokens))
		if err != nil {
			return fmt.Errorf("creating Gemini client: %w", err)
		}
		scriptClient, err = google.NewClient(ctx, *geminiAPIKey, google.Model(*llmModel), float32(*llmTemperature), int32(*scriptMaxTokens))
		if err != nil {
			return fmt.Errorf("creating Gemini client: %w", err)
		}
	case "anthropic":
		caseClient = anthropic.NewClient(*anthropicAPIKey, anthropic.Model(*llmModel), float32(*llmTemperature), *llmMaxTokens)
		scriptClient = anthropic.NewClient(*anthropicAPIKey, anthropic.Model(*llmModel), float32(*llmTemperature), *scriptMaxTokens)
	case "openai":
		caseClient = openai.NewClient(*openaiAPIKey, openai.Model(*llmModel), float32(*llmTemperature), int(*llmMaxTokens))
		scriptClient = openai.NewClient(*openaiAPIKey, openai.Model(*llmModel), float32(*llmTemperature), int(*scriptMaxTokens))
	}
	caseClient = llm.Instrument(caseClient, *llmProvider, "testcase")
	scriptClient = llm.Instrument(scriptClient, *llmProvider, "script")

	caseGen := agent.NewCaseGenerator(caseClient, pipeline, repo, int(*topKRetrieval), int(*numCases))
	scriptGen := agent.NewScriptGenerator(scriptClient, pipeline, repo, *baseURL)
	checker := health.NewChecker(repo, *llmProvider)

	// Seed the chunk gauge so a restarted server reports reality before the
	// first build.
	if n, err := repo.CountChunks(ctx); err == nil {
		metrics.KBChunks.Set(float64(n))
	}

	router := web.NewRouter(web.Config{
		Repo:           repo,
		Log:            log,
		Store:          store,
		Pipeline:       pipeline,
		Cases:          caseGen,
		Scripts:        scriptGen,
		Checker:        checker,
		AdminKey:       *adminKey,
		MaxUploadBytes: *maxFileSize,
		MaxDocuments:   int(*maxDocuments),
	})

	// WriteTimeout covers the slowest LLM round trip on the generate routes.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.InfoContext(ctx, "received signal, shutting down gracefully", "signal", sig)
		cancel(errors.New("signal received"))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.ErrorContext(ctx, "server shutdown error", "error", err)
		}
	}()

	log.InfoContext(ctx, "starting web server", "port", *port, "provider", *llmProvider)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
