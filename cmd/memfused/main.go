// Command memfused runs the MemFuse daemon: the HTTP chat/task API, the
// live trace websocket, and (when started with -mcp-stdio) an MCP stdio server sharing
// the same Router, all backed by one storage engine and one async
// Extractor pipeline.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/memfuse/internal/config"
	memcontext "github.com/scrypster/memfuse/internal/context"
	"github.com/scrypster/memfuse/internal/embedding"
	"github.com/scrypster/memfuse/internal/extractor"
	httpapi "github.com/scrypster/memfuse/internal/api/http"
	mcpapi "github.com/scrypster/memfuse/internal/api/mcp"
	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/internal/logging"
	"github.com/scrypster/memfuse/internal/maintenance"
	"github.com/scrypster/memfuse/internal/orchestrator"
	"github.com/scrypster/memfuse/internal/ratelimit"
	"github.com/scrypster/memfuse/internal/retriever"
	"github.com/scrypster/memfuse/internal/router"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/store/postgres"
	"github.com/scrypster/memfuse/internal/store/sqlite"
	"github.com/scrypster/memfuse/internal/subagents"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/internal/trace"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	stdio := flag.Bool("mcp-stdio", false, "also serve MCP tool calls over stdin/stdout")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memfused: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "memfused: invalid config: %v\n", err)
		os.Exit(1)
	}

	logLevel := os.Getenv("MEMFUSE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	log := logging.New(logLevel, cfg.Security.SecurityMode)

	backend, rawDB, err := openStore(*cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage backend")
	}
	defer backend.Close()

	embedder := buildEmbedder(*cfg)
	llm, err := buildLLM(*cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build llm client")
	}

	counter := tokenizer.Global
	ctxController := memcontext.New(counter, cfg.Context)
	ret := retriever.New(backend, backend, backend, embedder, cfg.Retrieval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := extractor.New(backend, backend, backend, backend, embedder, llm, counter, cfg.Extractor, logging.Component(log, "extractor"))
	ex.Start(ctx)
	defer ex.Stop(context.Background(), cfg.Extractor.ShutdownTimeout)

	registry := subagents.NewRegistry()
	registry.Register(subagents.NewRAGQueryAgent(ret, ctxController, llm, backend))
	registry.Register(subagents.NewReportGenerationAgent(llm))
	registry.Register(subagents.NewShellCommandAgent())
	registry.Register(subagents.NewWebSearchAgent(nil))
	if rawDB != nil {
		registry.Register(subagents.NewDatabaseQueryAgent(rawDB, llm))
	}

	planner := orchestrator.NewPlanner(llm, registry)
	orch := orchestrator.New(backend, backend, backend, embedder, planner, registry, ex, cfg.Procedural, logging.Component(log, "orchestrator"))

	hub := trace.NewHub(logging.Component(log, "trace"))
	go hub.Run()
	defer hub.Stop()
	recorder := trace.NewRecorder(hub)
	orch.WithRecorder(recorder)

	if cfg.Procedural.MaintenanceEnabled {
		sweeper := maintenance.New(backend, backend, cfg.Procedural.DistillDedupThreshold, cfg.Procedural.LessonRetention, logging.Component(log, "maintenance"))
		if err := sweeper.Start(ctx, cfg.Procedural.MaintenanceCron); err != nil {
			log.Warn().Err(err).Str("schedule", cfg.Procedural.MaintenanceCron).Msg("failed to schedule maintenance sweep")
		} else {
			defer sweeper.Stop(context.Background())
		}
	}

	limiter := ratelimit.New(50, 100, 5, 10)
	rt := router.New(backend, ret, ctxController, llm, ex, orch, limiter, cfg.Context, logging.Component(log, "router"))

	srv := httpapi.New(rt, hub, recorder, cfg, logging.Component(log, "http"))
	addr, err := srv.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start http server")
	}
	log.Info().Str("addr", addr).Msg("memfused listening")

	var mcpDone chan struct{}
	if *stdio {
		mcpSrv := mcpapi.NewServer(rt, recorder)
		transport := mcpapi.NewStdioTransport(mcpSrv, os.Stdin, os.Stdout)
		mcpDone = make(chan struct{})
		go func() {
			defer close(mcpDone)
			transport.Serve(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	if mcpDone != nil {
		select {
		case <-mcpDone:
		case <-time.After(2 * time.Second):
		}
	}
	time.Sleep(500 * time.Millisecond)
}

// openStore opens the configured storage engine and, for the postgres
// engine, also returns the raw *sql.DB so DatabaseQueryAgent can issue
// read-only SQL directly. store.Store deliberately doesn't expose its
// connection, so this is the one place that reaches past the interface.
func openStore(cfg config.Config) (store.Store, *sql.DB, error) {
	switch cfg.Storage.StorageEngine {
	case "postgres":
		s, err := postgres.New(postgres.Config{
			DSN:             cfg.Storage.DatabaseURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		rawDB, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return s, nil, nil
		}
		return s, rawDB, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite data dir: %w", err)
		}
		s, err := sqlite.New(cfg.Storage.DataPath + "/memfuse.db")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.StorageEngine)
	}
}

func buildEmbedder(cfg config.Config) embedding.Embedder {
	var e embedding.Embedder = embedding.NewOpenAIEmbedder(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDim)
	if cached, err := embedding.NewCachingEmbedder(e, cfg.LLM.EmbeddingCacheSize); err == nil {
		e = cached
	}
	e = embedding.NewCircuitBreakingEmbedder(e, embedding.CircuitBreakerConfig{
		MaxFailures: cfg.LLM.CircuitBreakerMaxFailures,
		Timeout:     cfg.LLM.CircuitBreakerTimeout,
	})
	return e
}

func buildLLM(cfg config.Config) (llmclient.LLM, error) {
	llm, err := llmclient.New(llmclient.ProviderConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return llmclient.NewCircuitBreakingLLM(llm, llmclient.CircuitBreakerConfig{
		MaxFailures: cfg.LLM.CircuitBreakerMaxFailures,
		Timeout:     cfg.LLM.CircuitBreakerTimeout,
	}), nil
}
