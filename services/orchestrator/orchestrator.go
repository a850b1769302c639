// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the graph question-answering service.
//
// This package contains the Service type that coordinates all components:
// the Neo4j store, the LLM client, the question pipeline, HTTP routing, and
// observability infrastructure.
//
// # Usage
//
//	cfg, err := config.Load("graphask.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// Tests and embedders can replace the external dependencies:
//
//	svc, err := orchestrator.New(ctx, cfg,
//	    orchestrator.WithGraphStore(fakeStore),
//	    orchestrator.WithLLMClient(fakeLLM))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/graphask/services/composer"
	"github.com/AleutianAI/graphask/services/cypher"
	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/llm"
	"github.com/AleutianAI/graphask/services/orchestrator/config"
	"github.com/AleutianAI/graphask/services/orchestrator/handlers"
	"github.com/AleutianAI/graphask/services/orchestrator/middleware"
	"github.com/AleutianAI/graphask/services/orchestrator/observability"
	"github.com/AleutianAI/graphask/services/orchestrator/pipeline"
	"github.com/AleutianAI/graphask/services/orchestrator/routes"
	"github.com/AleutianAI/graphask/services/querycache"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the graph question-answering service.
//
// # Description
//
// Service abstracts the lifecycle so the CLI can run it as an HTTP server
// or drive the pipeline directly from a terminal session.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the background sweepers and the HTTP server, and blocks
	// until ctx is cancelled or the server fails. Resources are released
	// on return.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine.
	Router() *gin.Engine

	// Pipeline returns the question pipeline.
	Pipeline() *pipeline.Pipeline

	// Ping checks that the graph database is reachable.
	Ping(ctx context.Context) error

	// Close releases the graph driver and flushes telemetry. It is called
	// by Run; callers that never Run must call it themselves.
	Close(ctx context.Context) error
}

// Option customizes New.
type Option func(*service)

// WithGraphStore replaces the Neo4j store.
func WithGraphStore(store graphstore.Store) Option {
	return func(s *service) { s.store = store }
}

// WithLLMClient replaces the configured model backend. The rate limit is
// still applied.
func WithLLMClient(client llm.LLMClient) Option {
	return func(s *service) { s.llmClient = client }
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Fields
//
//   - config: Validated service configuration
//   - registry: Prometheus registry served on /metrics
//   - store: Graph database access
//   - llmClient: Model client shared by the translator and composer
//   - cache: Answer cache swept by the janitor
//   - sessions: Conversation sessions swept by the reaper
//   - pipeline: The question pipeline
//   - router: Gin HTTP engine
//   - tracerShutdown: Flushes spans on exit
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New
// returns.
type service struct {
	config         config.Config
	registry       *prometheus.Registry
	metrics        *observability.PipelineMetrics
	store          graphstore.Store
	llmClient      llm.LLMClient
	cache          *querycache.Cache
	sessions       *pipeline.SessionManager
	pipeline       *pipeline.Pipeline
	router         *gin.Engine
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New creates a Service from a validated configuration.
//
// # Description
//
// New initializes all components:
//  1. Validates the configuration
//  2. Initializes OpenTelemetry tracing
//  3. Creates a Prometheus registry and the pipeline metrics
//  4. Creates the Neo4j store (the driver connects lazily)
//  5. Creates the LLM client for the configured backend, rate limited
//  6. Assembles the schema provider, translator, validator, engine,
//     composer, cache and session manager into a pipeline
//  7. Sets up HTTP routes
//
// The graph database is not contacted; an unreachable database is
// reported by /health and by failed asks.
//
// # Inputs
//
//   - ctx: Used while creating the trace exporter.
//   - cfg: Configuration, typically from config.Load.
//   - opts: Dependency overrides.
//
// # Outputs
//
//   - Service: Ready to run.
//   - error: Non-nil if the configuration is invalid or a client cannot
//     be created.
func New(ctx context.Context, cfg config.Config, opts ...Option) (Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	s := &service{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewPipelineMetrics(s.registry)

	if err := s.initGraphStore(); err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize graph store: %w", err)
	}
	if err := s.initLLMClient(); err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	if err := s.initPipeline(); err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	s.initRouter()

	slog.Info("Service initialized", "config", cfg)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup(context.Background())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	janitorDone := s.cache.StartJanitor(runCtx, s.config.Cache.JanitorInterval)
	reaperDone := s.sessions.StartReaper(runCtx, s.config.Sessions.ReapInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("Starting graphask server", "port", s.config.Server.Port)

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		slog.Info("Shutting down graphask server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		err = srv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	cancel()
	<-janitorDone
	<-reaperDone
	return err
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Pipeline returns the question pipeline.
func (s *service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Ping checks that the graph database is reachable.
func (s *service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the graph driver and flushes telemetry.
func (s *service) Close(ctx context.Context) error {
	return s.cleanup(ctx)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initGraphStore creates the Neo4j store unless one was injected.
func (s *service) initGraphStore() error {
	if s.store != nil {
		return nil
	}
	store, err := graphstore.NewNeo4jStore(graphstore.Neo4jConfig{
		URL:      s.config.Graph.URL,
		Username: s.config.Graph.Username,
		Password: s.config.Graph.Password,
		Database: s.config.Graph.Database,
	})
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// initLLMClient creates the model client for the configured backend and
// wraps it in the rate limiter.
func (s *service) initLLMClient() error {
	cfg := s.config.LLM
	if s.llmClient == nil {
		var err error
		switch cfg.Backend {
		case config.BackendGroq:
			s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:     cfg.APIKey,
				SecretPath: cfg.SecretPath,
				BaseURL:    llm.GroqBaseURL,
				Model:      cfg.Model,
			})
			slog.Info("Using Groq LLM backend", "model", cfg.Model)
		case config.BackendOpenAI:
			s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:     cfg.APIKey,
				SecretPath: cfg.SecretPath,
				BaseURL:    cfg.BaseURL,
				Model:      cfg.Model,
			})
			slog.Info("Using OpenAI LLM backend", "model", cfg.Model)
		case config.BackendOllama:
			s.llmClient, err = llm.NewOllamaClient(llm.OllamaConfig{
				BaseURL: cfg.BaseURL,
				Model:   cfg.Model,
				Timeout: cfg.Timeout,
			})
			slog.Info("Using Ollama LLM backend", "model", cfg.Model, "base_url", cfg.BaseURL)
		default:
			err = fmt.Errorf("unknown LLM backend %q", cfg.Backend)
		}
		if err != nil {
			return err
		}
	}
	if cfg.RequestsPerSecond > 0 {
		s.llmClient = llm.NewRateLimitedClient(s.llmClient, cfg.RequestsPerSecond, cfg.Burst)
	}
	return nil
}

// initPipeline assembles the question pipeline.
func (s *service) initPipeline() error {
	cfg := s.config

	s.cache = querycache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	s.cache.SetObserver(s.metrics)
	s.sessions = pipeline.NewSessionManager(pipeline.SessionConfig{
		ContextWindow:    cfg.Pipeline.ContextWindow,
		FingerprintDepth: cfg.Pipeline.FingerprintDepth,
		IdleTTL:          cfg.Sessions.IdleTTL,
	}, s.metrics)

	retry := pipeline.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Pipeline.MaxAttempts

	p, err := pipeline.New(pipeline.Deps{
		Schema: graphstore.NewSchemaProvider(s.store, cfg.Graph.SchemaTTL, cfg.Graph.SchemaTimeout),
		Translator: cypher.NewTranslator(s.llmClient, cypher.TranslatorConfig{
			HistoryTokenBudget: cfg.Pipeline.HistoryTokenBudget,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			Timeout:            cfg.LLM.Timeout,
		}, cypher.WithTokenCounter(cypher.DefaultTokenCounter)),
		Validator: cypher.NewValidator(cfg.Pipeline.RowLimit),
		Engine:    graphstore.NewEngine(s.store),
		Composer: composer.New(s.llmClient, composer.Config{
			Paraphrase: cfg.LLM.Paraphrase,
			Timeout:    cfg.LLM.Timeout,
		}),
		Cache:    s.cache,
		Sessions: s.sessions,
		Metrics:  s.metrics,
	}, pipeline.Config{
		ExecutionTimeout: cfg.Pipeline.ExecutionTimeout,
		Retry:            retry,
	})
	if err != nil {
		return err
	}
	s.pipeline = p
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	gin.SetMode(s.config.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))
	s.router.Use(middleware.AccessLog(nil))

	routes.SetupRoutes(s.router, handlers.NewHandlers(s.pipeline, s.store), s.registry)
}

// cleanup releases all resources held by the service. Only the first
// call does any work.
func (s *service) cleanup(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.release(ctx) })
	return s.closeErr
}

func (s *service) release(ctx context.Context) error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			slog.Warn("Graph store close error", "error", err)
			errs = append(errs, err)
		}
	}
	if s.tracerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.tracerShutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
