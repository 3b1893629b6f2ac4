package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dfetterman/taxjimmy/api"
	"github.com/dfetterman/taxjimmy/internal/advisory"
	"github.com/dfetterman/taxjimmy/internal/auth"
	"github.com/dfetterman/taxjimmy/internal/config"
	"github.com/dfetterman/taxjimmy/internal/db"
	"github.com/dfetterman/taxjimmy/internal/extraction"
	"github.com/dfetterman/taxjimmy/internal/observability/metrics"
	"github.com/dfetterman/taxjimmy/internal/reconcile"
	"github.com/dfetterman/taxjimmy/internal/resilience"
	"github.com/dfetterman/taxjimmy/internal/storage"
	"github.com/dfetterman/taxjimmy/internal/verify"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer conn.Close()
	store := db.NewStore(conn, log)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	var pdfs *storage.Store
	if cfg.Storage.Endpoint != "" {
		pdfs, err = storage.New(ctx, cfg.Storage)
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable, pdfs will not be stored")
			pdfs = nil
		}
	}

	provider, closeProvider, err := newProvider(ctx, cfg.Advisory)
	if err != nil {
		log.Fatal().Err(err).Msg("advisory provider setup failed")
	}
	defer closeProvider()

	m := metrics.New()
	normalizer := extraction.NewNormalizer(cfg.Tolerances.Rounding(), log)
	interpreter := advisory.NewInterpreter(cfg.Tolerances.Rate(), log)
	engine := reconcile.NewEngine(reconcile.Tolerances{
		Amount:   cfg.Tolerances.Amount(),
		Relative: cfg.Tolerances.Relative(),
	}, log)

	executor := resilience.NewExecutor(resilience.Policy{
		MaxAttempts:    cfg.Advisory.Retry.MaxAttempts,
		InitialBackoff: cfg.Advisory.Retry.InitialBackoff(),
		MaxBackoff:     cfg.Advisory.Retry.MaxBackoff(),
		Multiplier:     cfg.Advisory.Retry.Multiplier,
		BreakerEnabled: true,
	}, resilience.ClassifyAdvisoryError, log)

	orchestrator := verify.NewOrchestrator(verify.Options{
		Provider:       provider,
		Interpreter:    interpreter,
		Engine:         engine,
		Store:          store,
		Executor:       executor,
		Metrics:        m,
		KnowledgeBases: cfg.Advisory.KnowledgeBases,
		Concurrency:    cfg.Advisory.Concurrency,
		RequestTimeout: cfg.RequestTimeout(),
		RequestsPerSec: cfg.Advisory.RequestsPerSecond,
		Burst:          cfg.Advisory.Burst,
	}, log)

	authManager := auth.NewManager(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	handler := api.NewHandler(store, pdfs, normalizer, orchestrator, authManager, m, log)
	router := handler.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().
		Str("addr", addr).
		Str("version", api.Version).
		Str("advisory_provider", cfg.Advisory.DefaultProvider).
		Int("knowledge_bases", len(cfg.Advisory.KnowledgeBases)).
		Bool("pdf_storage", pdfs != nil).
		Msg("starting invoice tax verification service")

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // verification fan-out can be slow
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func newProvider(ctx context.Context, cfg config.AdvisoryConfig) (advisory.Provider, func(), error) {
	switch cfg.DefaultProvider {
	case "gemini":
		p, err := advisory.NewGeminiProvider(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	case "openai", "":
		p := advisory.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
		return p, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown advisory provider %q", cfg.DefaultProvider)
	}
}
