package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	insightbot "github.com/dauletk/insightbot"
	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/llm"
	"github.com/dauletk/insightbot/internal/orchestrator"
	"github.com/dauletk/insightbot/internal/repository"
	"github.com/dauletk/insightbot/internal/schema"
	"github.com/dauletk/insightbot/internal/service"
	slackbot "github.com/dauletk/insightbot/internal/slack"
	"github.com/dauletk/insightbot/internal/tools"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to the application database (sessions, logs, patterns)
	appPool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to application database", "error", err)
		os.Exit(1)
	}
	defer appPool.Close()

	// Connect to the analytical warehouse (read-only query target)
	warehousePool, err := repository.NewPool(ctx, cfg.WarehouseURL)
	if err != nil {
		slog.Error("failed to connect to warehouse", "error", err)
		os.Exit(1)
	}
	defer warehousePool.Close()

	// Run migrations on the application database
	migrationsFS, err := fs.Sub(insightbot.MigrationsFS, "migrations")
	if err != nil {
		slog.Error("failed to load embedded migrations", "error", err)
		os.Exit(1)
	}
	if err := repository.RunMigrations(cfg.DatabaseURL, migrationsFS); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Load schema documentation
	docs, err := schema.NewLoader(cfg.DocsDir).Load()
	if err != nil {
		slog.Error("failed to load schema docs", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	sessionStore := repository.NewSessionStore(appPool)
	interactionLog := repository.NewInteractionLog(appPool)
	patternCache := repository.NewPatternCache(appPool)

	// Initialize services
	llmClient := llm.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel)
	executor := service.NewExecutor(warehousePool, cfg.StatementTimeout)
	classifier := service.NewClassifier(llmClient)
	generator := service.NewGenerator(service.GeneratorOpts{
		LLM:                llmClient,
		Docs:               docs,
		Patterns:           patternCache,
		Sampler:            executor,
		Discovery:          cfg.DiscoveryEnabled,
		DiscoveryMaxTables: cfg.DiscoveryMaxTables,
		Schemas:            cfg.WarehouseSchemas,
	})
	refiner := service.NewRefiner(llmClient, docs)
	analyst := service.NewAnalyst(llmClient)

	var enricher orchestrator.Enricher
	if cfg.EnrichEnabled {
		enricher = service.NewEnricher(executor, cfg.EnrichLookupTable, cfg.EnrichLookupKey, cfg.EnrichLookupLabels)
	}

	manager := orchestrator.NewManager(orchestrator.Opts{
		Classifier:     classifier,
		Generator:      generator,
		Refiner:        refiner,
		Analyst:        analyst,
		Executor:       executor,
		Store:          sessionStore,
		Log:            interactionLog,
		Patterns:       patternCache,
		Enricher:       enricher,
		SessionTimeout: cfg.SessionTimeout,
		MaxRetries:     cfg.SQLMaxRetries,
		HistoryLimit:   cfg.HistoryLimit,
		HistoryWindow:  cfg.HistoryWindow,
	})

	// Initialize transport
	client := slackbot.NewClient(cfg.SlackBotToken)
	server := slackbot.NewServer(client, manager, patternCache, appPool, cfg.SlackSigningSecret)

	router := server.Router()
	tools.NewServer(generator, executor, docs).Register(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("starting server", "port", cfg.Port, "model", cfg.OpenAIModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	slog.Info("server stopped gracefully")
}
