// Delfos - natural language to SQL chat server
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/delfos/internal/agent"
	"github.com/ashureev/delfos/internal/api"
	"github.com/ashureev/delfos/internal/config"
	"github.com/ashureev/delfos/internal/convlog"
	"github.com/ashureev/delfos/internal/coordinator"
	"github.com/ashureev/delfos/internal/identity"
	"github.com/ashureev/delfos/internal/llm"
	"github.com/ashureev/delfos/internal/metrics"
	"github.com/ashureev/delfos/internal/middleware"
	"github.com/ashureev/delfos/internal/store"
	"github.com/ashureev/delfos/internal/toolclient"
	"github.com/ashureev/delfos/internal/validator"
)

const version = "1.0.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		slog.Error("Failed to load policy", "path", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	model, err := llm.New(ctx, llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		MaxTokens:       cfg.LLM.MaxTokens,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.LLM.OpenAIBaseURL,
		AzureEndpoint:   cfg.LLM.AzureEndpoint,
		AzureDeployment: cfg.LLM.AzureDeployment,
		AzureAPIVersion: cfg.LLM.AzureAPIVersion,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		GeminiAPIKey:    cfg.LLM.GeminiAPIKey,
		OllamaHost:      cfg.LLM.OllamaHost,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	if closer, ok := model.(io.Closer); ok {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				slog.Error("Failed to close LLM client", "error", closeErr)
			}
		}()
	}
	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = cfg.LLM.RetryAttempts
	model = llm.Instrument(model, logger, retry)
	slog.Info("LLM provider initialized", "provider", model.Name(), "model", cfg.LLM.Model)

	// Tool servers are dialed lazily; a server that is down at startup only
	// degrades /api/health until it comes back.
	dialCfg := toolclient.DefaultDialConfig()
	dialCfg.GRPC.ConnectTimeout = cfg.Tools.ConnectTimeout
	sqlTools, err := newToolClient("sql", cfg.Tools.SQLServerURL, dialCfg, cfg.Tools.Timeout, logger)
	if err != nil {
		slog.Error("Failed to configure SQL tool server", "error", err)
		os.Exit(1)
	}
	defer sqlTools.Close()
	chartTools, err := newToolClient("chart", cfg.Tools.ChartServerURL, dialCfg, cfg.Tools.Timeout, logger)
	if err != nil {
		slog.Error("Failed to configure chart tool server", "error", err)
		os.Exit(1)
	}
	defer chartTools.Close()

	// Initialize agents.
	matcher := agent.NewMatcher(policy.Vocabulary)
	var classifier agent.Classifier = agent.NewKeywordClassifier(matcher)
	if cfg.Classifier == config.ClassifierLLM {
		classifier = &agent.FallbackClassifier{
			Primary:   agent.NewLLMClassifier(model, logger),
			Secondary: classifier,
			Logger:    logger,
		}
	}

	sqlAgent := agent.NewSQLAgent(model, validator.New(policy.Validator), sqlTools, agent.SQLAgentConfig{
		ExecuteTool:    cfg.Tools.ExecuteTool,
		MaxCorrections: cfg.Tools.MaxCorrections,
		RetryBackoff:   cfg.Tools.RetryBackoff,
		MaxRows:        cfg.Tools.MaxRows,
		Dialect:        cfg.Tools.Dialect,
		HistoryTurns:   cfg.HistoryTurns,
	}, logger)

	vizCfg := agent.DefaultVizAgentConfig()
	vizCfg.ChartTool = cfg.Tools.ChartTool
	vizCfg.RetryBackoff = cfg.Tools.RetryBackoff
	vizAgent := agent.NewVizAgent(model, chartTools, vizCfg, logger)

	coord := coordinator.New(coordinator.Deps{
		Classifier:   classifier,
		SQL:          sqlAgent,
		Viz:          vizAgent,
		Conversation: agent.NewConversationalist(model, cfg.HistoryTurns, logger),
		SchemaTools:  sqlTools,
		Matcher:      matcher,
		Store:        repo,
		Log:          conversationLogger,
		Logger:       logger,
	}, coordinator.Config{
		ListTablesTool:  cfg.Tools.ListTablesTool,
		DescribeTool:    cfg.Tools.DescribeTool,
		SchemaMaxTables: cfg.Tools.SchemaMaxTables,
		HistoryTurns:    cfg.HistoryTurns,
	})

	// Initialize handlers.
	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	chatHandler := api.NewHandler(coord, api.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window), api.Options{
		AllowedOrigin:   allowedOrigin,
		IsDev:           cfg.IsDevelopment(),
		MaxMessageBytes: cfg.MaxRequestBodyBytes,
		Logger:          logger,
	})
	healthHandler := api.NewHealthHandler(api.HealthConfig{
		Version:     version,
		LLMProvider: model.Name(),
		Agents: []string{
			coordinator.StepClassifier,
			coordinator.StepSQLAgent,
			coordinator.StepVizAgent,
			coordinator.StepConversation,
		},
		Checks: map[string]api.Pinger{
			"database":    repo,
			"sql_tools":   sqlTools,
			"chart_tools": chartTools,
		},
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{allowedOrigin}))
	r.Use(middleware.MaxBody(cfg.MaxRequestBodyBytes))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Chat routes carry an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
	})

	// Create server.
	// Chat turns can outlive a short write deadline, so WriteTimeout stays 0.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	coord.StartEvictionWorker(ctx, coordinator.EvictionConfig{
		IdleTTL:  cfg.SessionIdleTTL,
		Interval: cfg.SessionSweep,
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newToolClient(name, endpoint string, dialCfg toolclient.DialConfig, timeout time.Duration, logger *slog.Logger) (*toolclient.Client, error) {
	dial, err := toolclient.NewDialer(endpoint, dialCfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Tool server configured", "server", name, "endpoint", endpoint)
	return toolclient.New(dial, toolclient.Options{
		Name:    name,
		Timeout: timeout,
		Logger:  logger,
	}), nil
}
