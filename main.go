package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CK991357/gemini-chat-sub000/internal/agent"
	"github.com/CK991357/gemini-chat-sub000/internal/config"
	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/history"
	"github.com/CK991357/gemini-chat-sub000/internal/httpapi"
	"github.com/CK991357/gemini-chat-sub000/internal/knowledge"
	"github.com/CK991357/gemini-chat-sub000/internal/llm"
	"github.com/CK991357/gemini-chat-sub000/internal/session"
	"github.com/CK991357/gemini-chat-sub000/internal/tools"
	"github.com/CK991357/gemini-chat-sub000/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Configuration: hot-reloaded from CONFIG_PATH when set, defaults plus
	// environment overrides otherwise.
	var (
		cfg     config.Config
		manager *config.Manager
	)
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		manager, err = config.NewManager(path, bootLogger)
		if err != nil {
			bootLogger.Fatal("failed to create config manager", zap.Error(err))
		}
		if err := manager.Start(ctx); err != nil {
			bootLogger.Fatal("failed to load configuration", zap.Error(err))
		}
		cfg = manager.Current()
	} else {
		cfg, err = config.Load("")
		if err != nil {
			bootLogger.Fatal("failed to load configuration", zap.Error(err))
		}
	}

	logger := buildLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format, bootLogger)
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing initialization failed, continuing without traces", zap.Error(err))
	}

	eventMgr := events.NewManager(256, logger)
	bus := databus.New(cfg.Research.RetentionSteps, cfg.Research.PayloadCeiling, logger)
	llmClient := llm.NewHTTPClient(cfg.LLMServiceURL, 120*time.Second, logger)

	var retriever *knowledge.CachedRetriever
	if cfg.KnowledgeURL != "" {
		retriever = knowledge.NewCachedRetriever(
			knowledge.NewHTTPRetriever(cfg.KnowledgeURL, 30*time.Second, logger),
			10*time.Minute)
		logger.Info("knowledge retrieval enabled", zap.String("url", cfg.KnowledgeURL))
	}

	registry := tools.NewRegistry()
	for _, name := range cfg.ToolNames {
		registry.Register(tools.NewHTTPTool(name, cfg.ToolService,
			time.Duration(cfg.Research.ToolTimeoutSeconds)*time.Second, logger))
	}
	if execTool, ok := registry.Get("code_interpreter"); ok {
		var docs tools.DocRetriever
		if retriever != nil {
			docs = retriever
		}
		registry.Register(tools.NewCodeExpert(llmClient, cfg.Model, execTool, docs,
			cfg.Research.MaxRepairAttempts, logger))
	}

	var archive *session.Archive
	if cfg.RedisAddr != "" {
		archive, err = session.NewArchive(cfg.RedisAddr, 24*time.Hour, logger)
		if err != nil {
			logger.Warn("run archive unavailable, results served from history only",
				zap.String("redis_addr", cfg.RedisAddr), zap.Error(err))
			archive = nil
		}
	}

	var store *history.Store
	if cfg.HistoryDSN != "" {
		store, err = history.Open(cfg.HistoryDSN, logger)
		if err != nil {
			logger.Warn("run history unavailable", zap.String("dsn", cfg.HistoryDSN), zap.Error(err))
			store = nil
		}
	}

	newRunner := func(c config.Config) *agent.Runner {
		return agent.NewRunner(llmClient, c.Model, registry, bus, eventMgr, retriever, c.Research, logger)
	}

	handler := httpapi.NewResearchHandler(newRunner(cfg), archive, store, logger)
	streaming := httpapi.NewStreamingHandler(eventMgr, logger)

	if manager != nil {
		manager.OnChange(func(c config.Config) {
			handler.SetRunner(newRunner(c))
			logger.Info("configuration reloaded",
				zap.Int("max_iterations", c.Research.MaxIterations),
				zap.String("model", c.Model))
		})
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	streaming.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})

	if cfg.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.Observability.Metrics.Port)
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	port := 8081
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("research service listening",
			zap.Int("port", port),
			zap.Strings("tools", registry.Names()),
			zap.String("model", cfg.Model))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if manager != nil {
		manager.Stop()
	}
	if archive != nil {
		archive.Close()
	}
	if store != nil {
		store.Close()
	}
	logger.Info("shutdown complete")
}

// buildLogger constructs the service logger from the logging config, falling
// back to the boot logger's production defaults on a bad level.
func buildLogger(level, format string, fallback *zap.Logger) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		fallback.Warn("invalid log level, using info", zap.String("level", level))
		lvl = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zcfg.Build()
	if err != nil {
		fallback.Warn("failed to build configured logger", zap.Error(err))
		return fallback
	}
	return logger
}
