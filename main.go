package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/auth"
	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
	cfg "github.com/Kocoro-lab/consistency-engine/internal/config"
	"github.com/Kocoro-lab/consistency-engine/internal/db"
	"github.com/Kocoro-lab/consistency-engine/internal/degradation"
	"github.com/Kocoro-lab/consistency-engine/internal/embeddings"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/health"
	"github.com/Kocoro-lab/consistency-engine/internal/httpapi"
	"github.com/Kocoro-lab/consistency-engine/internal/orchestrator"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
	"github.com/Kocoro-lab/consistency-engine/internal/streaming"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	config, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(config.Observability.Logging.Level, config.Observability.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	shutdownTracing, err := tracing.Initialize(config.Observability.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// ------------------------------------------------------------------
	// Health manager and admin endpoints come up first so health checks answer
	// while the store migrates.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	if config.Observability.Metrics.Enabled {
		adminMux.Handle("GET /metrics", promhttp.Handler())
	}
	adminPort := getEnvOrDefaultInt("HEALTH_PORT", config.Server.AdminPort)
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(adminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", adminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	if port := cfg.MetricsPort(config, adminPort); config.Observability.Metrics.Enabled && port != adminPort {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", promhttp.Handler())
			logger.Info("Metrics server listening", zap.Int("port", port))
			if err := http.ListenAndServe(":"+strconv.Itoa(port), mux); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	// Store
	var (
		st       store.Store
		sink     orchestrator.ProgressSink
		dbClient *db.Client
		deps     = map[string]degradation.Dependency{}
	)
	if config.Database.Driver == "memory" {
		st = store.NewMemory()
		logger.Warn("Using in-memory store; nothing survives a restart")
	} else {
		dbClient, err = db.NewClient(&db.Config{
			Driver:         config.Database.Driver,
			DSN:            getEnvOrDefault("DATABASE_URL", config.Database.DSN),
			Host:           getEnvOrDefault("POSTGRES_HOST", "postgres"),
			Port:           getEnvOrDefaultInt("POSTGRES_PORT", 5432),
			User:           getEnvOrDefault("POSTGRES_USER", "consistency"),
			Password:       getEnvOrDefault("POSTGRES_PASSWORD", "consistency"),
			Database:       getEnvOrDefault("POSTGRES_DB", "consistency"),
			SSLMode:        getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
			MaxConnections: config.Database.MaxConnections,
			Workers:        config.Database.Workers,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()
		st, sink = dbClient.Store(), dbClient
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Wrapper(), logger))
		deps[degradation.DependencyDatabase] = dbClient.Wrapper()
	}

	// Redis backs the shared progress stream when configured.
	var rdb *redis.Client
	if addr := getEnvOrDefault("REDIS_ADDR", config.Redis.Addr); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rdb, nil, logger))
		logger.Info("Progress events mirrored to Redis Streams", zap.String("addr", addr))
	}
	stream := streaming.NewManager(rdb, config.Streaming.Capacity, logger)

	// Signals
	tunables := cfg.TunablesFrom(config)
	providers := []signals.Provider{signals.NewHeuristicProvider(), signals.NewMorphoProvider()}
	if config.Signals.Embeddings.BaseURL != "" {
		embCfg := config.Signals.Embeddings
		if embCfg.RedisAddr == "" {
			embCfg.RedisAddr = config.Redis.Addr
		}
		var cache embeddings.EmbeddingCache
		if embCfg.RedisAddr != "" {
			rc, err := embeddings.NewRedisCache(embCfg.RedisAddr, logger)
			if err != nil {
				logger.Warn("Embedding cache unavailable, using in-process LRU only", zap.Error(err))
			} else {
				cache = rc
			}
		}
		emb := embeddings.NewService(embCfg, cache, logger)
		providers = append(providers, signals.NewSemanticProvider(emb, embCfg.DefaultModel))
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker("embeddings", emb, false))
		deps[degradation.DependencyEmbeddings] = emb
	}
	if config.Signals.LLM.BaseURL != "" {
		llm := signals.NewLLMProvider(signals.LLMConfig{
			BaseURL: config.Signals.LLM.BaseURL,
			Model:   config.Signals.LLM.Model,
			Timeout: config.Signals.LLM.Timeout,
			RPM:     config.Signals.LLM.RPM,
		}, logger)
		providers = append(providers, llm)
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker("llm_signal", llm, false))
		deps[degradation.DependencyLLM] = llm
	}
	scorer := signals.NewScorer(providers, tunables.SignalWeights(), config.Signals.Timeout, logger)

	// Engine components
	tables := attributes.DefaultTables()
	if path := config.Attributes.TablesFile; path != "" {
		if tables, err = attributes.LoadTablesFile(path); err != nil {
			logger.Fatal("Failed to load attribute tables", zap.String("path", path), zap.Error(err))
		}
	}
	resolver := entities.NewResolver(st, scorer, config.Resolver, logger)
	analyzer := attributes.NewAnalyzer(st, tables, config.Attributes, logger)
	alertManager := alerts.NewManager(st, logger)

	var extractor orchestrator.Extractor
	if base := getEnvOrDefault("EXTRACTOR_URL", config.Extractor.BaseURL); base != "" {
		he := orchestrator.NewHTTPExtractor(base, config.Extractor.Timeout, logger)
		extractor = he
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker("extractor", he, true))
	} else {
		logger.Warn("No extractor configured; analyses accept findings only")
	}

	degradationManager := degradation.NewManager(deps, logger)
	if err := degradationManager.Start(ctx); err != nil {
		logger.Warn("Degradation manager failed to start", zap.Error(err))
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:       st,
		Resolver:    resolver,
		Analyzer:    analyzer,
		Alerts:      alertManager,
		Extractor:   extractor,
		Degradation: degradationManager,
		Stream:      stream,
		Sink:        sink,
	}, config.Orchestrator, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	_ = hm.RegisterChecker(health.NewHeavyQueueHealthChecker(orch, 0))

	recoverCtx, cancelRecover := context.WithTimeout(ctx, time.Minute)
	if report, err := orch.Recover(recoverCtx); err != nil {
		logger.Error("Startup recovery failed", zap.Error(err))
	} else {
		logger.Info("Startup recovery finished", zap.Any("report", report))
	}
	cancelRecover()

	// Hot reload of tunables from the config file's directory.
	configPath := cfg.Path()
	if _, err := os.Stat(configPath); err == nil {
		configMgr, err := cfg.NewConfigManager(filepath.Dir(configPath), logger)
		if err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		} else {
			runtime := cfg.NewRuntimeManager(configMgr, configPath, tunables, logger)
			runtime.Initialize()
			runtime.OnChange(func(old, updated *cfg.Tunables) {
				resolver.SetConfig(updated.Resolver)
				scorer.SetWeights(updated.SignalWeights())
				analyzer.SetConfig(updated.Attributes)
				if path := updated.Attributes.TablesFile; path != "" && path != old.Attributes.TablesFile {
					t, err := attributes.LoadTablesFile(path)
					if err != nil {
						logger.Error("Failed to reload attribute tables", zap.String("path", path), zap.Error(err))
					} else {
						analyzer.SetTables(t)
					}
				}
				orch.SetConfig(updated.Orchestrator)
			})
			if err := configMgr.Start(ctx); err != nil {
				logger.Warn("Config manager start failed", zap.Error(err))
			} else {
				defer configMgr.Stop()
			}
		}
	}

	// API server
	var mw *auth.Middleware
	if config.Auth.Enabled {
		mw = auth.NewMiddleware(auth.NewJWTManager(config.Auth.JWTSecret, config.Auth.TokenTTL), false, logger)
	} else {
		mw = auth.NewMiddleware(nil, true, logger)
		logger.Warn("API authentication disabled")
	}
	apiMux := http.NewServeMux()
	httpapi.NewHandler(orch, resolver, alertManager, stream, logger).RegisterRoutes(apiMux, mw)
	apiPort := getEnvOrDefaultInt("PORT", config.Server.Port)
	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(apiPort),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", apiPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	_ = hm.Start(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down consistency engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down orchestrator", zap.Error(err))
	}
	if dbClient != nil {
		if err := dbClient.Flush(shutdownCtx); err != nil {
			logger.Warn("Pending progress writes dropped", zap.Error(err))
		}
	}
	_ = degradationManager.Stop()
	_ = hm.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
	_ = adminServer.Shutdown(shutdownCtx)
	stop()
}

func newLogger(level, format string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if format == "console" {
		zc.Encoding = "console"
	}
	return zc.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
