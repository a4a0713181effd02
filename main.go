package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/citeseek/citeseek/internal/auth"
	"github.com/citeseek/citeseek/internal/cache"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/fetch"
	"github.com/citeseek/citeseek/internal/httpapi"
	"github.com/citeseek/citeseek/internal/jobs"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/metadata"
	"github.com/citeseek/citeseek/internal/rerank"
	"github.com/citeseek/citeseek/internal/research"
	"github.com/citeseek/citeseek/internal/search"
	"github.com/citeseek/citeseek/internal/streaming"
	"github.com/citeseek/citeseek/internal/tracing"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	httpapi.Version = version
	logger.Info("Starting citeseek",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Redis is optional. When it is missing or unreachable the synthesis
	// cache and the rate limiter fall back to their in-process forms.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Invalid Redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unreachable, using in-process caches and limits",
				zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logger.Info("Redis connected", zap.String("url", cfg.Redis.URL))
			defer redisClient.Close()
		}
	}

	primary := buildProvider(cfg.Search.Primary, cfg.Search, logger)
	fallback := buildProvider(cfg.Search.Fallback, cfg.Search, logger)
	chain := search.NewChain(primary, fallback, search.ChainConfig{
		QueryLimit:  cfg.Search.QueryLimit,
		QueryWindow: cfg.Search.QueryWindow(),
		CacheSize:   cfg.Search.CacheSize,
		CacheTTL:    cfg.Search.CacheTTL(),
	}, logger)

	domains := config.NewDomainWatcher(cfg.Fetch.DomainsFile, config.DomainRules{
		Allowed: cfg.Fetch.AllowedDomains,
		Blocked: cfg.Fetch.BlockedDomains,
	}, logger)
	if err := domains.Start(); err != nil {
		logger.Warn("Domain list watcher failed to start", zap.Error(err))
	}
	defer domains.Stop()

	fetcher := fetch.NewService(cfg.Fetch, domains.Rules, logger)
	cred := metadata.LoadCredibility(cfg.Fetch.CredibilityFile, logger)
	reranker := rerank.NewReranker(cfg.Rerank, logger)

	llmClient, err := llm.New(context.Background(), cfg.LLM, logger)
	if err != nil {
		logger.Fatal("LLM backend initialization failed", zap.Error(err))
	}
	logger.Info("LLM backend ready", zap.String("backend", llmClient.Name()))

	var synthCache cache.Cache
	if redisClient != nil {
		synthCache = cache.NewRedis(redisClient, "synthesis", logger)
	}

	orch := research.NewOrchestrator(cfg.Synthesis, research.Deps{
		Search: chain,
		Fetch:  fetcher,
		LLM:    llmClient,
		Rerank: reranker,
		Cache:  synthCache,
		Cred:   cred,
		Logger: logger,
	})

	stream := streaming.Get()
	agent := deepresearch.NewAgent(cfg.DeepResearch, deepresearch.Deps{
		Search: chain,
		Fetch:  fetcher,
		LLM:    llmClient,
		Cred:   cred,
		Stream: stream,
		Logger: logger,
	})
	queue := jobs.NewQueue(agent, logger)

	keys := auth.NewKeySet(cfg.Auth.APIKeys)
	if !cfg.Auth.Disabled && keys.Empty() && cfg.Auth.JWTSecret == "" {
		logger.Warn("Auth is enabled but no API keys or JWT secret are configured; every request will be rejected")
	}
	authmw := auth.NewMiddleware(keys, auth.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour), cfg.Auth.Disabled)

	rateLimit := cfg.Server.RequestsPerMin + cfg.Server.RateLimitBurst
	var limiter httpapi.Limiter
	if redisClient != nil {
		limiter = httpapi.NewRedisLimiter(redisClient, rateLimit, time.Minute, logger)
	} else {
		limiter = httpapi.NewMemoryLimiter(rateLimit, time.Minute)
	}

	srv := httpapi.NewServer(cfg, httpapi.Deps{
		Orchestrator: orch,
		Agent:        agent,
		Jobs:         queue,
		Stream:       stream,
		Search:       chain,
		Auth:         authmw,
		Limiter:      limiter,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived SSE/WebSocket responses
		IdleTimeout:  300 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("primary_provider", chain.Primary()),
			zap.Bool("deep_research", agent.Enabled()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutS)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
	queue.Shutdown()
	logger.Info("Stopped")
}

// buildLogger assembles the zap logger: JSON to stdout, plus a rotating file
// sink when LOG_FILE is configured.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.File == "" {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		return zc.Build()
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(encoder, fileSink, level),
	)
	return zap.New(core), nil
}

// buildProvider maps a configured provider name to its implementation. The
// chain tolerates nil providers, so unknown names degrade to none.
func buildProvider(name string, cfg config.SearchConfig, logger *zap.Logger) search.Provider {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil
	case "duckduckgo":
		return search.NewDuckDuckGo()
	case "brave":
		return search.NewBrave(cfg.BraveAPIKey)
	default:
		logger.Warn("Unknown search provider, skipping", zap.String("provider", name))
		return nil
	}
}
