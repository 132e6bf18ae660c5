package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/byomlabs/byom-gateway/internal/adapter"
	"github.com/byomlabs/byom-gateway/internal/api"
	"github.com/byomlabs/byom-gateway/internal/auth"
	"github.com/byomlabs/byom-gateway/internal/config"
	"github.com/byomlabs/byom-gateway/internal/cost"
	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/gateway"
	"github.com/byomlabs/byom-gateway/internal/httputil"
	"github.com/byomlabs/byom-gateway/internal/notifications"
	"github.com/byomlabs/byom-gateway/internal/quota"
	"github.com/byomlabs/byom-gateway/internal/ratelimit"
	"github.com/byomlabs/byom-gateway/internal/repository"
	"github.com/byomlabs/byom-gateway/internal/secrets"
	"github.com/byomlabs/byom-gateway/internal/telemetry"
	"github.com/byomlabs/byom-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr, "version", cfg.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "byom-gateway", cfg.Version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	var checkers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(redisClient))
	}

	var store ratelimit.CounterStore
	if redisClient != nil {
		store = ratelimit.NewRedisCounterStoreWithClient(redisClient)
		slog.Info("using redis rate limit counters")
	} else {
		store = ratelimit.NewInMemoryCounterStore()
		slog.Info("using in-memory rate limit counters")
	}
	limiter := ratelimit.NewLimiter(store)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	var credentials repository.CredentialRepository
	var catalog repository.CatalogRepository
	var adminUsers auth.AdminUserRepository
	var tracker usage.Tracker
	if db != nil {
		creds := repository.NewPostgresCredentialRepository(db)
		credentials = creds
		catalog = repository.NewPostgresCatalogRepository(db)
		adminUsers = auth.NewPostgresAdminUserRepository(db)
		tracker = usage.NewPostgresTracker(db, creds)
		slog.Info("using postgres storage")
	} else {
		creds := repository.NewInMemoryCredentialRepository()
		credentials = creds
		catalog = repository.NewInMemoryCatalogRepository()
		adminUsers = auth.NewInMemoryAdminUserRepository(cfg.AdminPassword)
		tracker = usage.NewInMemoryTracker(creds, usage.ProviderNameResolver(catalog))
		slog.Info("using in-memory storage")
	}

	encryptor := crypto.NewEncryptor(loadEncryptionKey(ctx, cfg))

	registry := adapter.NewDefaultRegistry(adapter.Deps{
		Clients: httputil.DefaultClients(),
		Decrypt: encryptor.Decrypt,
	})
	if cfg.BedrockEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load aws config for bedrock", "error", err)
			os.Exit(1)
		}
		registry.Register(domain.ProviderTypeBedrock, adapter.NewBedrockConstructor(awsCfg))
		slog.Info("registered bedrock adapter", "region", cfg.AWSRegion)
	}

	orchestrator := gateway.NewOrchestrator(
		auth.NewAuthenticator(credentials),
		limiter,
		catalog,
		registry,
		tracker,
		cost.NewCalculator(),
		slog.Default(),
	)

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: orchestrator,
		Checkers:     checkers,
		CheckTimeout: 5 * time.Second,
		Version:      cfg.Version,
	})

	adminHandler := api.NewAdminHandler(api.AdminHandlerConfig{
		Catalog:     catalog,
		Credentials: credentials,
		Tracker:     tracker,
		Limiter:     limiter,
		Registry:    registry,
		Encryptor:   encryptor,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminChain(cfg, adminUsers, adminHandler))
	mux.Handle("/", handler)

	startQuotaMonitor(ctx, cfg, limiter, credentials, redisClient)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// loadEncryptionKey resolves the master key sealing provider API keys, from
// Secrets Manager when a secret id is configured, otherwise from the
// environment.
func loadEncryptionKey(ctx context.Context, cfg *config.Config) string {
	if cfg.EncryptionKeyID != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to connect to secrets manager", "error", err)
			os.Exit(1)
		}
		key, err := sm.GetSecret(ctx, cfg.EncryptionKeyID)
		if err != nil || key == "" {
			slog.Error("failed to fetch encryption key", "error", err)
			os.Exit(1)
		}
		return key
	}

	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, provider API keys will not survive restarts")
		return "dev-only-insecure-key"
	}
	return cfg.EncryptionKey
}

func adminChain(cfg *config.Config, users auth.AdminUserRepository, next http.Handler) http.Handler {
	if !cfg.AdminAuthEnabled {
		slog.Warn("admin API authentication disabled")
		return next
	}

	rbac := auth.NewRBACMiddleware(auth.NewAdminAuthenticator(users))
	return rbac.RequireAuth(next)
}

func startQuotaMonitor(ctx context.Context, cfg *config.Config, limiter *ratelimit.Limiter, credentials repository.CredentialRepository, redisClient *redis.Client) {
	var dedup quota.AlertDeduplicator
	if redisClient != nil {
		dedup = quota.NewRedisDeduplicator(redisClient, time.Hour)
	} else {
		dedup = quota.NewInMemoryDeduplicator()
	}

	monitor := quota.NewMonitor(limiter, dedup, quota.Thresholds{
		Warning:  cfg.WarningFraction,
		Critical: 0.95,
	})
	monitor.OnAlert(quota.LogAlertHandler)

	if cfg.AlertTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(quota.NotifyAlertHandler(notifier))
		slog.Info("quota alerts enabled", "topic", cfg.AlertTopicARN)
	}

	go monitor.Run(ctx, cfg.AlertInterval, credentials.ListActive)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
