// modelmux server — multiplexes chat traffic across LLM providers with
// shared rate limiting, circuit breaking, and token accounting, and exposes
// the operational HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/drawmind/modelmux/pkg/api"
	"github.com/drawmind/modelmux/pkg/balancer"
	"github.com/drawmind/modelmux/pkg/breaker"
	"github.com/drawmind/modelmux/pkg/cache"
	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/database"
	"github.com/drawmind/modelmux/pkg/identity"
	"github.com/drawmind/modelmux/pkg/knowledge"
	"github.com/drawmind/modelmux/pkg/llm"
	"github.com/drawmind/modelmux/pkg/orchestrator"
	"github.com/drawmind/modelmux/pkg/ratelimit"
	"github.com/drawmind/modelmux/pkg/session"
	"github.com/drawmind/modelmux/pkg/usage"
	"github.com/drawmind/modelmux/pkg/version"
)

const (
	usageBatchSize     = 50
	usageFlushInterval = 10 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting modelmux",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"models", stats.Models,
		"balancing_enabled", stats.BalancingEnabled,
		"strategy", stats.Strategy)

	// 2. Connect shared cache. A dead cache is not fatal: limiting bypasses
	// and sessions fail open, per their package contracts.
	cacheStore := cache.New(cfg.Cache)
	defer func() {
		if err := cacheStore.Close(); err != nil {
			slog.Error("Error closing cache client", "error", err)
		}
	}()
	if cacheStore.Available(ctx) {
		slog.Info("Connected to cache", "addr", cfg.Cache.Addr())
	} else {
		slog.Warn("Cache unreachable at startup, running degraded", "addr", cfg.Cache.Addr())
	}

	// 3. Connect database (usage rows and identity lookups)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Rate limiters over the shared cache
	limiters := ratelimit.NewLimiters(cfg.RateLimits, ratelimit.NewRedisStore(cacheStore))

	// 5. Breaker tracker and load balancer
	tracker := breaker.NewTracker(breaker.DefaultConfig())
	lb := balancer.New(cfg.LoadBalancing, cfg.Models, limiters)

	// 6. Provider clients, one per physical chat model. Voice models have no
	// HTTP chat endpoint; the orchestrator probes them over WebSocket.
	httpClient := llm.NewHTTPClient()
	clients := make(map[string]llm.Client)
	for _, name := range cfg.Models.PhysicalModels() {
		mc, err := cfg.Models.Get(name)
		if err != nil || mc.Voice {
			continue
		}
		clients[name] = llm.NewOpenAIClient(mc, httpClient)
	}
	defer func() {
		for name, c := range clients {
			if err := c.Close(); err != nil {
				slog.Error("Error closing provider client", "model", name, "error", err)
			}
		}
	}()
	slog.Info("Provider clients initialized", "count", len(clients))

	// 7. Usage tracker (batched writes to the database)
	usageTracker := usage.NewTracker(database.NewUsageStore(dbClient), usageBatchSize, usageFlushInterval)
	usageTracker.Start()

	// 8. Knowledge client (nil when no service is configured)
	kb := knowledge.NewClient(cfg.Knowledge)

	// 9. Orchestrator
	orch := orchestrator.New(cfg.Models, clients, limiters, lb, tracker, usageTracker, kb, orchestrator.Options{})

	// 10. Session manager and identity cache
	sessions := session.NewManager(cacheStore, cfg.Session.TokenTTL)
	identityStore := database.NewIdentityStore(dbClient)
	identityCache := identity.NewService(cacheStore, identityStore, identityStore, 0)

	// 11. Start ops HTTP server (non-blocking)
	httpServer := api.NewServer(":"+httpPort, cacheStore, dbClient, tracker, lb, sessions, orch, identityCache)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("modelmux started successfully")

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: stop accepting requests, then drain the usage
	// buffer so accounting rows are not lost.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	usageShutdownCtx, usageCancel := context.WithTimeout(ctx, 15*time.Second)
	defer usageCancel()
	if err := usageTracker.Stop(usageShutdownCtx); err != nil {
		slog.Error("Usage tracker drain failed, records lost", "error", err)
	} else {
		slog.Info("Usage tracker drained")
	}

	slog.Info("Shutdown complete")
}
