package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/api"
	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/housekeeping"
	"github.com/parleychat/parley/internal/hub"
	"github.com/parleychat/parley/internal/messages"
	"github.com/parleychat/parley/internal/observability"
	"github.com/parleychat/parley/internal/ratelimit"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/users"
	"github.com/parleychat/parley/internal/utils"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	otelCleanup, err := observability.InitOpenTelemetry("parley", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	instanceID := uuid.New().String()

	// Persistence: Postgres in production, in-memory when no DATABASE_URL is
	// configured (local development, tests).
	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgres(cfg.DatabaseURL, cfg.DBPoolSize)
		if err != nil {
			logger.Fatal(ctx, "Failed to initialize database: %v", err)
		}
	} else {
		logger.Warn(ctx, "DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	// Shared cache tier is optional; without Redis the local tier still works.
	var shared *cache.Redis
	if cfg.RedisURL != "" {
		shared, err = cache.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal(ctx, "Failed to initialize Redis cache: %v", err)
		}
	} else {
		logger.Warn(ctx, "REDIS_URL not set, running with local cache only")
	}

	storeCB := breaker.New("store")
	cacheCB := breaker.New("cache")
	tiered := cache.New(shared, cacheCB)

	msgBus, err := bus.Dial(cfg.BusURL, instanceID)
	if err != nil {
		logger.Fatal(ctx, "Failed to connect to message bus: %v", err)
	}

	sessions, err := auth.NewSessionManager(cfg.SessionSecret)
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize session manager: %v", err)
	}

	userReg := users.NewRegistry(st, tiered, storeCB, sessions, logger)
	roomReg := rooms.NewRegistry(st, tiered, shared, storeCB, msgBus, logger)
	msgSvc := messages.NewService(st, tiered, storeCB, msgBus, roomReg, logger)

	h := hub.New(instanceID, userReg, roomReg, msgSvc, msgBus, ratelimit.New(), logger)
	if err := h.Start(ctx); err != nil {
		logger.Fatal(ctx, "Failed to start hub: %v", err)
	}

	if err := tiered.Warm(ctx, st); err != nil {
		logger.Warn(ctx, "Cache warmup failed: %v", err)
	}

	janitor := housekeeping.New(st, tiered, logger)
	janitor.Start(ctx)

	breakers := []*breaker.Breaker{storeCB, cacheCB}
	if rb, ok := msgBus.(*bus.RedisBus); ok {
		breakers = append(breakers, rb.Breaker())
	}
	router := api.NewRouter(h, st, tiered, msgBus, breakers, cfg, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "Starting server on %s (instance %s)", server.Addr, instanceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(ctx, logger, server, h, janitor, roomReg, msgBus, tiered, st, otelCleanup)
	logger.Info(ctx, "Application stopped.")
}

// gracefulShutdown drains in dependency order: stop accepting HTTP, drain the
// socket fleet, stop background jobs, then close the data planes.
func gracefulShutdown(ctx context.Context, logger *utils.Logger, server *http.Server, h *hub.Hub, janitor *housekeeping.Janitor, roomReg *rooms.Registry, msgBus bus.Bus, tiered *cache.Cache, st store.Store, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	}

	h.Shutdown(shutdownCtx)
	logger.Info(ctx, "Hub drained.")

	janitor.Stop()
	janitor.Sweep(shutdownCtx)
	roomReg.Close()

	if err := msgBus.Close(); err != nil {
		logger.Error(ctx, "Bus close error: %v", err)
	}

	tiered.Close()

	if err := st.Close(); err != nil {
		logger.Error(ctx, "Store close error: %v", err)
	}

	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
