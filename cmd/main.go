/*
Package main is the entry point for the room relay.

It loads configuration, initializes logging, wires the backing store, the fanout bus and the
chat coordinator, serves HTTP and WebSocket traffic, and shuts everything down in order on
SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomrelay/internal/app/chat"
	"roomrelay/internal/app/db"
	"roomrelay/internal/app/fanout"
	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/janitor"
	"roomrelay/internal/app/registry"
	"roomrelay/internal/app/room"
	"roomrelay/internal/app/store"
	"roomrelay/internal/configs"
	"roomrelay/internal/handler"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/retry"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("fanout_driver", cfg.FanoutDriver).
		Bool("database", cfg.DatabaseDSN != "").
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := retry.Policy{
		MaxAttempts: cfg.BusRetryAttempts,
		BaseDelay:   cfg.BusRetryBaseDelay,
		Multiplier:  cfg.BusRetryMultiplier,
		MaxDelay:    retry.DefaultPolicy().MaxDelay,
	}

	st, err := openStore(ctx, cfg, policy)
	if err != nil {
		logx.Fatal(err, "Failed to open backing store")
	}
	defer st.Close()

	bus, err := openBus(ctx, cfg, policy)
	if err != nil {
		logx.Fatal(err, "Failed to open fanout bus")
	}

	resolver := identity.NewResolver(st, cfg.JWTSecret, cfg.GuestSessionTTL)
	directory := room.NewDirectory(st, room.WithHistoryLimit(cfg.HistoryLimit))
	coordinator := chat.NewCoordinator(resolver, directory, registry.New(), bus, cfg.TypingTTL)

	if err := coordinator.Start(ctx); err != nil {
		logx.Fatal(err, "Failed to subscribe to the fanout bus")
	}

	sweeper := janitor.New(st, coordinator)
	if err := sweeper.Schedule(cfg.GuestPurgeSchedule); err != nil {
		logx.Fatal(err, "Failed to schedule guest purge")
	}
	sweeper.Start()

	// Setup HTTP server and routes
	router := handler.Router(&handler.AppDeps{
		Config:      cfg,
		Coordinator: coordinator,
		Resolver:    resolver,
		Directory:   directory,
		Users:       st,
		Store:       st,
		Ctx:         ctx,
	})

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Room relay starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 10 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Hijacked WebSocket connections are not tracked by the server; the coordinator closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	coordinator.Shutdown(shutdownCtx)
	sweeper.Stop(shutdownCtx)

	if err := bus.Close(); err != nil {
		logx.Error(err, "Failed to close fanout bus")
	}

	logx.Info("Server gracefully stopped.")
}

// openStore connects to PostgreSQL when a DSN is configured and falls back to the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg *configs.AppConfig, policy retry.Policy) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		logx.Warn("DATABASE_URL not set, using the in-memory store. State is lost on restart.")
		return store.NewMemory(), nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	logx.Info("Connected to PostgreSQL and applied migrations.")
	return db.NewStore(pool, policy), nil
}

func openBus(ctx context.Context, cfg *configs.AppConfig, policy retry.Policy) (fanout.Bus, error) {
	switch cfg.FanoutDriver {
	case configs.FanoutRedis:
		client, err := fanout.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return fanout.NewRedisBus(client, policy), nil

	case configs.FanoutNATS:
		nc, err := fanout.DialNATS(cfg.NatsURL, "roomrelay")
		if err != nil {
			return nil, err
		}
		return fanout.NewNATSBus(nc, policy), nil

	default:
		return fanout.NewMemoryBus(), nil
	}
}
