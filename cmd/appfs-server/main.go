// appfs server
//
// Serves the configured file systems over HTTP and streams their node
// events over websockets. With events.redis_addr set, events are relayed
// between server instances through Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/api"
	"github.com/fruitsalade/appfs/internal/auth"
	"github.com/fruitsalade/appfs/internal/config"
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/storage/factory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(cfg.Log); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("appfs server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.Strings("file_systems", cfg.FileSystemNames()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	var pub events.Publisher = bus
	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		defer rdb.Close()

		relay := events.NewRedisRelay(rdb, bus)
		if err := relay.Start(ctx); err != nil {
			logging.Fatal("event relay start failed", zap.Error(err))
		}
		defer relay.Close()
		pub = relay
		logging.Info("redis event relay started", zap.String("addr", cfg.Events.RedisAddr))
	}

	reg, err := factory.Build(ctx, cfg, pub)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer reg.Close()

	authHandler, err := auth.New(cfg.Server.JWTSecret)
	if err != nil {
		logging.Fatal("auth init failed", zap.Error(err))
	}

	srv := api.NewServer(reg, bus, authHandler, api.Config{MaxBlobSize: cfg.Server.MaxBlobSize})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			logging.Fatal("HTTP server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	logging.Info("server stopped")
}
