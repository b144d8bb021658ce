package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/handlers"
	"github.com/mossy-p/consult-signaling/internal/logging"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/registry"
	"github.com/mossy-p/consult-signaling/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("production", 0).Error(err, "invalid configuration")
		os.Exit(1)
	}

	log := logging.New(cfg.Environment, cfg.LogVerbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := relay.Options{
		Logger:    log,
		RateLimit: cfg.Signaling.RateLimitPerSecond,
		RateBurst: cfg.Signaling.RateLimitBurst,
	}

	// Connect to Redis
	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Error(err, "failed to connect to Redis", "addr", cfg.Redis.Addr())
			os.Exit(1)
		}
		defer client.Close()

		opts.Presence = redis.NewPresence(client, cfg.Redis.PresenceTTL)
		opts.Events = redis.NewEvents(client, cfg.Redis.EventsStream)
		log.Info("Redis connection established", "addr", cfg.Redis.Addr())
	} else {
		log.Info("Redis disabled, presence and call events are not recorded")
	}

	rl := relay.New(registry.New(), opts)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(cfg, rl, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("Starting consultation signaling server", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked WebSocket connections are not tracked by Shutdown; closing
	// every call releases them
	rl.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "graceful shutdown failed")
	}
}
