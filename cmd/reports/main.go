// Command reports stores a consultation report for every call that ends on
// the signaling server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/logging"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/reports"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("production", 0).Error(err, "invalid configuration")
		os.Exit(1)
	}
	log := logging.New(cfg.Environment, cfg.LogVerbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Error(err, "failed to connect to Redis", "addr", cfg.Redis.Addr())
		os.Exit(1)
	}
	defer client.Close()

	store, err := reports.Open(cfg.Reports.DSN)
	if err != nil {
		log.Error(err, "failed to open reports database")
		os.Exit(1)
	}
	defer store.Close()

	consumer := reports.NewConsumer(redis.NewEvents(client, cfg.Redis.EventsStream), store, log)
	if err := consumer.Run(ctx); err != nil {
		log.Error(err, "consumer stopped")
		os.Exit(1)
	}
}
