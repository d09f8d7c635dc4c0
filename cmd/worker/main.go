package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"offline-meal-queue/internal/bgsync"
	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/logging"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/syncer"
	"offline-meal-queue/internal/telemetry"
	"offline-meal-queue/internal/transport"
	workerproc "offline-meal-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel, "worker").With().Str("device", cfg.DeviceID).Logger()

	if !cfg.BackgroundSyncEnabled() {
		logger.Fatal().Msg("REDIS_ADDR is required for the background worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	records := store.NewRecords(backend, logger)
	defer records.Close()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	tr := transport.NewHTTP(cfg.BackendURL, cfg.SubmitPath, cfg.DeliveryTimeout, transport.StaticToken(cfg.APIToken))
	publisher := broadcast.NewRedisPublisher(client, cfg.BroadcastChannel, logger)

	processor := workerproc.NewProcessor(cfg, bgsync.NewRedisHook(client), logger)
	processor.RegisterHandler(cfg.BackgroundSyncTag, syncer.BackgroundHandler(records, tr, publisher, logger))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("tag", cfg.BackgroundSyncTag).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		logger.Info().Err(err).Msg("worker stopped")
	}
}
