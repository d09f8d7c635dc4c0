package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"offline-meal-queue/internal/api"
	"offline-meal-queue/internal/bgsync"
	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/guard"
	"offline-meal-queue/internal/logging"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/observer"
	"offline-meal-queue/internal/pipeline"
	"offline-meal-queue/internal/ratelimit"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/syncer"
	"offline-meal-queue/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel, "agent").With().Str("device", cfg.DeviceID).Logger()

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

	tr := transport.NewHTTP(cfg.BackendURL, cfg.SubmitPath, cfg.DeliveryTimeout, transport.StaticToken(cfg.APIToken))
	hub := broadcast.NewHub()

	var (
		hook    bgsync.Hook
		limiter ratelimit.Limiter
		client  *redis.Client
	)
	if cfg.BackgroundSyncEnabled() {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		hook = bgsync.NewRedisHook(client)
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, background sync disabled")
		limiter = ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	registrar := bgsync.NewRegistrar(hook, cfg.BackgroundSyncTag, logger)

	coord := syncer.New(records, tr, hub, logger, syncer.WithInterval(cfg.SyncInterval))
	stale := guard.NewStaleness(records, config.MaxUnsyncedAgeDays)
	pipe := pipeline.New(stale, records, tr, coord, logger,
		pipeline.WithBackground(registrar),
		pipeline.WithOnQueued(func(ctx context.Context) { coord.RefreshPendingCount(ctx) }),
	)
	obs, _ := observer.Register(coord, registrar, logger)

	coord.Init(ctx)
	defer coord.Teardown()

	go obs.Watch(ctx, observer.NewProber(cfg.BackendURL, cfg.HealthPath, cfg.ProbeInterval, cfg.DeliveryTimeout, logger))

	if client != nil {
		go func() {
			// Background drains change the queue behind the coordinator's back.
			err := broadcast.Relay(ctx, client, cfg.BroadcastChannel, hub, func(models.SyncCompletion) {
				coord.RefreshPendingCount(ctx)
			}, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("completion relay stopped")
			}
		}()
	}

	server := api.New(cfg, api.Deps{
		Pipeline:  pipe,
		Queue:     coord,
		Lifecycle: obs,
		Guard:     stale,
		Store:     records,
		Hub:       hub,
		Limiter:   limiter,
	}, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("backend", cfg.BackendURL).Msg("agent listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
