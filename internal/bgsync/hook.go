package bgsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/telemetry"
)

// ErrUnsupported is returned when no deferred-task facility is reachable.
var ErrUnsupported = errors.New("background sync unsupported")

// Hook is a platform facility that runs registered tags later, outside the
// foreground process.
type Hook interface {
	Supported(ctx context.Context) bool
	Register(ctx context.Context, tag string) error
}

// Registrar arms the meal submission tag. A nil Registrar or Hook degrades to
// foreground-only delivery.
type Registrar struct {
	hook   Hook
	tag    string
	logger zerolog.Logger
}

func NewRegistrar(hook Hook, tag string, logger zerolog.Logger) *Registrar {
	return &Registrar{hook: hook, tag: tag, logger: logger.With().Str("component", "bgsync").Logger()}
}

// RegisterMealSync returns false when the platform cannot take the tag.
func (r *Registrar) RegisterMealSync(ctx context.Context) bool {
	if r == nil || r.hook == nil || !r.hook.Supported(ctx) {
		return false
	}
	if err := r.hook.Register(ctx, r.tag); err != nil {
		r.logger.Error().Err(err).Str("tag", r.tag).Msg("failed to register background sync")
		return false
	}
	telemetry.BackgroundRegistered.Inc()
	return true
}

// RedisHook keeps registrations in Redis: a set of registered tags and a ready
// list the worker pops from. Registering a tag that is already waiting is a no-op.
type RedisHook struct {
	client        *redis.Client
	registeredKey string
	readyKey      string
}

func NewRedisHook(client *redis.Client) *RedisHook {
	return &RedisHook{
		client:        client,
		registeredKey: "bgsync:registered",
		readyKey:      "bgsync:ready",
	}
}

func (h *RedisHook) Supported(ctx context.Context) bool {
	if h == nil || h.client == nil {
		return false
	}
	return h.client.Ping(ctx).Err() == nil
}

// Register queues tag for the worker unless it is already queued.
func (h *RedisHook) Register(ctx context.Context, tag string) error {
	if h == nil || h.client == nil {
		return ErrUnsupported
	}
	if err := registerScript.Run(ctx, h.client, []string{h.registeredKey, h.readyKey}, tag).Err(); err != nil {
		return fmt.Errorf("register tag %s: %w", tag, err)
	}
	return nil
}

// Next claims the oldest registered tag, or "" when none is waiting. The tag
// leaves the registered set on claim so registrations made while its handler
// runs queue another pass.
func (h *RedisHook) Next(ctx context.Context) (string, error) {
	res, err := claimScript.Run(ctx, h.client, []string{h.registeredKey, h.readyKey}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	tag, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return tag, nil
}

// Registered lists tags waiting for the worker.
func (h *RedisHook) Registered(ctx context.Context) ([]string, error) {
	return h.client.SMembers(ctx, h.registeredKey).Result()
}

var registerScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var claimScript = redis.NewScript(`
local tag = redis.call('LPOP', KEYS[2])
if tag then
  redis.call('SREM', KEYS[1], tag)
  return tag
end
return nil
`)
