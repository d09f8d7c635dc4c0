package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/telemetry"
)

// Queue is the background registration queue the worker consumes.
type Queue interface {
	Next(ctx context.Context) (string, error)
	Register(ctx context.Context, tag string) error
}

// Handler runs the work behind a background sync tag.
type Handler func(ctx context.Context) error

// Processor drives the background worker loop: claim a tag, run its handler,
// and re-register failed tags after a jittered backoff.
type Processor struct {
	cfg      config.Config
	queue    Queue
	handlers map[string]Handler
	logger   zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int
	retryAt  map[string]time.Time
}

func NewProcessor(cfg config.Config, q Queue, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "worker").Logger(),
		attempts: make(map[string]int),
		retryAt:  make(map[string]time.Time),
	}
}

// RegisterHandler binds a handler to a tag.
func (p *Processor) RegisterHandler(tag string, handler Handler) {
	if tag == "" || handler == nil {
		return
	}
	p.handlers[tag] = handler
}

// Run starts the worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Int("handlers", len(p.handlers)).Msg("background worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.promoteDue(ctx, time.Now())

		tag, err := p.queue.Next(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("claim background tag")
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if tag == "" {
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.runTag(ctx, tag)
	}
}

// RunOnce claims and runs at most one tag. It reports whether a tag was run.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	p.promoteDue(ctx, time.Now())
	tag, err := p.queue.Next(ctx)
	if err != nil || tag == "" {
		return false, err
	}
	p.runTag(ctx, tag)
	return true, nil
}

func (p *Processor) runTag(ctx context.Context, tag string) {
	log := p.logger.With().Str("tag", tag).Logger()
	handler, ok := p.handlers[tag]
	if !ok {
		log.Warn().Msg("no handler registered, dropping tag")
		return
	}

	err := p.invoke(ctx, handler)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.attempts, tag)
		log.Info().Msg("background sync finished")
		return
	}

	attempts := p.attempts[tag] + 1
	if attempts >= p.cfg.MaxAttempts {
		delete(p.attempts, tag)
		log.Error().Err(err).Int("attempts", attempts).Msg("giving up on background sync until next registration")
		return
	}
	p.attempts[tag] = attempts
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	p.retryAt[tag] = time.Now().Add(backoff)
	log.Warn().Err(err).Int("attempts", attempts).Dur("backoff", backoff).Msg("background sync failed, retry scheduled")
}

func (p *Processor) invoke(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx)
}

// promoteDue re-registers tags whose backoff has elapsed.
func (p *Processor) promoteDue(ctx context.Context, now time.Time) {
	p.mu.Lock()
	var due []string
	for tag, at := range p.retryAt {
		if !at.After(now) {
			due = append(due, tag)
			delete(p.retryAt, tag)
		}
	}
	p.mu.Unlock()

	for _, tag := range due {
		if err := p.queue.Register(ctx, tag); err != nil {
			p.logger.Error().Err(err).Str("tag", tag).Msg("re-register background tag")
			continue
		}
		telemetry.BackgroundRegistered.Inc()
	}
}

// Attempts reports consecutive failures recorded for tag.
func (p *Processor) Attempts(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[tag]
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait <= 1 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
