package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/telemetry"
	"offline-meal-queue/internal/transport"
)

// Guard decides whether a new collection may start.
type Guard interface {
	ShouldBlockCollection(ctx context.Context) models.BlockDecision
}

// Connectivity reports the last observed network reachability.
type Connectivity interface {
	Online() bool
}

// BackgroundRegistrar arms background delivery for queued events.
type BackgroundRegistrar interface {
	RegisterMealSync(ctx context.Context) bool
}

// Pipeline is the single entry point for new meal events. Each call ends in
// exactly one of live delivery or durable persistence.
type Pipeline struct {
	guard      Guard
	store      store.RecordStore
	transport  transport.Transport
	conn       Connectivity
	background BackgroundRegistrar
	onQueued   func(ctx context.Context)
	now        func() time.Time
	newKey     func() string
	logger     zerolog.Logger
}

type Option func(*Pipeline)

// WithBackground arms hook whenever an event is queued.
func WithBackground(hook BackgroundRegistrar) Option {
	return func(p *Pipeline) { p.background = hook }
}

// WithOnQueued runs fn after an event lands in the store, typically a pending
// count refresh.
func WithOnQueued(fn func(ctx context.Context)) Option {
	return func(p *Pipeline) { p.onQueued = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithKeyFunc overrides idempotency key generation.
func WithKeyFunc(fn func() string) Option {
	return func(p *Pipeline) { p.newKey = fn }
}

func New(guard Guard, st store.RecordStore, tr transport.Transport, conn Connectivity, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		guard:     guard,
		store:     st,
		transport: tr,
		conn:      conn,
		now:       time.Now,
		newKey:    uuid.NewString,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs the staleness guard, normalizes meal and then delivers it live
// or queues it. Delivery failures are never surfaced; the event is queued
// instead and Success reports that it is safe. The caller's cancellation is
// ignored so an abandoned request still ends delivered or queued.
func (p *Pipeline) Submit(ctx context.Context, meal models.MealCollection) models.SubmitResult {
	ctx = context.WithoutCancel(ctx)
	if p.guard != nil {
		if d := p.guard.ShouldBlockCollection(ctx); d.Blocked {
			telemetry.Submissions.WithLabelValues("blocked").Inc()
			p.logger.Warn().Float64("age_days", d.AgeInDays).Msg("collection blocked by unsynced data")
			return models.SubmitResult{Success: false, Blocked: true, Reason: d.Reason}
		}
	}

	meal = p.normalize(meal)
	log := p.logger.With().Str("idempotency_key", meal.IdempotencyKey).Logger()

	if p.conn != nil && p.conn.Online() {
		res := p.transport.Deliver(ctx, meal)
		if res.OK() {
			telemetry.Deliveries.WithLabelValues(res.Label()).Inc()
			telemetry.Submissions.WithLabelValues("delivered").Inc()
			log.Info().Int("status", res.StatusCode).Msg("meal delivered")
			return models.SubmitResult{Success: true, Delivered: true}
		}
		telemetry.Deliveries.WithLabelValues(res.Label()).Inc()
		log.Warn().Err(res.Err).Int("status", res.StatusCode).Msg("live delivery failed, queueing")
	}

	return p.enqueue(ctx, meal, log)
}

func (p *Pipeline) enqueue(ctx context.Context, meal models.MealCollection, log zerolog.Logger) models.SubmitResult {
	ev := &models.PendingEvent{Payload: meal}
	if !p.store.Add(ctx, ev) {
		telemetry.Submissions.WithLabelValues("failed").Inc()
		log.Error().Msg("meal could not be recorded")
		return models.SubmitResult{Success: false, Reason: "the meal could not be saved on this device"}
	}
	telemetry.Submissions.WithLabelValues("queued").Inc()
	log.Info().Int64("id", ev.ID).Msg("meal queued for sync")

	if p.background != nil && !p.background.RegisterMealSync(ctx) {
		log.Debug().Msg("background sync unavailable, relying on foreground triggers")
	}
	if p.onQueued != nil {
		p.onQueued(ctx)
	}
	return models.SubmitResult{Success: true, Queued: true}
}

// normalize rounds the amount to cents and stamps a timestamp and idempotency
// key where missing. An unparseable timestamp is replaced.
func (p *Pipeline) normalize(meal models.MealCollection) models.MealCollection {
	meal.Amount = RoundAmount(meal.Amount)
	if _, err := meal.CreatedAt(); meal.Timestamp == "" || err != nil {
		if meal.Timestamp != "" {
			p.logger.Warn().Str("timestamp", meal.Timestamp).Msg("replacing malformed timestamp")
		}
		meal.Timestamp = models.FormatTimestamp(p.now())
	}
	if meal.IdempotencyKey == "" {
		meal.IdempotencyKey = p.newKey()
	}
	return meal
}

// RoundAmount rounds to two decimal places, halves away from zero.
func RoundAmount(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
