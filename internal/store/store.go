package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/models"
)

// ErrNotFound is returned by backends that distinguish a missing row. Records
// never surfaces it; removing a missing id is not an error.
var ErrNotFound = errors.New("pending event not found")

// Backend is a transactional storage engine for pending meals.
// Implementations return engine errors; Records converts them.
type Backend interface {
	Insert(ctx context.Context, meal models.MealCollection, createdAt time.Time) (int64, error)
	// List returns all rows in insertion (id) order.
	List(ctx context.Context) ([]models.PendingEvent, error)
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) error
	// Oldest reads the first entry of the creation-time index.
	Oldest(ctx context.Context) (time.Time, bool, error)
	Close() error
}

// RecordStore is the queue contract the pipeline and coordinator depend on.
// Storage failures are logged and surface only as false or empty results.
type RecordStore interface {
	Add(ctx context.Context, ev *models.PendingEvent) bool
	ListAll(ctx context.Context) []models.PendingEvent
	// Count reports the row count, and false when the store could not be read.
	Count(ctx context.Context) (int, bool)
	Remove(ctx context.Context, id int64) bool
	Clear(ctx context.Context) bool
	OldestAgeInDays(ctx context.Context) float64
}

// Records adapts a Backend to the RecordStore contract.
type Records struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// Option customizes Records.
type Option func(*Records)

// WithClock overrides the wall clock used for stamping and age computation.
func WithClock(now func() time.Time) Option {
	return func(r *Records) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecords wraps backend.
func NewRecords(backend Backend, logger zerolog.Logger, opts ...Option) *Records {
	r := &Records{
		backend: backend,
		logger:  logger.With().Str("component", "store").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open selects a backend from cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Add stamps a missing timestamp, inserts the event and assigns ev.ID.
func (r *Records) Add(ctx context.Context, ev *models.PendingEvent) bool {
	if ev == nil {
		return false
	}
	if ev.Payload.Timestamp == "" {
		ev.Payload.Timestamp = models.FormatTimestamp(r.now())
	}
	createdAt, err := ev.Payload.CreatedAt()
	if err != nil {
		r.logger.Error().Err(err).Str("timestamp", ev.Payload.Timestamp).Msg("failed to save meal for offline submission")
		return false
	}
	id, err := r.backend.Insert(ctx, ev.Payload, createdAt)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to save meal for offline submission")
		return false
	}
	ev.ID = id
	return true
}

// ListAll returns every pending event in insertion order, or nil on failure.
func (r *Records) ListAll(ctx context.Context) []models.PendingEvent {
	events, err := r.backend.List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to get pending meals")
		return nil
	}
	return events
}

// Count returns the number of pending events. ok is false when the backend
// failed, so callers can tell an unreadable queue from an empty one.
func (r *Records) Count(ctx context.Context) (n int, ok bool) {
	events, err := r.backend.List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to count pending meals")
		return 0, false
	}
	return len(events), true
}

// Remove deletes id. Deleting an id that is already gone succeeds.
func (r *Records) Remove(ctx context.Context, id int64) bool {
	if err := r.backend.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Error().Err(err).Int64("id", id).Msg("failed to remove pending meal")
		return false
	}
	return true
}

// Clear drops every pending event.
func (r *Records) Clear(ctx context.Context) bool {
	if err := r.backend.DeleteAll(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to clear pending meals")
		return false
	}
	r.logger.Warn().Msg("pending meal queue cleared")
	return true
}

// OldestAgeInDays is now minus the oldest pending timestamp, in days, or 0 when
// the queue is empty or unreadable.
func (r *Records) OldestAgeInDays(ctx context.Context) float64 {
	oldest, ok, err := r.backend.Oldest(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read oldest pending meal")
		return 0
	}
	if !ok {
		return 0
	}
	return r.now().Sub(oldest).Hours() / 24
}

// Close releases the backend.
func (r *Records) Close() error {
	return r.backend.Close()
}
