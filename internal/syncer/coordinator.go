package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/telemetry"
	"offline-meal-queue/internal/transport"
)

// Drain triggers.
const (
	TriggerOnline     = "online"
	TriggerVisible    = "visible"
	TriggerPeriodic   = "periodic"
	TriggerManual     = "manual"
	TriggerStartup    = "startup"
	TriggerBackground = "background"
)

// Coordinator owns the foreground queue state: reachability, the single-flight
// drain flag and the cached pending count. One instance lives per agent.
type Coordinator struct {
	store     store.RecordStore
	transport transport.Transport
	bus       broadcast.Broadcaster
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	online   atomic.Bool
	inFlight atomic.Bool

	mu          sync.Mutex
	pending     int
	lastChecked time.Time
	stopTicker  chan struct{}
	base        context.Context
	cancel      context.CancelFunc
	closed      bool
	wg          sync.WaitGroup
}

type Option func(*Coordinator)

// WithInterval sets the periodic drain interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithOnline sets the reachability assumed before the first observation.
func WithOnline(online bool) Option {
	return func(c *Coordinator) { c.online.Store(online) }
}

func New(st store.RecordStore, tr transport.Transport, bus broadcast.Broadcaster, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		transport: tr,
		bus:       bus,
		interval:  5 * time.Second,
		now:       time.Now,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		base:      context.Background(),
	}
	c.online.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init binds background work to ctx and reads the initial pending count.
// Queued records left by a previous run are drained right away when online.
func (c *Coordinator) Init(ctx context.Context) {
	c.mu.Lock()
	c.base, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info().Bool("online", c.Online()).Msg("initializing sync coordinator")
	if c.RefreshPendingCount(ctx) > 0 {
		c.TriggerAsync(TriggerStartup)
	}
}

// Teardown stops the periodic timer and waits for in-flight drains.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	c.closed = true
	c.stopTickerLocked()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) Online() bool { return c.online.Load() }

// SetOnline records reachability and reports the previous value. Going
// offline stops the periodic timer; coming online re-arms it if work waits.
func (c *Coordinator) SetOnline(online bool) (was bool) {
	was = c.online.Swap(online)
	c.reconcileTicker()
	return was
}

// Drain runs one guarded pass over the queue. It returns false when skipped
// because the agent is offline or another drain holds the flag.
//
// A drain that has started runs to completion: the caller's cancellation is
// dropped and only the transport timeout bounds each delivery.
func (c *Coordinator) Drain(ctx context.Context, trigger string) (out Outcome, ran bool) {
	ctx = context.WithoutCancel(ctx)
	if !c.Online() {
		telemetry.DrainsSkipped.WithLabelValues("offline").Inc()
		c.logger.Debug().Str("trigger", trigger).Msg("skipping sync while offline")
		return Outcome{}, false
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		telemetry.DrainsSkipped.WithLabelValues("in_flight").Inc()
		c.logger.Debug().Str("trigger", trigger).Msg("sync already in progress")
		return Outcome{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("trigger", trigger).Msg("drain aborted")
		}
		c.inFlight.Store(false)
		c.RefreshPendingCount(ctx)
		c.publish(ctx, out, trigger)
	}()

	telemetry.Drains.WithLabelValues(trigger).Inc()
	c.logger.Info().Str("trigger", trigger).Msg("syncing pending meals")
	drainInto(ctx, c.store, c.transport, c.logger, &out)
	c.logger.Info().
		Str("trigger", trigger).
		Int("synced", out.Synced).
		Int("total", out.Total).
		Int("rejected", out.Rejected).
		Msgf("sync complete - %d/%d meals synced", out.Synced, out.Total)
	return out, true
}

// ForceSync is the manual trigger.
func (c *Coordinator) ForceSync(ctx context.Context) (Outcome, bool) {
	return c.Drain(ctx, TriggerManual)
}

// TriggerAsync starts a drain on the coordinator's own context.
func (c *Coordinator) TriggerAsync(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := c.base
	if c.closed || ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Drain(ctx, trigger)
	}()
}

// RefreshPendingCount recounts the store and reconciles the periodic timer.
// When the store cannot be read the previous count and timer state are kept.
func (c *Coordinator) RefreshPendingCount(ctx context.Context) int {
	n, ok := c.store.Count(ctx)
	if !ok {
		c.mu.Lock()
		prev := c.pending
		c.mu.Unlock()
		c.logger.Warn().Int("pending", prev).Msg("pending count unavailable, keeping last value")
		return prev
	}

	c.mu.Lock()
	if c.pending != n {
		c.logger.Info().Int("from", c.pending).Int("to", n).Msg("pending meals count updated")
	}
	c.pending = n
	c.lastChecked = c.now()
	c.mu.Unlock()

	telemetry.PendingGauge.Set(float64(n))
	c.reconcileTicker()
	return n
}

// State snapshots the queue state for UI bindings.
func (c *Coordinator) State() models.QueueState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.QueueState{
		Online:        c.Online(),
		SyncInFlight:  c.inFlight.Load(),
		PendingCount:  c.pending,
		LastCheckedAt: c.lastChecked,
		PeriodicSync:  c.stopTicker != nil,
	}
}

// reconcileTicker keeps the periodic timer running exactly while online with
// work pending.
func (c *Coordinator) reconcileTicker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := !c.closed && c.online.Load() && c.pending > 0 && c.base.Err() == nil
	switch {
	case want && c.stopTicker == nil:
		c.startTickerLocked()
	case !want && c.stopTicker != nil:
		c.stopTickerLocked()
	}
}

func (c *Coordinator) startTickerLocked() {
	stop := make(chan struct{})
	c.stopTicker = stop
	ctx := c.base
	interval := c.interval
	c.logger.Debug().Dur("interval", interval).Msg("starting periodic sync")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				c.Drain(ctx, TriggerPeriodic)
			}
		}
	}()
}

func (c *Coordinator) stopTickerLocked() {
	if c.stopTicker == nil {
		return
	}
	close(c.stopTicker)
	c.stopTicker = nil
	c.logger.Debug().Msg("stopping periodic sync")
}

func (c *Coordinator) publish(ctx context.Context, out Outcome, trigger string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, models.SyncCompletion{
		Type:        models.CompletionMessageType,
		SyncedCount: out.Synced,
		TotalCount:  out.Total,
		Source:      models.SourceForeground,
		Trigger:     trigger,
		CompletedAt: c.now().UTC(),
	})
}
