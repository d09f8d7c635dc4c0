package observer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"offline-meal-queue/internal/syncer"
)

// Target is the coordinator surface the observer drives.
type Target interface {
	SetOnline(online bool) (was bool)
	RefreshPendingCount(ctx context.Context) int
	TriggerAsync(trigger string)
}

// BackgroundRegistrar arms background delivery when the app is hidden.
type BackgroundRegistrar interface {
	RegisterMealSync(ctx context.Context) bool
}

// Observer turns raw network and visibility reports into coordinator actions.
// Only transitions act; repeated identical reports are cheap.
type Observer struct {
	target     Target
	background BackgroundRegistrar
	logger     zerolog.Logger

	mu      sync.Mutex
	visible bool
	watch   sync.Once
}

func New(target Target, background BackgroundRegistrar, logger zerolog.Logger) *Observer {
	return &Observer{
		target:     target,
		background: background,
		logger:     logger.With().Str("component", "observer").Logger(),
		visible:    true,
	}
}

var process struct {
	once sync.Once
	obs  *Observer
}

// Register returns the process-wide observer, creating it on the first call.
// Later calls get the same instance whatever they pass, so UI bindings may
// register on every mount without stacking handlers. created reports whether
// this call did the registration.
func Register(target Target, background BackgroundRegistrar, logger zerolog.Logger) (obs *Observer, created bool) {
	process.once.Do(func() {
		process.obs = New(target, background, logger)
		created = true
		process.obs.logger.Info().Msg("initializing global offline status listeners")
	})
	return process.obs, created
}

// ReportNetwork records reachability. Coming back online drains the queue;
// going offline refreshes the pending count so the UI shows what is stuck.
func (o *Observer) ReportNetwork(ctx context.Context, online bool) {
	was := o.target.SetOnline(online)
	switch {
	case online && !was:
		o.logger.Info().Msg("network status changed: offline -> online")
		o.target.RefreshPendingCount(ctx)
		o.target.TriggerAsync(syncer.TriggerOnline)
	case !online:
		if was {
			o.logger.Info().Msg("network status changed: online -> offline")
		}
		n := o.target.RefreshPendingCount(ctx)
		if was && n > 0 {
			o.logger.Warn().Int("pending", n).Msg("going offline with meals waiting to sync")
		}
	}
}

// ReportVisibility records foreground state. Returning to the foreground
// drains; going to the background with work pending arms background sync.
func (o *Observer) ReportVisibility(ctx context.Context, visible bool) {
	o.mu.Lock()
	was := o.visible
	o.visible = visible
	o.mu.Unlock()

	switch {
	case visible && !was:
		o.logger.Debug().Msg("app visible again")
		o.target.TriggerAsync(syncer.TriggerVisible)
	case !visible && was:
		if o.target.RefreshPendingCount(ctx) > 0 && o.background != nil {
			o.background.RegisterMealSync(ctx)
		}
	}
}

// Visible reports the last visibility observation.
func (o *Observer) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

// Watch feeds prober results into ReportNetwork until ctx ends. Only the
// first call on an observer starts a loop; later calls return immediately.
func (o *Observer) Watch(ctx context.Context, p *Prober) {
	started := false
	o.watch.Do(func() { started = true })
	if !started {
		o.logger.Debug().Msg("network watcher already running")
		return
	}
	p.Run(ctx, o.ReportNetwork)
}
