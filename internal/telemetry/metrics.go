package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "meal_submissions_total", Help: "Meal submissions by outcome (delivered, queued, blocked, failed)"}, []string{"outcome"})
	Deliveries           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "meal_deliveries_total", Help: "Delivery attempts by result (success, transient, rejected)"}, []string{"result"})
	Drains               = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "meal_drains_total", Help: "Queue drains executed by trigger"}, []string{"trigger"})
	DrainsSkipped        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "meal_drains_skipped_total", Help: "Drain requests skipped by reason (offline, in_flight)"}, []string{"reason"})
	Synced               = prometheus.NewCounter(prometheus.CounterOpts{Name: "meal_synced_total", Help: "Queued meals delivered and removed"})
	PendingGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "meal_pending", Help: "Pending meals as of the last recount"})
	BackgroundRegistered = prometheus.NewCounter(prometheus.CounterOpts{Name: "meal_background_sync_registrations_total", Help: "Successful background sync registrations"})
	ManualSyncRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "meal_manual_sync_rate_limited_total", Help: "Manual sync requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			Deliveries,
			Drains,
			DrainsSkipped,
			Synced,
			PendingGauge,
			BackgroundRegistered,
			ManualSyncRejects,
		)
	})
	return promhttp.Handler()
}
