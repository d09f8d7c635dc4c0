package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/telemetry"
	"offline-meal-queue/internal/transport"
)

// ErrIncomplete is returned by the background handler when a pass left
// records queued.
var ErrIncomplete = errors.New("drain left records queued")

// Outcome summarises one pass over the queue.
type Outcome struct {
	Synced   int `json:"synced"`
	Total    int `json:"total"`
	Rejected int `json:"rejected"`
}

// DrainRecords delivers a snapshot of the queue sequentially, removing each
// record the backend acknowledges. A failed record stays queued and the pass
// moves on to the next one.
func DrainRecords(ctx context.Context, st store.RecordStore, tr transport.Transport, logger zerolog.Logger) Outcome {
	var out Outcome
	drainInto(ctx, st, tr, logger, &out)
	return out
}

// drainInto updates out after every record so a pass cut short by a panic
// still reports what it got through.
func drainInto(ctx context.Context, st store.RecordStore, tr transport.Transport, logger zerolog.Logger, out *Outcome) {
	pending := st.ListAll(ctx)
	out.Total = len(pending)

	for _, ev := range pending {
		res := tr.Deliver(ctx, ev.Payload)
		telemetry.Deliveries.WithLabelValues(res.Label()).Inc()
		if !res.OK() {
			if res.Permanent() {
				out.Rejected++
			}
			logger.Warn().Err(res.Err).Int64("id", ev.ID).Int("status", res.StatusCode).Msg("failed to sync meal")
			continue
		}
		if st.Remove(ctx, ev.ID) {
			out.Synced++
			telemetry.Synced.Inc()
		}
	}
}

// BackgroundHandler runs a drain outside the foreground coordinator and
// announces the result on bus. No single-flight flag is shared with agents;
// duplicate deliveries rely on the backend honouring the idempotency key.
func BackgroundHandler(st store.RecordStore, tr transport.Transport, bus broadcast.Broadcaster, logger zerolog.Logger) func(ctx context.Context) error {
	logger = logger.With().Str("component", "background-drain").Logger()
	return func(ctx context.Context) error {
		telemetry.Drains.WithLabelValues(TriggerBackground).Inc()
		out := DrainRecords(ctx, st, tr, logger)
		logger.Info().Int("synced", out.Synced).Int("total", out.Total).Msg("background sync complete")
		if bus != nil {
			bus.Publish(ctx, models.SyncCompletion{
				Type:        models.CompletionMessageType,
				SyncedCount: out.Synced,
				TotalCount:  out.Total,
				Source:      models.SourceBackground,
				Trigger:     TriggerBackground,
				CompletedAt: time.Now().UTC(),
			})
		}
		if out.Synced < out.Total {
			return fmt.Errorf("%w: %d of %d", ErrIncomplete, out.Total-out.Synced, out.Total)
		}
		return nil
	}
}
