package guard

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"offline-meal-queue/internal/models"
)

// AgeSource reports the age of the oldest pending record in days.
type AgeSource interface {
	OldestAgeInDays(ctx context.Context) float64
}

// Staleness blocks new collections once unsynced data is older than the
// configured threshold. It never stops the queue itself from accepting events.
type Staleness struct {
	ages      AgeSource
	threshold func() string
}

// NewStaleness reads the threshold through threshold on every evaluation.
func NewStaleness(ages AgeSource, threshold func() string) *Staleness {
	return &Staleness{ages: ages, threshold: threshold}
}

// ShouldBlockCollection compares the oldest pending age with the threshold.
// A missing, non-numeric or non-positive threshold never blocks.
func (s *Staleness) ShouldBlockCollection(ctx context.Context) models.BlockDecision {
	limit, ok := s.maxAgeDays()
	if !ok {
		return models.BlockDecision{}
	}
	age := s.ages.OldestAgeInDays(ctx)
	if age <= limit {
		return models.BlockDecision{}
	}
	days := int(math.Floor(age))
	return models.BlockDecision{
		Blocked:   true,
		AgeInDays: age,
		Reason: fmt.Sprintf(
			"Meals recorded offline have not been synced for %d %s (limit %s). Connect to the network and sync before starting a new collection.",
			days, plural(days, "day", "days"), strconv.FormatFloat(limit, 'f', -1, 64),
		),
	}
}

func (s *Staleness) maxAgeDays() (float64, bool) {
	if s.threshold == nil {
		return 0, false
	}
	raw := strings.TrimSpace(s.threshold())
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
