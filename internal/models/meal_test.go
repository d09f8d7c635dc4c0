package models

import (
	"testing"
	"time"
)

func TestFormatTimestampRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 9, 7, 30, 15, 123_000_000, time.FixedZone("UTC+2", 2*3600))
	meal := MealCollection{Timestamp: FormatTimestamp(at)}

	if meal.Timestamp != "2024-03-09T05:30:15.123Z" {
		t.Fatalf("unexpected timestamp %q", meal.Timestamp)
	}
	parsed, err := meal.CreatedAt()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(at) {
		t.Fatalf("expected %s got %s", at, parsed)
	}
}

func TestCreatedAtRejectsGarbage(t *testing.T) {
	if _, err := (MealCollection{}).CreatedAt(); err == nil {
		t.Fatalf("expected error for empty timestamp")
	}
	if _, err := (MealCollection{Timestamp: "yesterday"}).CreatedAt(); err == nil {
		t.Fatalf("expected error for malformed timestamp")
	}
}
