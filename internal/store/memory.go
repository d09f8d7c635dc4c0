package store

import (
	"context"
	"sync"
	"time"

	"offline-meal-queue/internal/models"
)

type memoryRow struct {
	event     models.PendingEvent
	createdAt time.Time
}

// MemoryBackend is a process-local backend for tests and throwaway agents.
type MemoryBackend struct {
	mu     sync.Mutex
	nextID int64
	rows   []memoryRow
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Insert(_ context.Context, meal models.MealCollection, createdAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, memoryRow{
		event:     models.PendingEvent{ID: m.nextID, Payload: meal},
		createdAt: createdAt,
	})
	return m.nextID, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]models.PendingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PendingEvent, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.event)
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rows {
		if r.event.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryBackend) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	return nil
}

func (m *MemoryBackend) Oldest(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		oldest time.Time
		found  bool
	)
	for _, r := range m.rows {
		if !found || r.createdAt.Before(oldest) {
			oldest = r.createdAt
			found = true
		}
	}
	return oldest, found, nil
}

func (m *MemoryBackend) Close() error { return nil }
