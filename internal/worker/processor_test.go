package worker

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/bgsync"
	"offline-meal-queue/internal/config"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

func newQueue(t *testing.T) *bgsync.RedisHook {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bgsync.NewRedisHook(client)
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 5 * time.Millisecond,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         4 * time.Millisecond,
		MaxAttempts:        3,
	}
}

func TestProcessor_RunsRegisteredTag(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	p := NewProcessor(testConfig(), q, zerolog.Nop())
	calls := 0
	p.RegisterHandler("meal-submission", func(context.Context) error {
		calls++
		return nil
	})

	if err := q.Register(ctx, "meal-submission"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ran, err := p.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("expected a run, got ran=%v err=%v", ran, err)
	}
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if ran, _ := p.RunOnce(ctx); ran {
		t.Fatalf("queue should be empty")
	}
}

func TestProcessor_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	cfg := testConfig()
	p := NewProcessor(cfg, q, zerolog.Nop())
	calls := 0
	p.RegisterHandler("meal-submission", func(context.Context) error {
		calls++
		return errors.New("backend down")
	})

	_ = q.Register(ctx, "meal-submission")
	deadline := time.Now().Add(2 * time.Second)
	for calls < cfg.MaxAttempts && time.Now().Before(deadline) {
		_, _ = p.RunOnce(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	if calls != cfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxAttempts, calls)
	}
	if p.Attempts("meal-submission") != 0 {
		t.Fatalf("attempts should reset after giving up")
	}

	time.Sleep(10 * time.Millisecond)
	if ran, _ := p.RunOnce(ctx); ran {
		t.Fatalf("tag must not be re-registered after the last attempt")
	}
}

func TestProcessor_PanicCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	p := NewProcessor(testConfig(), q, zerolog.Nop())
	p.RegisterHandler("meal-submission", func(context.Context) error { panic("boom") })

	_ = q.Register(ctx, "meal-submission")
	if ran, _ := p.RunOnce(ctx); !ran {
		t.Fatalf("expected a run")
	}
	if p.Attempts("meal-submission") != 1 {
		t.Fatalf("panic should count as one failed attempt")
	}
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	p := NewProcessor(testConfig(), q, zerolog.Nop())
	done := make(chan struct{}, 1)
	p.RegisterHandler("meal-submission", func(context.Context) error {
		done <- struct{}{}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	_ = q.Register(context.Background(), "meal-submission")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
