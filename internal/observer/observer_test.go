package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-meal-queue/internal/syncer"
)

type recordingTarget struct {
	mu       sync.Mutex
	online   bool
	pending  int
	refresh  int
	triggers []string
}

func (r *recordingTarget) SetOnline(online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.online
	r.online = online
	return was
}

func (r *recordingTarget) RefreshPendingCount(context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh++
	return r.pending
}

func (r *recordingTarget) TriggerAsync(trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
}

func (r *recordingTarget) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh, append([]string(nil), r.triggers...)
}

type countingRegistrar struct{ calls atomic.Int32 }

func (c *countingRegistrar) RegisterMealSync(context.Context) bool {
	c.calls.Add(1)
	return true
}

func TestReportNetwork_OnlyOfflineToOnlineDrains(t *testing.T) {
	ctx := context.Background()
	target := &recordingTarget{online: true}
	obs := New(target, nil, zerolog.Nop())

	obs.ReportNetwork(ctx, true)
	_, triggers := target.snapshot()
	assert.Empty(t, triggers, "online while online is not a transition")

	obs.ReportNetwork(ctx, false)
	refresh, triggers := target.snapshot()
	assert.Equal(t, 1, refresh, "going offline recounts pending")
	assert.Empty(t, triggers)

	obs.ReportNetwork(ctx, true)
	refresh, triggers = target.snapshot()
	assert.Equal(t, 2, refresh)
	assert.Equal(t, []string{syncer.TriggerOnline}, triggers)
}

func TestReportVisibility_ForegroundDrainsBackgroundArms(t *testing.T) {
	ctx := context.Background()
	target := &recordingTarget{online: true, pending: 2}
	reg := &countingRegistrar{}
	obs := New(target, reg, zerolog.Nop())

	obs.ReportVisibility(ctx, true)
	_, triggers := target.snapshot()
	assert.Empty(t, triggers, "already visible")

	obs.ReportVisibility(ctx, false)
	assert.False(t, obs.Visible())
	assert.Equal(t, int32(1), reg.calls.Load())

	obs.ReportVisibility(ctx, true)
	_, triggers = target.snapshot()
	assert.Equal(t, []string{syncer.TriggerVisible}, triggers)
}

func TestRegister_OncePerProcess(t *testing.T) {
	first, created := Register(&recordingTarget{}, nil, zerolog.Nop())
	require.True(t, created)
	for i := 0; i < 3; i++ {
		again, created := Register(&recordingTarget{}, nil, zerolog.Nop())
		assert.False(t, created)
		assert.Same(t, first, again)
	}
}

func TestProber_CheckAndRun(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, "/healthz", 10*time.Millisecond, time.Second, zerolog.Nop())
	require.True(t, p.Check(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := make(chan bool, 8)
	go p.Run(ctx, func(_ context.Context, online bool) { reports <- online })

	require.True(t, <-reports)
	healthy.Store(false)
	select {
	case online := <-reports:
		assert.False(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not report the outage")
	}
}

func TestProber_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.False(t, NewProber(url, "/healthz", time.Second, 200*time.Millisecond, zerolog.Nop()).Check(context.Background()))
}

func TestWatch_StartsOneLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	target := &recordingTarget{online: false}
	obs := New(target, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		obs.Watch(ctx, NewProber(srv.URL, "/", time.Hour, time.Second, zerolog.Nop()))
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, triggers := target.snapshot()
		return len(triggers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// second watcher returns immediately
	obs.Watch(ctx, NewProber(srv.URL, "/", time.Hour, time.Second, zerolog.Nop()))
	cancel()
	<-done
}
