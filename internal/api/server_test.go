package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/guard"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/observer"
	"offline-meal-queue/internal/pipeline"
	"offline-meal-queue/internal/ratelimit"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/syncer"
	"offline-meal-queue/internal/transport"
)

type switchTransport struct{ healthy atomic.Bool }

func (s *switchTransport) Deliver(context.Context, models.MealCollection) transport.Result {
	if s.healthy.Load() {
		return transport.Result{StatusCode: 200}
	}
	return transport.Result{Err: transport.ErrUnavailable}
}

type harness struct {
	srv       *Server
	router    http.Handler
	records   *store.Records
	coord     *syncer.Coordinator
	transport *switchTransport
	hub       *broadcast.Hub
	threshold string
}

func newHarness(t *testing.T, cfg config.Config, online bool, limiter ratelimit.Limiter) *harness {
	t.Helper()
	h := &harness{
		records:   store.NewRecords(store.NewMemoryBackend(), zerolog.Nop()),
		transport: &switchTransport{},
		hub:       broadcast.NewHub(),
	}
	h.transport.healthy.Store(true)
	h.coord = syncer.New(h.records, h.transport, h.hub, zerolog.Nop(), syncer.WithOnline(online), syncer.WithInterval(time.Hour))
	t.Cleanup(h.coord.Teardown)

	stale := guard.NewStaleness(h.records, func() string { return h.threshold })
	pipe := pipeline.New(stale, h.records, h.transport, h.coord, zerolog.Nop(),
		pipeline.WithOnQueued(func(ctx context.Context) { h.coord.RefreshPendingCount(ctx) }))

	h.srv = New(cfg, Deps{
		Pipeline:  pipe,
		Queue:     h.coord,
		Lifecycle: observer.New(h.coord, nil, zerolog.Nop()),
		Guard:     stale,
		Store:     h.records,
		Hub:       h.hub,
		Limiter:   limiter,
	}, zerolog.Nop())
	h.router = h.srv.Router()
	return h
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

const mealBody = `{"deptname":"kitchen","fullname":"Ana Lima","entraadname":"ana@example.org","count":1,"amount":12.3456,"entity":"north"}`

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmit_OfflineQueuesThenSyncsOnReconnect(t *testing.T) {
	h := newHarness(t, config.Config{}, false, nil)

	rec := h.do(http.MethodPost, "/meals", mealBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[models.SubmitResult](t, rec)
	assert.True(t, res.Success)
	assert.True(t, res.Queued)

	state := decode[models.QueueState](t, h.do(http.MethodGet, "/status", ""))
	assert.Equal(t, 1, state.PendingCount)
	assert.False(t, state.Online)

	pending := decode[struct {
		Items []models.PendingEvent `json:"items"`
		Count int                   `json:"count"`
	}](t, h.do(http.MethodGet, "/pending", ""))
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, 12.35, pending.Items[0].Payload.Amount)

	rec = h.do(http.MethodPost, "/lifecycle/network", `{"online":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		return h.coord.State().PendingCount == 0 && len(h.records.ListAll(context.Background())) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_OnlineDeliveredAndValidation(t *testing.T) {
	h := newHarness(t, config.Config{}, true, nil)

	rec := h.do(http.MethodPost, "/meals", mealBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode[models.SubmitResult](t, rec).Delivered)
	assert.Empty(t, h.records.ListAll(context.Background()))

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/meals", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/meals", `{"count":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/meals", `{"fullname":"x","amount":-1}`).Code)
}

func TestSubmit_BlockedByStaleness(t *testing.T) {
	h := newHarness(t, config.Config{}, false, nil)
	ctx := context.Background()
	old := models.MealCollection{FullName: "old", Timestamp: models.FormatTimestamp(time.Now().Add(-4 * 24 * time.Hour))}
	require.True(t, h.records.Add(ctx, &models.PendingEvent{Payload: old}))
	h.threshold = "3"

	decision := decode[models.BlockDecision](t, h.do(http.MethodGet, "/collection/guard", ""))
	assert.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "4 days")

	rec := h.do(http.MethodPost, "/meals", mealBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	res := decode[models.SubmitResult](t, rec)
	assert.True(t, res.Blocked)
	assert.False(t, res.Success)
	assert.Len(t, h.records.ListAll(ctx), 1)

	h.threshold = "not-a-number"
	assert.False(t, decode[models.BlockDecision](t, h.do(http.MethodGet, "/collection/guard", "")).Blocked)
}

func TestSync_ManualAndRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t, config.Config{}, true, ratelimit.NewTokenBucket(client, 1, 0.0001, time.Minute))
	ctx := context.Background()
	require.True(t, h.records.Add(ctx, &models.PendingEvent{Payload: models.MealCollection{FullName: "a"}}))

	rec := h.do(http.MethodPost, "/sync", "", "X-Device-ID", "handset-1")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[syncResponse](t, rec)
	assert.True(t, out.Ran)
	assert.Equal(t, 1, out.SyncedCount)
	assert.Equal(t, 1, out.TotalCount)

	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/sync", "", "X-Device-ID", "handset-1").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sync", "", "X-Device-ID", "handset-2").Code)
}

func TestSync_OfflineReportsReason(t *testing.T) {
	h := newHarness(t, config.Config{}, false, nil)
	out := decode[syncResponse](t, h.do(http.MethodPost, "/sync", ""))
	assert.False(t, out.Ran)
	assert.Equal(t, "offline", out.Reason)
}

func TestClearPending_RequiresToken(t *testing.T) {
	h := newHarness(t, config.Config{APIToken: "secret"}, false, nil)
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/meals", mealBody).Code)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodDelete, "/pending", "").Code)
	rec := h.do(http.MethodDelete, "/pending", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.records.ListAll(context.Background()))
	assert.Zero(t, h.coord.State().PendingCount)
}

func TestRefreshAndLifecycleValidation(t *testing.T) {
	h := newHarness(t, config.Config{}, false, nil)
	require.True(t, h.records.Add(context.Background(), &models.PendingEvent{Payload: models.MealCollection{FullName: "x"}}))

	state := decode[models.QueueState](t, h.do(http.MethodPost, "/status/refresh", ""))
	assert.Equal(t, 1, state.PendingCount)
	assert.False(t, state.LastCheckedAt.IsZero())

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/lifecycle/network", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/lifecycle/visibility", `{"visible":"yes"}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/lifecycle/visibility", `{"visible":false}`).Code)
}

func TestEvents_StreamsCompletions(t *testing.T) {
	h := newHarness(t, config.Config{}, true, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.True(t, h.records.Add(context.Background(), &models.PendingEvent{Payload: models.MealCollection{FullName: "a"}}))
	_, ran := h.coord.ForceSync(context.Background())
	require.True(t, ran)

	var data []byte
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = bytes.TrimSpace([]byte(strings.TrimPrefix(line, "data: ")))
			break
		}
	}
	var c models.SyncCompletion
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Equal(t, models.CompletionMessageType, c.Type)
	assert.Equal(t, 1, c.SyncedCount)
	assert.Equal(t, 1, c.TotalCount)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, config.Config{}, true, nil)
	rec := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
