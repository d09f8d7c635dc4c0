package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/broadcast"
	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/models"
	"offline-meal-queue/internal/ratelimit"
	"offline-meal-queue/internal/store"
	"offline-meal-queue/internal/syncer"
	"offline-meal-queue/internal/telemetry"
)

// Submitter accepts new meal events.
type Submitter interface {
	Submit(ctx context.Context, meal models.MealCollection) models.SubmitResult
}

// Queue is the coordinator surface exposed to UI bindings.
type Queue interface {
	State() models.QueueState
	RefreshPendingCount(ctx context.Context) int
	ForceSync(ctx context.Context) (syncer.Outcome, bool)
}

// Lifecycle receives network and visibility reports.
type Lifecycle interface {
	ReportNetwork(ctx context.Context, online bool)
	ReportVisibility(ctx context.Context, visible bool)
}

// Guard answers whether a new collection may start.
type Guard interface {
	ShouldBlockCollection(ctx context.Context) models.BlockDecision
}

// Deps are the collaborators the control surface drives.
type Deps struct {
	Pipeline  Submitter
	Queue     Queue
	Lifecycle Lifecycle
	Guard     Guard
	Store     store.RecordStore
	Hub       *broadcast.Hub
	Limiter   ratelimit.Limiter
}

// Server wires HTTP handlers for the local control surface UI bindings call.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/meals", s.handleSubmit)
	r.Get("/collection/guard", s.handleGuard)

	r.Get("/status", s.handleStatus)
	r.Post("/status/refresh", s.handleRefresh)
	r.Post("/sync", s.handleSync)

	r.Get("/pending", s.handlePending)
	r.With(s.requireToken).Delete("/pending", s.handleClear)

	r.Post("/lifecycle/network", s.handleNetwork)
	r.Post("/lifecycle/visibility", s.handleVisibility)

	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var meal models.MealCollection
	if err := json.NewDecoder(r.Body).Decode(&meal); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if meal.EntraADName == "" && meal.FullName == "" {
		http.Error(w, "fullname or entraadname is required", http.StatusBadRequest)
		return
	}
	if meal.Count < 0 || meal.Amount < 0 {
		http.Error(w, "count and amount must not be negative", http.StatusBadRequest)
		return
	}

	res := s.deps.Pipeline.Submit(r.Context(), meal)
	switch {
	case res.Blocked:
		writeJSON(w, http.StatusConflict, res)
	case !res.Success:
		writeJSON(w, http.StatusInternalServerError, res)
	case res.Delivered:
		writeJSON(w, http.StatusCreated, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guard.ShouldBlockCollection(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.RefreshPendingCount(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

type syncResponse struct {
	Ran         bool   `json:"ran"`
	Reason      string `json:"reason,omitempty"`
	SyncedCount int    `json:"syncedCount"`
	TotalCount  int    `json:"totalCount"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r, s.cfg.DeviceID)
	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), key)
		if err != nil {
			// The limiter lives in Redis; an unreachable Redis must not block a manual sync.
			s.logger.Warn().Err(err).Msg("rate limit check failed, allowing")
			allowed = true
		}
		if !allowed {
			telemetry.ManualSyncRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	out, ran := s.deps.Queue.ForceSync(r.Context())
	resp := syncResponse{Ran: ran, SyncedCount: out.Synced, TotalCount: out.Total}
	if !ran {
		resp.Reason = "in_flight"
		if !s.deps.Queue.State().Online {
			resp.Reason = "offline"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Store.ListAll(r.Context())
	if events == nil {
		events = []models.PendingEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Store.Clear(r.Context()) {
		http.Error(w, "failed to clear pending meals", http.StatusInternalServerError)
		return
	}
	s.deps.Queue.RefreshPendingCount(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, `expected {"online": bool}`, http.StatusBadRequest)
		return
	}
	s.deps.Lifecycle.ReportNetwork(r.Context(), *req.Online)
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Visible == nil {
		http.Error(w, `expected {"visible": bool}`, http.StatusBadRequest)
		return
	}
	s.deps.Lifecycle.ReportVisibility(r.Context(), *req.Visible)
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

// handleEvents streams completion notifications as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.deps.Hub.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-events:
			if !ok {
				return
			}
			body, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// requireToken guards admin routes with the API bearer token when one is set.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request, fallback string) string {
	if v := r.Header.Get("X-Device-ID"); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
