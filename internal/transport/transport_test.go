package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-meal-queue/internal/models"
)

func TestHTTPTransport_DeliversWithHeaders(t *testing.T) {
	var got models.MealCollection
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mobile/submit_meal_check_in", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL+"/", "/mobile/submit_meal_check_in", time.Second, StaticToken("tok"))
	meal := models.MealCollection{DeptName: "wards", FullName: "Ana", Count: 2, Amount: 12.35, IdempotencyKey: "k-1"}

	res := tr.Deliver(context.Background(), meal)
	require.True(t, res.OK(), "err=%v", res.Err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "k-1", idem)
	assert.Equal(t, meal, got)
}

func TestHTTPTransport_ClassifiesFailures(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	tr := NewHTTP(srv.URL, "submit", time.Second, nil)

	res := tr.Deliver(context.Background(), models.MealCollection{})
	assert.False(t, res.OK())
	assert.True(t, res.Permanent())
	assert.True(t, errors.Is(res.Err, ErrRejected))

	status = http.StatusBadGateway
	res = tr.Deliver(context.Background(), models.MealCollection{})
	assert.False(t, res.OK())
	assert.False(t, res.Permanent())
	assert.True(t, errors.Is(res.Err, ErrUnavailable))
}

func TestHTTPTransport_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewHTTP(url, "submit", 200*time.Millisecond, nil).Deliver(context.Background(), models.MealCollection{})
	assert.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrUnavailable))
	assert.Zero(t, res.StatusCode)
}

func TestHTTPTransport_NoAuthorizationWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewHTTP(srv.URL, "submit", time.Second, StaticToken("")).Deliver(context.Background(), models.MealCollection{})
	assert.True(t, res.OK())
}
