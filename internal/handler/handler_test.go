package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/auth"
	"github.com/rideshare/internal/middleware"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/repository/memrepo"
	"github.com/rideshare/internal/storage/memory"
)

type api struct {
	repo     *memrepo.Store
	store    *memory.Client
	verifier *auth.Verifier
	router   chi.Router
}

func newAPI(t *testing.T) *api {
	t.Helper()
	a := &api{
		repo:     memrepo.New(),
		store:    memory.New(),
		verifier: auth.NewVerifier("test-secret", ""),
	}
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(a.verifier))
		r.Get("/unread", NewUnreadHandler(a.repo).Get)
		r.Post("/rides/{rideId}/requests", NewRideHandler(a.repo).RequestRide)
		push := NewPushHandler(a.store, "BPUBLIC")
		r.Get("/push/config", push.Config)
		r.Post("/push/subscribe", push.Subscribe)
		r.Delete("/push/subscribe", push.Unsubscribe)
	})
	a.router = r
	return a
}

func (a *api) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if userID != "" {
		tok, err := a.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestUnread(t *testing.T) {
	a := newAPI(t)
	req, err := a.repo.SeedRequest("driver", "pax", model.RequestAccepted)
	require.NoError(t, err)
	for _, text := range []string{"hi", "where are you?"} {
		_, err := a.repo.SeedMessage(req.ID, "driver", text)
		require.NoError(t, err)
	}

	rec := a.do(t, "pax", http.MethodGet, "/api/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got unreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, map[string]int{req.ID: 2}, got.ByRequest)

	rec = a.do(t, "driver", http.MethodGet, "/api/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, mustField(t, rec.Body.Bytes(), "by_request"))

	rec = a.do(t, "", http.MethodGet, "/api/unread", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return string(m[field])
}

func TestRequestRide(t *testing.T) {
	a := newAPI(t)
	ride := a.repo.AddRide(model.RideSummary{DriverID: "driver", DepartureTime: time.Now().Add(time.Hour)})

	rec := a.do(t, "pax", http.MethodPost, "/api/rides/"+ride.ID+"/requests", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.RideRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, model.RequestPending, created.Status)
	assert.Equal(t, "pax", created.PassengerID)

	rec = a.do(t, "pax", http.MethodPost, "/api/rides/"+ride.ID+"/requests", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `"already_requested"`, mustField(t, rec.Body.Bytes(), "error"))

	rec = a.do(t, "driver", http.MethodPost, "/api/rides/"+ride.ID+"/requests", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, "pax", http.MethodPost, "/api/rides/missing/requests", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestRide_BackendDown(t *testing.T) {
	a := newAPI(t)
	ride := a.repo.AddRide(model.RideSummary{DriverID: "driver"})
	a.repo.Fail("CreateRequest", assert.AnError)

	rec := a.do(t, "pax", http.MethodPost, "/api/rides/"+ride.ID+"/requests", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPushSubscribe(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()

	rec := a.do(t, "pax", http.MethodGet, "/api/push/config", nil)
	assert.JSONEq(t, `{"enabled":true,"public_key":"BPUBLIC"}`, rec.Body.String())

	body := map[string]any{"subscription": map[string]any{
		"endpoint": "https://push.example/1",
		"keys":     map[string]string{"p256dh": "p", "auth": "a"},
	}}
	rec = a.do(t, "pax", http.MethodPost, "/api/push/subscribe", body)
	require.Equal(t, http.StatusNoContent, rec.Code)
	subs, err := a.store.Subscriptions(ctx, "pax")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "p", subs[0].Keys.P256dh)

	rec = a.do(t, "pax", http.MethodPost, "/api/push/subscribe", map[string]any{"subscription": map[string]any{"endpoint": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "pax", http.MethodDelete, "/api/push/subscribe", map[string]string{"endpoint": "https://push.example/1"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	subs, _ = a.store.Subscriptions(ctx, "pax")
	assert.Empty(t, subs)
}

func TestWriteModelError_Internal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeModelError(rec, "test", assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), assert.AnError.Error()), "internal details stay in the log")
}
