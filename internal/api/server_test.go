// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tether/internal/health"
	"github.com/ManuGH/tether/internal/manager"
)

type staticStatus manager.Status

func (s staticStatus) Status() manager.Status { return manager.Status(s) }

type reloaderFunc func(context.Context) error

func (f reloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s := New(Options{Status: staticStatus{Cluster: "c", Instance: "i", SessionID: "s1", Connected: true, Rejoins: 2}})
	rec := do(t, s.Routes(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got manager.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, got.Connected)
	assert.Equal(t, 2, got.Rejoins)
}

func TestStatusUnavailable(t *testing.T) {
	rec := do(t, New(Options{}).Routes(), http.MethodGet, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReload(t *testing.T) {
	calls := 0
	fail := false
	s := New(Options{Reloader: reloaderFunc(func(context.Context) error {
		calls++
		if fail {
			return errors.New("cluster cannot change")
		}
		return nil
	})})
	h := s.Routes()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/config/reload").Code)
	fail = true
	rec := do(t, h, http.MethodPost, "/config/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "cluster cannot change")
	assert.Equal(t, 2, calls)

	assert.Equal(t, http.StatusNotImplemented, do(t, New(Options{}).Routes(), http.MethodPost, "/config/reload").Code)
}

func TestRateLimit(t *testing.T) {
	h := New(Options{RateLimit: 2, Status: staticStatus{}}).Routes()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/status").Code)
	rec := do(t, h, http.MethodGet, "/status")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestProbesAndMetrics(t *testing.T) {
	hm := health.NewManager("v")
	h := New(Options{Health: hm, RateLimit: 1}).Routes()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz").Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tether_http_request_duration_seconds")
}
