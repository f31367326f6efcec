package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/stretchr/testify/require"
)

// testRouter rebuilds the same routes New wires, so the handlers can be
// exercised against an httptest.Server without binding a real listener.
func testRouter(health HealthFunc) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler(health)).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metricsHandler).Methods(http.MethodGet)
	return cors.New(cors.Options{AllowedMethods: []string{http.MethodGet}}).Handler(router)
}

func TestHealthzReturnsOKWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(testRouter(func() error { return nil }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestHealthzReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	srv := httptest.NewServer(testRouter(func() error { return errors.New("not ready") }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpointServesJSON(t *testing.T) {
	srv := httptest.NewServer(testRouter(func() error { return nil }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRunShutsDownGracefullyOnContextCancel(t *testing.T) {
	s := New("127.0.0.1:0", func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
