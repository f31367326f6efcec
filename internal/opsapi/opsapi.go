// Package opsapi is the one HTTP surface this repository owns: health and
// metrics, never bid framing (that remains the Non-goal spec.md names).
// Built on gorilla/mux and rs/cors the same way the teacher's own ops
// tooling would, generalized to expose go-ethereum's metrics registry.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// HealthFunc reports whether the engine is ready to accept bids.
type HealthFunc func() error

// Server is the ops HTTP surface.
type Server struct {
	httpServer *http.Server
}

// New builds the router: GET /healthz and GET /metrics.
func New(addr string, health HealthFunc) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler(health)).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metricsHandler).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "reason": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshot := make(map[string]interface{})
	metrics.DefaultRegistry.Each(func(name string, metric interface{}) {
		snapshot[name] = metric
	})
	json.NewEncoder(w).Encode(snapshot)
}
