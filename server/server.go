// Package server exposes the HTTP API: health, readiness, credential status,
// force-refresh, and metrics. It injects correlation IDs into request contexts
// for consistent logging.
package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/cred-tender/oauth"
	"github.com/onnwee/cred-tender/store"
	"github.com/onnwee/cred-tender/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(mgr *oauth.Manager, repo *store.Repository, queue *store.Queue) http.Handler {
	authCfg := loadAuthConfig()
	handlers := &Handlers{mgr: mgr, repo: repo, queue: queue}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/users/", handlers.HandleUsersDispatcher)

	// Admin auth guards the mutating endpoints only.
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/users/") && r.Method != http.MethodGet {
			adminAuth(mux, authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Correlation ID injector.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)
		selective.ServeHTTP(w, r.WithContext(ctx))
	})
}
