package handlers

import (
	"context"
	"net/http"

	"genie/internal/snapshot"
)

type ReadinessChecker interface {
	Stats(ctx context.Context) (snapshot.Stats, error)
	HealthCheck(ctx context.Context) snapshot.Health
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ReadyHandler reports ready once the snapshot store is initialized and
// reachable. A degraded store is still ready.
func ReadyHandler(store ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := store.HealthCheck(r.Context())
		stats, err := store.Stats(r.Context())
		if health.Status == snapshot.Unhealthy || err != nil || !stats.Initialized {
			writeJSON(w, http.StatusServiceUnavailable, health)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}
}
