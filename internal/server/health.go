package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// Pinger is anything that can check its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthService verifies store connectivity as part of health checks.
type StoreHealthService struct {
	Store Pinger
}

// Probe implements the HealthService interface.
func (s StoreHealthService) Probe(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Ping(ctx)
}

func healthHandler(logger *slog.Logger, health HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"status": "ok"}
		if health == nil {
			respondJSON(w, http.StatusOK, payload)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		if err := health.Probe(ctx); err != nil {
			logger.Error("health probe failed", "error", err)
			payload["status"] = "degraded"
			payload["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
		respondJSON(w, http.StatusOK, payload)
	}
}
