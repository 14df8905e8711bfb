package handler

import (
	"context"
	"net/http"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

func (h *Handler) dependencyStatus(ctx context.Context) map[string]string {
	services := map[string]string{
		"postgres": "disabled",
		"redis":    "disabled",
	}
	if h.db != nil {
		services["postgres"] = "healthy"
		if err := h.db.HealthCheck(ctx); err != nil {
			h.log.Warn().Err(err).Msg("postgres health check failed")
			services["postgres"] = "unhealthy"
		}
	}
	if h.rdb != nil {
		services["redis"] = "healthy"
		if err := h.rdb.HealthCheck(ctx); err != nil {
			h.log.Warn().Err(err).Msg("redis health check failed")
			services["redis"] = "unhealthy"
		}
	}
	if h.keySvc != nil {
		services["signing_key"] = "healthy"
		if _, _, _, err := h.keySvc.SigningKey(); err != nil {
			services["signing_key"] = "unhealthy"
		}
	}
	return services
}

// Health returns the health status of the service
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := h.dependencyStatus(r.Context())

	status := "healthy"
	for _, s := range services {
		if s == "unhealthy" {
			status = "degraded"
			break
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:   status,
		Version:  Version,
		Services: services,
	})
}

// Ready returns whether the service is ready to accept requests
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, s := range h.dependencyStatus(r.Context()) {
		if s == "unhealthy" {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
