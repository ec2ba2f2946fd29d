package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/analysisworker/internal/api/response"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

// Pinger is satisfied by the optional status cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

var endpoints = map[string]string{
	"health":   "/health",
	"info":     "/info",
	"analyze":  "/analyze",
	"status":   "/status/{job_id}",
	"results":  "/results/{job_id}",
	"download": "/download/{job_id}/{filename}",
	"cancel":   "/jobs/{job_id}",
	"jobs":     "/jobs",
	"metrics":  "/metrics",
}

// NewHealthHandler returns an http.HandlerFunc for GET /health. It reports
// healthy whenever the process can serve requests; the orchestrator and the
// optional cache never turn it unhealthy.
func NewHealthHandler(record models.ServiceRecord, cache Pinger, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		if cache != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			checks["cache"] = "ok"
			if err := cache.Ping(ctx); err != nil {
				checks["cache"] = "degraded"
			}
		}

		response.JSON(w, map[string]any{
			"status":            "healthy",
			"service":           record.ServiceName,
			"version":           record.Version,
			"timestamp":         time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds":    int64(time.Since(started).Seconds()),
			"endpoints":         endpoints,
			"capabilities":      record.Metadata.Capabilities,
			"supported_formats": record.Metadata.SupportedFormats,
			"checks":            checks,
		})
	}
}

// NewInfoHandler returns an http.HandlerFunc for GET /info: the registration
// record, used by the orchestrator for discovery.
func NewInfoHandler(record models.ServiceRecord) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, record)
	}
}

func NewRootHandler(record models.ServiceRecord) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string]string{
			"name":    record.ServiceName,
			"version": record.Version,
			"status":  "running",
		})
	}
}
