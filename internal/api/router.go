package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/analysisworker/internal/api/middleware"
	"github.com/kiranshivaraju/analysisworker/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// RateLimit guards job submission. Nil disables limiting.
	RateLimit *mw.RateLimit

	RootHandler     http.HandlerFunc
	HealthHandler   http.HandlerFunc
	InfoHandler     http.HandlerFunc
	MetricsHandler  http.Handler
	AnalyzeHandler  http.HandlerFunc
	StatusHandler   http.HandlerFunc
	ResultsHandler  http.HandlerFunc
	DownloadHandler http.HandlerFunc
	CancelHandler   http.HandlerFunc
	ListJobsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.NotFound(w, "ROUTE_NOT_FOUND", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Service metadata
	r.Get("/", orNotImplemented(deps.RootHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Get("/info", orNotImplemented(deps.InfoHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Job lifecycle
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/analyze", orNotImplemented(deps.AnalyzeHandler))
	})
	r.Get("/status/{jobID}", orNotImplemented(deps.StatusHandler))
	r.Get("/results/{jobID}", orNotImplemented(deps.ResultsHandler))
	r.Get("/download/{jobID}/{filename}", orNotImplemented(deps.DownloadHandler))
	r.Get("/jobs", orNotImplemented(deps.ListJobsHandler))
	r.Delete("/jobs/{jobID}", orNotImplemented(deps.CancelHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
