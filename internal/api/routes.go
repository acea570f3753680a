package api

import (
	"net/http"

	"jobfleet/internal/fleet"
	"jobfleet/internal/health"
	"jobfleet/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Fleet         *fleet.Fleet
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates the HTTP handler with every route and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Fleet, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes, no auth
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.SubmitJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{name}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("POST /v1/batches", auth(http.HandlerFunc(handler.StartBatch)))
	mux.Handle("GET /v1/batches", auth(http.HandlerFunc(handler.ListBatches)))
	mux.Handle("GET /v1/batches/{runId}", auth(http.HandlerFunc(handler.GetBatch)))
	mux.Handle("DELETE /v1/batches/{runId}", auth(http.HandlerFunc(handler.CancelBatch)))
	mux.Handle("GET /v1/aggregates", auth(http.HandlerFunc(handler.Aggregate)))

	// Outermost last
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = TracingMiddleware()(h)
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
