// Package api assembles the HTTP surface of the claims server.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/api/handlers"
	"github.com/drfirst/go-rcm/internal/api/middleware"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/rcm"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func() error

// Config configures the router
type Config struct {
	ServiceName string
	Version     string
	// APIKeys maps key to client name; empty disables authentication
	APIKeys map[string]string
	// Gatherer serves /metrics; nil omits the route
	Gatherer prometheus.Gatherer
	// Checks are extra readiness checks keyed by name
	Checks  map[string]ReadinessCheck
	Timeout time.Duration
}

// NewRouter builds the router with probes, metrics and the /api/v1 routes
func NewRouter(cfg Config, svc *rcm.Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS)
	r.Use(chimw.Timeout(cfg.Timeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.ServiceName,
			"version": cfg.Version,
		})
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		checks := map[string]string{"remittance_pool": "ok"}
		if !svc.Ready() {
			status = http.StatusServiceUnavailable
			checks["remittance_pool"] = "unhealthy"
		}
		for name, check := range cfg.Checks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{
			"ready":    status == http.StatusOK,
			"checks":   checks,
			"breakers": svc.Breakers(),
		})
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", handlers.New(svc, logger).Routes())
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
