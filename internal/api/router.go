package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"windtwin-gateway/internal/metrics"
)

// SetupDataRouter serves device ingestion and metrics.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)

	r.With(apiHandler.auth.APIKeyMiddleware).Post("/api/events", apiHandler.HandleEvents)
	r.Get("/healthz", apiHandler.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// SetupUIRouter serves viewers: negotiate, the hub socket and the turbine
// and twin endpoints.
func SetupUIRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.HandleHealth)
	r.Post("/api/negotiate", apiHandler.HandleNegotiate)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.auth.JWTMiddleware)
		r.Get("/ws", apiHandler.HandleWebSocket)
		r.Get("/api/turbines", apiHandler.HandleTurbines)
		r.Get("/api/turbines/{id}/twin", apiHandler.HandleTwin)
		r.Post("/api/turbines/{id}/alert", apiHandler.HandleSetAlert)
	})

	return r
}

// RequestLogger logs each request and records its latency by route pattern.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", elapsed).
				Msg("HTTP request")
		})
	}
}
