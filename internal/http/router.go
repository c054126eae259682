package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"github.com/robertarktes/reservation-allocator/internal/rateLimit"
)

// SetupRouter wires the gateway routes. A nil rl disables rate limiting.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, perMinute int) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		if rl != nil {
			r.Use(RateLimitMiddleware(rl, perMinute))
		}
		r.Use(IdempotencyMiddleware)

		r.Post("/v1/holds", h.CreateHold)
		r.Get("/v1/reservations/{id}", h.GetReservation)
		r.Post("/v1/reservations/{id}/confirm", h.ConfirmReservation)
		r.Post("/v1/reservations/{id}/cancel", h.CancelReservation)

		r.Get("/v1/units/{id}", h.GetUnit)
		r.Put("/v1/units/{id}", h.PutUnit)
		r.Get("/v1/units/{id}/availability", h.GetAvailability)
		r.Get("/v1/units/{id}/reservations", h.ListUnitReservations)
	})

	return r
}
