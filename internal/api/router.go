package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/queue"
)

type RouterConfig struct {
	Service  *queue.Service
	Closures closure.Registry
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Booking and queries
	r.Get("/queues/availability", availabilityHandler(cfg.Service))
	r.Post("/queues", bookHandler(cfg.Service))
	r.Post("/queues/admin", bookForPatientHandler(cfg.Service))
	r.Get("/queues/me", myEntriesHandler(cfg.Service))
	r.Get("/queues/current", currentStateHandler(cfg.Service))
	r.Get("/queues", entriesByDateHandler(cfg.Service))

	// Lifecycle
	r.Post("/queues/call-next", callNextHandler(cfg.Service))
	r.Post("/queues/{id}/complete", completeHandler(cfg.Service))
	r.Patch("/queues/{id}/cancel", cancelHandler(cfg.Service))
	r.Patch("/queues/{id}/status", setStatusHandler(cfg.Service))

	// Emergency closures
	r.Post("/closures", emergencyCancelHandler(cfg.Service))
	r.Get("/closures", listClosuresHandler(cfg.Closures))
	r.Get("/closures/check", checkClosureHandler(cfg.Closures))
	r.Patch("/closures/{id}/deactivate", deactivateClosureHandler(cfg.Service))

	// Reporting
	r.Get("/reports", reportHandler(cfg.Service))

	return r
}
