package server

import (
	"net/http"

	"github.com/cloo-solutions/ragline/internal/api"
	"github.com/cloo-solutions/ragline/internal/api/handlers"
	"github.com/cloo-solutions/ragline/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	AuthValidator middleware.AuthValidator
	QueryHandler  *handlers.QueryHandler
	HealthHandler *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.AuthValidator))

		r.Post("/query", cfg.QueryHandler.Query)
		r.Post("/query/batch", cfg.QueryHandler.QueryBatch)
		r.Post("/cache/invalidate", cfg.QueryHandler.InvalidateCache)
		r.Get("/stats", cfg.QueryHandler.Stats)
	})

	return r
}
