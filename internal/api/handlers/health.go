package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/ragline/internal/api"
)

// CachePinger checks that the shared cache backend is reachable.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness plus the provider breaker state and cache
// reachability, enough for a load balancer or an operator glance.
type HealthHandler struct {
	stats StatsProvider
	cache CachePinger
}

func NewHealthHandler(stats StatsProvider, cache CachePinger) *HealthHandler {
	return &HealthHandler{stats: stats, cache: cache}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}

	if h.stats != nil {
		body["llm_state"] = h.stats.LLMStats().State
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			body["cache"] = "unreachable"
		} else {
			body["cache"] = "ok"
		}
	}

	api.Success(w, http.StatusOK, body)
}
