package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloo-solutions/ragline/internal/api"
	"github.com/cloo-solutions/ragline/internal/api/middleware"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/llm"
)

// QueryService answers a single query through the fallback cascade.
type QueryService interface {
	Execute(ctx context.Context, input domain.QueryInput) (*domain.FallbackResult, error)
}

// BatchService answers a batch of queries for one tenant.
type BatchService interface {
	Execute(ctx context.Context, tenantID, userID string, inputs []domain.BatchQueryInput) (*domain.BatchResult, error)
}

// CacheInvalidator drops a tenant's cached retrievals and responses.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// StatsProvider snapshots provider-side counters.
type StatsProvider interface {
	LLMStats() llm.Stats
}

type QueryHandler struct {
	queries     QueryService
	batches     BatchService
	invalidator CacheInvalidator
	stats       StatsProvider
}

func NewQueryHandler(queries QueryService, batches BatchService, invalidator CacheInvalidator, stats StatsProvider) *QueryHandler {
	return &QueryHandler{
		queries:     queries,
		batches:     batches,
		invalidator: invalidator,
		stats:       stats,
	}
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type QueryRequest struct {
	Query     string           `json:"query"`
	SessionID string           `json:"session_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	History   []HistoryMessage `json:"history,omitempty"`
}

type QueryResponse struct {
	Answer            string             `json:"answer"`
	Confidence        float64            `json:"confidence"`
	Level             string             `json:"level"`
	LevelsAttempted   []string           `json:"levels_attempted"`
	Disclaimer        string             `json:"disclaimer,omitempty"`
	Suggestions       []string           `json:"suggestions,omitempty"`
	EscalationOffered bool               `json:"escalation_offered"`
	Sources           []domain.SourceRef `json:"sources"`
	Usage             domain.TokenUsage  `json:"usage"`
	LatencyMs         int64              `json:"latency_ms"`
	Cached            bool               `json:"cached"`
}

type BatchRequest struct {
	Queries []domain.BatchQueryInput `json:"queries"`
	UserID  string                   `json:"user_id,omitempty"`
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	history := make([]domain.ChatMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}

	result, err := h.queries.Execute(r.Context(), domain.QueryInput{
		TenantID:  tenantID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      req.Query,
		History:   history,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	levels := make([]string, 0, len(result.LevelsAttempted))
	for _, level := range result.LevelsAttempted {
		levels = append(levels, string(level))
	}

	api.Success(w, http.StatusOK, QueryResponse{
		Answer:            result.Answer,
		Confidence:        result.Confidence,
		Level:             string(result.LevelUsed),
		LevelsAttempted:   levels,
		Disclaimer:        result.Disclaimer,
		Suggestions:       result.Suggestions,
		EscalationOffered: result.EscalationOffered,
		Sources:           result.Sources,
		Usage:             result.Usage,
		LatencyMs:         result.LatencyMs,
		Cached:            result.Cached,
	})
}

func (h *QueryHandler) QueryBatch(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.batches.Execute(r.Context(), tenantID, req.UserID, req.Queries)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, result)
}

// InvalidateCache drops the calling tenant's cached entries, typically
// after its documents were re-ingested.
func (h *QueryHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.invalidator.InvalidateTenant(r.Context(), tenantID); err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *QueryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if middleware.GetTenantID(r.Context()) == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	api.Success(w, http.StatusOK, h.stats.LLMStats())
}
