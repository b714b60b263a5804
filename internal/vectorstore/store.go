// Package vectorstore provides tenant-scoped similarity search over the
// pgvector-backed document store.
package vectorstore

import (
	"context"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/rollout"
)

// Store is the vector search collaborator. Implementations are tenant-scoped
// at the storage layer; retrieval re-validates on top.
type Store interface {
	// Search returns up to topK chunks for the query, best match first,
	// filtered to minSimilarity.
	Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error)
	// Name identifies the backend in logs and rollout decisions.
	Name() string
}

// EmbeddingClient generates the query embedding used for similarity search.
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Selector deterministically buckets callers between the stable backend and
// a candidate under percentage rollout, so the same user or session sees the
// same backend for the whole rollout window.
type Selector struct {
	stable    Store
	candidate Store
	percent   int
}

// NewSelector builds a selector. candidate may be nil, in which case the
// stable backend always wins.
func NewSelector(stable, candidate Store, percent int) *Selector {
	return &Selector{stable: stable, candidate: candidate, percent: percent}
}

// Select picks the backend for a caller identity.
func (s *Selector) Select(userID, sessionID, tenantID string) Store {
	if s.candidate == nil || s.percent <= 0 {
		return s.stable
	}
	key := rollout.StableKey(userID, sessionID, tenantID)
	if rollout.InRollout(key, s.percent) {
		return s.candidate
	}
	return s.stable
}
