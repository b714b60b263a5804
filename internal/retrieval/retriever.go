// Package retrieval implements tenant-isolated retrieval with caching,
// retry, and bounded batch fan-out on top of the vector store.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/telemetry"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
)

// Config tunes a Retriever.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	CacheTTL            time.Duration
	MaxAttempts         int
	InitialBackoff      time.Duration
}

// DefaultConfig mirrors the process defaults.
func DefaultConfig() Config {
	return Config{
		TopK:                5,
		SimilarityThreshold: 0.70,
		CacheTTL:            5 * time.Minute,
		MaxAttempts:         3,
		InitialBackoff:      200 * time.Millisecond,
	}
}

// Identity carries the caller identifiers used for rollout bucketing.
type Identity struct {
	UserID    string
	SessionID string
}

// Retriever wraps the vector store with result caching, retry with backoff,
// and tenant validation on every path out.
type Retriever struct {
	selector *vectorstore.Selector
	cache    cache.Store
	guard    *tenant.Guard
	events   telemetry.Events
	cfg      Config
}

func NewRetriever(selector *vectorstore.Selector, store cache.Store, guard *tenant.Guard, events telemetry.Events, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if store == nil {
		store = cache.NewNopStore()
	}
	if events == nil {
		events = telemetry.NewNopEvents()
	}
	return &Retriever{
		selector: selector,
		cache:    store,
		guard:    guard,
		events:   events,
		cfg:      cfg,
	}
}

// Retrieve returns tenant-validated chunks for the request. Transient store
// failures are retried with exponential backoff and jitter; once attempts
// are exhausted the result degrades to an empty set so callers can fall
// back, rather than surfacing a transport error. Tenant isolation
// violations are never degraded.
func (r *Retriever) Retrieve(ctx context.Context, req domain.RetrievalRequest, id Identity) ([]domain.DocumentChunk, error) {
	if req.TenantID == "" {
		return nil, domain.ErrMissingTenant
	}
	if req.Query == "" {
		return nil, domain.ErrEmptyQuery
	}
	if req.TopK <= 0 {
		req.TopK = r.cfg.TopK
	}
	if req.SimilarityThreshold <= 0 {
		req.SimilarityThreshold = r.cfg.SimilarityThreshold
	}

	key := cache.RetrievalKey(req.TenantID, req.Query, req.TopK, req.SimilarityThreshold)
	if chunks, ok := r.cacheGet(ctx, key); ok {
		// Cached hits are validated too: a poisoned entry must fail
		// loudly, not ride the cache past the guard.
		if err := r.guard.ValidateRead(chunks, req.TenantID, "retrieval_cache"); err != nil {
			return nil, err
		}
		return chunks, nil
	}

	backend := r.selector.Select(id.UserID, id.SessionID, req.TenantID)

	chunks, err := r.searchWithRetry(ctx, backend, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("retrieval: attempts exhausted for backend %s: %v", backend.Name(), err)
		return []domain.DocumentChunk{}, nil
	}

	if err := r.guard.ValidateRead(chunks, req.TenantID, "vector_store"); err != nil {
		return nil, err
	}

	if len(chunks) > 0 {
		r.cacheSet(ctx, key, chunks)
	}
	return chunks, nil
}

func (r *Retriever) searchWithRetry(ctx context.Context, backend vectorstore.Store, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.InitialBackoff

	attempt := 0
	var chunks []domain.DocumentChunk

	operation := func() error {
		attempt++
		result, err := backend.Search(ctx, req)
		if err != nil {
			remaining := r.cfg.MaxAttempts - attempt
			r.events.RetrievalRetry(req.TenantID, backend.Name(), attempt, remaining, err)
			return err
		}
		chunks = result
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeRetrieval, "vector store search failed", err)
	}
	return chunks, nil
}

func (r *Retriever) cacheGet(ctx context.Context, key string) ([]domain.DocumentChunk, bool) {
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		log.Printf("retrieval: cache get failed: %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var chunks []domain.DocumentChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		log.Printf("retrieval: cache entry corrupt, ignoring: %v", err)
		return nil, false
	}
	return chunks, true
}

func (r *Retriever) cacheSet(ctx context.Context, key string, chunks []domain.DocumentChunk) {
	raw, err := json.Marshal(chunks)
	if err != nil {
		return
	}
	if err := r.cache.SetWithTTL(ctx, key, raw, r.cfg.CacheTTL); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("retrieval: cache set failed: %v", err)
	}
}
