package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchWorkers  = 10
	defaultBatchCacheTTL = 60 * time.Second
	batchCacheSize       = 256
)

// BatchItem is the per-request outcome of a batch retrieval. Output order
// matches input order regardless of completion order.
type BatchItem struct {
	Request domain.RetrievalRequest
	Chunks  []domain.DocumentChunk
}

// BatchRetriever fans out retrieval requests under a bounded worker count,
// deduplicates chunks across the whole batch, and short-caches per-query
// results so a burst of related batches does not hammer the vector store.
type BatchRetriever struct {
	retriever *Retriever
	workers   int
	cache     *cache.Memory[[]domain.DocumentChunk]
}

func NewBatchRetriever(retriever *Retriever, workers int, cacheTTL time.Duration) *BatchRetriever {
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultBatchCacheTTL
	}
	return &BatchRetriever{
		retriever: retriever,
		workers:   workers,
		cache:     cache.NewMemory[[]domain.DocumentChunk](batchCacheSize, cacheTTL),
	}
}

// RetrieveBatch retrieves all requests concurrently. A chunk that already
// appeared for an earlier request in the batch is excluded from later
// results, so one popular chunk cannot dominate a multi-question batch.
// Tenant isolation violations abort the whole batch; transient failures
// surface as empty per-request results.
func (b *BatchRetriever) RetrieveBatch(ctx context.Context, reqs []domain.RetrievalRequest, id Identity) ([]BatchItem, error) {
	results := make([]BatchItem, len(reqs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.workers)

	for i, req := range reqs {
		group.Go(func() error {
			results[i].Request = req

			chunks, err := b.fetch(groupCtx, req, id)
			if err != nil {
				return err
			}
			results[i].Chunks = chunks
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	dedupeAcrossBatch(results)
	return results, nil
}

// fetch resolves one request through the short cache, falling back to the
// retriever. Cached entries are re-validated against the requesting tenant.
func (b *BatchRetriever) fetch(ctx context.Context, req domain.RetrievalRequest, id Identity) ([]domain.DocumentChunk, error) {
	key := cache.RetrievalKey(req.TenantID, req.Query, req.TopK, req.SimilarityThreshold)
	if chunks, ok := b.cache.Get(key); ok {
		if err := b.retriever.guard.ValidateRead(chunks, req.TenantID, "batch_cache"); err != nil {
			return nil, err
		}
		return chunks, nil
	}

	chunks, err := b.retriever.Retrieve(ctx, req, id)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		b.cache.Set(key, chunks)
	}
	return chunks, nil
}

// Session tracks chunk ownership across the per-query retrievals of one
// batch. A chunk claimed by one query is excluded from every later one, the
// same guarantee RetrieveBatch gives aggregated batches.
type Session struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (b *BatchRetriever) NewSession() *Session {
	return &Session{seen: make(map[string]bool)}
}

// RetrieveOne retrieves a single request through the batch cache and claims
// its chunks in the session. Safe for concurrent use across the batch.
func (b *BatchRetriever) RetrieveOne(ctx context.Context, req domain.RetrievalRequest, id Identity, session *Session) ([]domain.DocumentChunk, error) {
	chunks, err := b.fetch(ctx, req, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return chunks, nil
	}
	return session.claim(chunks), nil
}

// claim copies rather than filters in place: the source slice may be shared
// with a cache entry that later batches will read.
func (s *Session) claim(chunks []domain.DocumentChunk) []domain.DocumentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]domain.DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		if s.seen[c.ID] {
			continue
		}
		s.seen[c.ID] = true
		kept = append(kept, c)
	}
	return kept
}

// dedupeAcrossBatch walks results in input order and drops any chunk whose
// id was already claimed by an earlier request. Input order makes the
// assignment deterministic no matter which worker finished first.
func dedupeAcrossBatch(results []BatchItem) {
	seen := make(map[string]bool)
	for i := range results {
		// Copy rather than filter in place: the source slice may be
		// shared with a cache entry that later batches will read.
		kept := make([]domain.DocumentChunk, 0, len(results[i].Chunks))
		for _, c := range results[i].Chunks {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			kept = append(kept, c)
		}
		results[i].Chunks = kept
	}
}
