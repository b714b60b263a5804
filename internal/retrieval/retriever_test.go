package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVectorStore is a programmable vector store double.
type fakeVectorStore struct {
	mu       sync.Mutex
	calls    int
	searchFn func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error)
}

func (f *fakeVectorStore) Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(req)
	}
	return nil, nil
}

func (f *fakeVectorStore) Name() string { return "fake" }

func (f *fakeVectorStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedRetry struct {
	tenantID  string
	attempt   int
	remaining int
}

// recordingEvents captures telemetry events for assertions.
type recordingEvents struct {
	mu      sync.Mutex
	retries []recordedRetry
}

func (r *recordingEvents) RetrievalRetry(tenantID, backend string, attempt, remaining int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, recordedRetry{tenantID: tenantID, attempt: attempt, remaining: remaining})
}

func (r *recordingEvents) BreakerTransition(from, to string)           {}
func (r *recordingEvents) FallbackAttempt(string, string, bool, int64) {}

func tenantChunks(tenantID string, ids ...string) []domain.DocumentChunk {
	chunks := make([]domain.DocumentChunk, 0, len(ids))
	for _, id := range ids {
		chunks = append(chunks, domain.DocumentChunk{
			ID:         id,
			Content:    "content of " + id,
			TenantID:   tenantID,
			Similarity: 0.82,
			Metadata:   map[string]string{"tenant_id": tenantID},
		})
	}
	return chunks
}

func newTestRetriever(t *testing.T, store *fakeVectorStore) (*Retriever, *miniredis.Miniredis, *recordingEvents) {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheStore := cache.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	events := &recordingEvents{}
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	retriever := NewRetriever(
		vectorstore.NewSelector(store, nil, 0),
		cacheStore,
		tenant.NewGuard(),
		events,
		cfg,
	)
	return retriever, mr, events
}

func testRequest(tenantID, query string) domain.RetrievalRequest {
	return domain.RetrievalRequest{
		TenantID:            tenantID,
		Query:               query,
		TopK:                5,
		SimilarityThreshold: 0.7,
	}
}

func TestRetrieve_CacheIdempotence(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return tenantChunks(req.TenantID, "c1", "c2"), nil
		},
	}
	retriever, mr, _ := newTestRetriever(t, store)
	ctx := context.Background()
	req := testRequest("tenant-a", "refund policy")

	first, err := retriever.Retrieve(ctx, req, Identity{})
	require.NoError(t, err)
	second, err := retriever.Retrieve(ctx, req, Identity{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.callCount(), "second call within TTL must hit the cache")

	mr.FastForward(10 * time.Minute)

	_, err = retriever.Retrieve(ctx, req, Identity{})
	require.NoError(t, err)
	assert.Equal(t, 2, store.callCount(), "expired entry must reach the store again")
}

func TestRetrieve_PoisonedCacheDetected(t *testing.T) {
	store := &fakeVectorStore{}
	retriever, mr, _ := newTestRetriever(t, store)
	ctx := context.Background()
	req := testRequest("tenant-a", "refund policy")

	// Inject a foreign tenant's chunk directly into the cache.
	poisoned, err := json.Marshal(tenantChunks("tenant-b", "c1"))
	require.NoError(t, err)
	key := cache.RetrievalKey("tenant-a", "refund policy", 5, 0.7)
	mr.Set(key, string(poisoned))

	_, err = retriever.Retrieve(ctx, req, Identity{})
	require.Error(t, err)
	assert.True(t, domain.IsTenantIsolation(err))
	assert.Equal(t, 0, store.callCount())
}

func TestRetrieve_RetriesThenSucceeds(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	store := &fakeVectorStore{}
	store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return tenantChunks(req.TenantID, "c1"), nil
	}
	retriever, _, events := newTestRetriever(t, store)

	chunks, err := retriever.Retrieve(context.Background(), testRequest("tenant-a", "q"), Identity{})
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, 3, store.callCount())

	require.Len(t, events.retries, 2)
	assert.Equal(t, 1, events.retries[0].attempt)
	assert.Equal(t, 2, events.retries[0].remaining)
	assert.Equal(t, "tenant-a", events.retries[0].tenantID)
}

func TestRetrieve_ExhaustedRetriesDegradeToEmpty(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return nil, errors.New("vector store down")
		},
	}
	retriever, _, events := newTestRetriever(t, store)

	chunks, err := retriever.Retrieve(context.Background(), testRequest("tenant-a", "q"), Identity{})
	require.NoError(t, err, "exhausted retries degrade to empty, they do not propagate")
	assert.Empty(t, chunks)
	assert.Equal(t, 3, store.callCount())
	assert.Len(t, events.retries, 3)
}

func TestRetrieve_FreshResultForeignTenant(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return tenantChunks("tenant-b", "c1"), nil
		},
	}
	retriever, _, _ := newTestRetriever(t, store)

	_, err := retriever.Retrieve(context.Background(), testRequest("tenant-a", "q"), Identity{})
	require.Error(t, err)
	assert.True(t, domain.IsTenantIsolation(err))
}

func TestRetrieve_EmptyResultNotCached(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return []domain.DocumentChunk{}, nil
		},
	}
	retriever, _, _ := newTestRetriever(t, store)
	ctx := context.Background()
	req := testRequest("tenant-a", "q")

	_, err := retriever.Retrieve(ctx, req, Identity{})
	require.NoError(t, err)
	_, err = retriever.Retrieve(ctx, req, Identity{})
	require.NoError(t, err)

	assert.Equal(t, 2, store.callCount(), "empty results are not cached")
}

func TestRetrieve_Validation(t *testing.T) {
	retriever, _, _ := newTestRetriever(t, &fakeVectorStore{})
	ctx := context.Background()

	_, err := retriever.Retrieve(ctx, domain.RetrievalRequest{Query: "q"}, Identity{})
	assert.Equal(t, domain.ErrMissingTenant, err)

	_, err = retriever.Retrieve(ctx, domain.RetrievalRequest{TenantID: "t"}, Identity{})
	assert.Equal(t, domain.ErrEmptyQuery, err)
}
