package retrieval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatchRetriever(t *testing.T, store *fakeVectorStore, workers int) *BatchRetriever {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	retriever := NewRetriever(
		vectorstore.NewSelector(store, nil, 0),
		cache.NewNopStore(),
		tenant.NewGuard(),
		nil,
		cfg,
	)
	return NewBatchRetriever(retriever, workers, time.Minute)
}

func batchRequests(tenantID string, n int) []domain.RetrievalRequest {
	reqs := make([]domain.RetrievalRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, testRequest(tenantID, fmt.Sprintf("question %d", i)))
	}
	return reqs
}

func TestRetrieveBatch_OrderPreserved(t *testing.T) {
	// Earlier queries sleep longer so completion order is reversed.
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			var index int
			fmt.Sscanf(req.Query, "question %d", &index)
			time.Sleep(time.Duration(8-index) * 5 * time.Millisecond)
			return tenantChunks(req.TenantID, fmt.Sprintf("chunk-%d", index)), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 8)

	reqs := batchRequests("tenant-a", 8)
	results, err := batch.RetrieveBatch(context.Background(), reqs, Identity{})
	require.NoError(t, err)
	require.Len(t, results, len(reqs))

	for i, result := range results {
		assert.Equal(t, reqs[i].Query, result.Request.Query, "output[%d] must match input[%d]", i, i)
		require.Len(t, result.Chunks, 1)
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), result.Chunks[0].ID)
	}
}

func TestRetrieveBatch_GlobalDedup(t *testing.T) {
	// Every query matches the same popular chunk plus one unique chunk.
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			var index int
			fmt.Sscanf(req.Query, "question %d", &index)
			return tenantChunks(req.TenantID, "popular", fmt.Sprintf("unique-%d", index)), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 4)

	results, err := batch.RetrieveBatch(context.Background(), batchRequests("tenant-a", 4), Identity{})
	require.NoError(t, err)

	popularCount := 0
	for i, result := range results {
		for _, c := range result.Chunks {
			if c.ID == "popular" {
				popularCount++
			}
		}
		assert.Contains(t, chunkIDs(result.Chunks), fmt.Sprintf("unique-%d", i))
	}
	assert.Equal(t, 1, popularCount, "a shared chunk appears in exactly one result list")

	// First query in input order wins the shared chunk.
	assert.Contains(t, chunkIDs(results[0].Chunks), "popular")
}

func TestRetrieveOne_SessionDedup(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			var index int
			fmt.Sscanf(req.Query, "question %d", &index)
			return tenantChunks(req.TenantID, "popular", fmt.Sprintf("unique-%d", index)), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 4)
	session := batch.NewSession()

	first, err := batch.RetrieveOne(context.Background(), testRequest("tenant-a", "question 0"), Identity{}, session)
	require.NoError(t, err)
	assert.Contains(t, chunkIDs(first), "popular")
	assert.Contains(t, chunkIDs(first), "unique-0")

	second, err := batch.RetrieveOne(context.Background(), testRequest("tenant-a", "question 1"), Identity{}, session)
	require.NoError(t, err)
	assert.NotContains(t, chunkIDs(second), "popular", "a chunk claimed earlier in the session must not reappear")
	assert.Contains(t, chunkIDs(second), "unique-1")

	// A fresh session starts with no claims.
	again, err := batch.RetrieveOne(context.Background(), testRequest("tenant-a", "question 2"), Identity{}, batch.NewSession())
	require.NoError(t, err)
	assert.Contains(t, chunkIDs(again), "popular")
}

func TestRetrieveOne_UsesShortTTLCache(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return tenantChunks(req.TenantID, "c-"+req.Query), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 4)
	req := testRequest("tenant-a", "question 0")

	_, err := batch.RetrieveOne(context.Background(), req, Identity{}, batch.NewSession())
	require.NoError(t, err)
	callsAfterFirst := store.callCount()

	chunks, err := batch.RetrieveOne(context.Background(), req, Identity{}, batch.NewSession())
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, store.callCount(), "repeat within TTL must be served from the batch cache")
	assert.Contains(t, chunkIDs(chunks), "c-question 0", "cache hits are still claimable by a new session")
}

func TestRetrieveBatch_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	store := &fakeVectorStore{}
	store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return tenantChunks(req.TenantID, req.Query), nil
	}
	batch := newTestBatchRetriever(t, store, 3)

	_, err := batch.RetrieveBatch(context.Background(), batchRequests("tenant-a", 12), Identity{})
	require.NoError(t, err)

	assert.LessOrEqual(t, maxInFlight, 3)
	assert.Equal(t, 12, store.callCount())
}

func TestRetrieveBatch_ShortTTLCache(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			return tenantChunks(req.TenantID, "c-"+req.Query), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 4)
	reqs := batchRequests("tenant-a", 3)

	_, err := batch.RetrieveBatch(context.Background(), reqs, Identity{})
	require.NoError(t, err)
	callsAfterFirst := store.callCount()

	_, err = batch.RetrieveBatch(context.Background(), reqs, Identity{})
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, store.callCount(), "repeat batch within TTL must be served from the batch cache")
}

func TestRetrieveBatch_IsolationViolationAborts(t *testing.T) {
	store := &fakeVectorStore{
		searchFn: func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
			if req.Query == "question 1" {
				return tenantChunks("tenant-b", "foreign"), nil
			}
			return tenantChunks(req.TenantID, "ok-"+req.Query), nil
		},
	}
	batch := newTestBatchRetriever(t, store, 2)

	_, err := batch.RetrieveBatch(context.Background(), batchRequests("tenant-a", 3), Identity{})
	require.Error(t, err)
	assert.True(t, domain.IsTenantIsolation(err))
}

func chunkIDs(chunks []domain.DocumentChunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	return ids
}
