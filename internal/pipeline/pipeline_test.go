package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/llm"
	"github.com/cloo-solutions/ragline/internal/openai"
	"github.com/cloo-solutions/ragline/internal/retrieval"
	"github.com/cloo-solutions/ragline/internal/telemetry"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a programmable vector store double.
type fakeStore struct {
	mu       sync.Mutex
	calls    int
	searchFn func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error)
}

func (f *fakeStore) Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(req)
	}
	return nil, nil
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedChat is a programmable chat completion double.
type scriptedChat struct {
	mu      sync.Mutex
	calls   []openai.CompletionRequest
	respond func(call int, req openai.CompletionRequest) (*openai.Completion, error)
}

func (s *scriptedChat) ChatComplete(ctx context.Context, req openai.CompletionRequest) (*openai.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	call := len(s.calls)
	s.mu.Unlock()

	if s.respond != nil {
		return s.respond(call, req)
	}
	return stubCompletion("stub answer"), nil
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedChat) call(i int) openai.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func stubCompletion(content string) *openai.Completion {
	return &openai.Completion{
		Content:      content,
		Model:        "stub",
		FinishReason: "stop",
		Usage:        domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func chunksFor(tenantID string, similarity float64, ids ...string) []domain.DocumentChunk {
	chunks := make([]domain.DocumentChunk, 0, len(ids))
	for _, id := range ids {
		chunks = append(chunks, domain.DocumentChunk{
			ID:         id,
			Content:    "content of " + id,
			TenantID:   tenantID,
			Similarity: similarity,
			Metadata:   map[string]string{"tenant_id": tenantID},
		})
	}
	return chunks
}

type rig struct {
	store *fakeStore
	chat  *scriptedChat
	pipe  *Pipeline
}

func newRig(cfg Config, quota *Quota) *rig {
	store := &fakeStore{}
	chat := &scriptedChat{}
	selector := vectorstore.NewSelector(store, nil, 0)
	retriever := retrieval.NewRetriever(selector, cache.NewNopStore(), tenant.NewGuard(),
		telemetry.NewNopEvents(), retrieval.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	client := llm.NewClient(chat, llm.Config{}, nil)
	return &rig{
		store: store,
		chat:  chat,
		pipe:  New(retriever, client, quota, cache.NewNopStore(), cfg),
	}
}

func queryInput(text string) domain.QueryInput {
	return domain.QueryInput{TenantID: "tenant-a", UserID: "user-1", Text: text}
}

func TestQueryAnswersFromRetrievedContext(t *testing.T) {
	r := newRig(Config{}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.91, "doc-1", "doc-2"), nil
	}
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		return stubCompletion("Widgets ship in three days."), nil
	}

	result, err := r.pipe.Query(context.Background(), queryInput("how long does shipping take"))
	require.NoError(t, err)

	assert.Equal(t, "Widgets ship in three days.", result.Answer)
	assert.Len(t, result.Sources, 2)
	assert.Equal(t, "doc-1", result.Sources[0].ID)
	assert.InDelta(t, 0.91, result.Confidence, 1e-9)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.False(t, result.Cached)

	// The retrieved content must reach the model.
	prompt := messagesText(r.chat.call(0).Messages)
	assert.Contains(t, prompt, "content of doc-1")
	assert.Contains(t, prompt, "how long does shipping take")
}

func TestQueryResponseCacheHit(t *testing.T) {
	r := newRig(Config{}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.88, "doc-1"), nil
	}

	first, err := r.pipe.Query(context.Background(), queryInput("what is the refund policy"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.pipe.Query(context.Background(), queryInput("what is the refund policy"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, r.chat.callCount())
	assert.Equal(t, 1, r.store.callCount())
}

func TestQueryCacheIsTenantScoped(t *testing.T) {
	r := newRig(Config{}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor(req.TenantID, 0.88, "doc-"+req.TenantID), nil
	}

	_, err := r.pipe.Query(context.Background(), domain.QueryInput{TenantID: "tenant-a", Text: "same question"})
	require.NoError(t, err)

	other, err := r.pipe.Query(context.Background(), domain.QueryInput{TenantID: "tenant-b", Text: "same question"})
	require.NoError(t, err)
	assert.False(t, other.Cached)
	assert.Equal(t, 2, r.chat.callCount())
}

func TestQueryValidation(t *testing.T) {
	r := newRig(Config{}, nil)

	_, err := r.pipe.Query(context.Background(), domain.QueryInput{Text: "no tenant"})
	assert.ErrorIs(t, err, domain.ErrMissingTenant)

	_, err = r.pipe.Query(context.Background(), domain.QueryInput{TenantID: "tenant-a", Text: "   "})
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)

	assert.Equal(t, 0, r.chat.callCount())
}

func TestQueryQuotaExceeded(t *testing.T) {
	quota := NewQuota(&TokenCounter{}, 5)
	r := newRig(Config{}, quota)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.9, "doc-1"), nil
	}

	_, err := r.pipe.Query(context.Background(), queryInput("this prompt is comfortably past five tokens"))
	require.Error(t, err)
	assert.True(t, domain.IsQuotaExceeded(err))
	assert.Equal(t, 0, r.chat.callCount(), "quota must be checked before spending provider calls")
}

func TestQueryRewriteFailsOpen(t *testing.T) {
	r := newRig(Config{RewriteEnabled: true}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		// The failed rewrite must leave the original question as the
		// search query.
		assert.Equal(t, "original question", req.Query)
		return chunksFor("tenant-a", 0.9, "doc-1"), nil
	}
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		if call == 1 {
			return nil, errors.New("rewrite blew up")
		}
		return stubCompletion("final answer"), nil
	}

	result, err := r.pipe.Query(context.Background(), queryInput("original question"))
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Answer)
	assert.Equal(t, 2, r.chat.callCount())
}

func TestQueryRewriteUsedForRetrieval(t *testing.T) {
	r := newRig(Config{RewriteEnabled: true}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		assert.Equal(t, "hypothetical passage", req.Query)
		return chunksFor("tenant-a", 0.9, "doc-1"), nil
	}
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		if call == 1 {
			return stubCompletion("hypothetical passage"), nil
		}
		// The answer prompt still carries the user's question verbatim.
		assert.Contains(t, messagesText(req.Messages), "original question")
		return stubCompletion("final answer"), nil
	}

	result, err := r.pipe.Query(context.Background(), queryInput("original question"))
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Answer)
	assert.Equal(t, 30, result.Usage.TotalTokens, "rewrite usage counts toward the query")
}

func TestQueryRerankReorders(t *testing.T) {
	r := newRig(Config{RerankEnabled: true}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.8, "doc-1", "doc-2", "doc-3"), nil
	}
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		if call == 1 {
			return stubCompletion("3,1,2"), nil
		}
		return stubCompletion("answer"), nil
	}

	result, err := r.pipe.Query(context.Background(), queryInput("which order"))
	require.NoError(t, err)
	require.Len(t, result.Sources, 3)
	assert.Equal(t, "doc-3", result.Sources[0].ID)
	assert.Equal(t, "doc-1", result.Sources[1].ID)
	assert.Equal(t, "doc-2", result.Sources[2].ID)
}

func TestQueryRerankFailsOpen(t *testing.T) {
	r := newRig(Config{RerankEnabled: true}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.8, "doc-1", "doc-2"), nil
	}
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		if call == 1 {
			return stubCompletion("I think the second one is best"), nil
		}
		return stubCompletion("answer"), nil
	}

	result, err := r.pipe.Query(context.Background(), queryInput("which order"))
	require.NoError(t, err)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "doc-1", result.Sources[0].ID, "unparseable rerank keeps similarity order")
}

func TestGeneralAnswerSkipsRetrieval(t *testing.T) {
	r := newRig(Config{}, nil)
	r.chat.respond = func(call int, req openai.CompletionRequest) (*openai.Completion, error) {
		return stubCompletion("from general knowledge"), nil
	}

	result, err := r.pipe.GeneralAnswer(context.Background(), queryInput("what is the capital of france"))
	require.NoError(t, err)
	assert.Equal(t, "from general knowledge", result.Answer)
	assert.Empty(t, result.Sources)
	assert.Equal(t, 0, r.store.callCount())
}

func TestInvalidateTenantDropsCachedResponses(t *testing.T) {
	r := newRig(Config{}, nil)
	r.store.searchFn = func(req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
		return chunksFor("tenant-a", 0.9, "doc-1"), nil
	}

	_, err := r.pipe.Query(context.Background(), queryInput("before invalidation"))
	require.NoError(t, err)

	require.NoError(t, r.pipe.InvalidateTenant(context.Background(), "tenant-a"))

	result, err := r.pipe.Query(context.Background(), queryInput("before invalidation"))
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, r.chat.callCount())
}

func TestParseRankOrder(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want []int
		ok   bool
	}{
		{"full permutation", "3,1,2", 3, []int{2, 0, 1}, true},
		{"with spaces", " 2 , 1 ", 2, []int{1, 0}, true},
		{"omitted tail appended", "2", 3, []int{1, 0, 2}, true},
		{"out of range", "1,4", 3, nil, false},
		{"duplicate", "1,1,2", 3, nil, false},
		{"garbage", "the best is #2", 3, nil, false},
		{"empty", "  ", 3, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRankOrder(tt.text, tt.n)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBuildContextBlockNumbersChunks(t *testing.T) {
	block := buildContextBlock(chunksFor("tenant-a", 0.8, "doc-1", "doc-2"))
	assert.True(t, strings.HasPrefix(block, "Context:\n"))
	assert.Contains(t, block, "[1] content of doc-1")
	assert.Contains(t, block, "[2] content of doc-2")
	assert.Empty(t, buildContextBlock(nil))
}
