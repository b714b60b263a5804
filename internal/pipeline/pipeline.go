// Package pipeline turns a tenant's question into an answer: response
// cache, optional query rewrite, retrieval, optional rerank, generation,
// with per-stage timings and a fallback cascade when the primary path
// cannot produce a confident answer.
package pipeline

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/llm"
	"github.com/cloo-solutions/ragline/internal/openai"
	"github.com/cloo-solutions/ragline/internal/retrieval"
)

// Config tunes the single-query pipeline.
type Config struct {
	ResponseCacheSize int
	ResponseCacheTTL  time.Duration
	RewriteEnabled    bool
	RerankEnabled     bool
	MaxPromptTokens   int
}

// DefaultConfig mirrors the process defaults.
func DefaultConfig() Config {
	return Config{
		ResponseCacheSize: 512,
		ResponseCacheTTL:  5 * time.Minute,
	}
}

// QueryLogEntry is one completed query for the audit trail. TenantHash is
// already anonymized; raw tenant identifiers never leave the process.
type QueryLogEntry struct {
	TenantHash       string
	Query            string
	Level            string
	Answered         bool
	Cached           bool
	Confidence       float64
	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
}

// QueryLogger persists completed queries. Implementations must not block
// the response path on persistence failures.
type QueryLogger interface {
	LogQuery(ctx context.Context, entry QueryLogEntry)
}

// NopQueryLogger discards entries.
type NopQueryLogger struct{}

func (NopQueryLogger) LogQuery(context.Context, QueryLogEntry) {}

// cachedResponse wraps a cached result with the tenant that wrote it, so
// cached reads go through the same ownership check as fresh ones.
type cachedResponse struct {
	TenantID string
	Result   domain.QueryResult
}

// Pipeline answers single queries. Both the primary path and the relaxed
// and LLM-only variants used by the fallback cascade live here.
type Pipeline struct {
	retriever *retrieval.Retriever
	llm       *llm.Client
	quota     *Quota
	respCache *cache.Memory[cachedResponse]
	store     cache.Store
	cfg       Config
}

func New(retriever *retrieval.Retriever, llmClient *llm.Client, quota *Quota, store cache.Store, cfg Config) *Pipeline {
	if cfg.ResponseCacheSize <= 0 {
		cfg.ResponseCacheSize = DefaultConfig().ResponseCacheSize
	}
	if cfg.ResponseCacheTTL <= 0 {
		cfg.ResponseCacheTTL = DefaultConfig().ResponseCacheTTL
	}
	if store == nil {
		store = cache.NewNopStore()
	}
	return &Pipeline{
		retriever: retriever,
		llm:       llmClient,
		quota:     quota,
		respCache: cache.NewMemory[cachedResponse](cfg.ResponseCacheSize, cfg.ResponseCacheTTL),
		store:     store,
		cfg:       cfg,
	}
}

// retrieveFunc sources chunks for one query. The executor substitutes a
// batch-scoped retrieval here; nil means the pipeline's own retriever.
type retrieveFunc func(ctx context.Context, req domain.RetrievalRequest, id retrieval.Identity) ([]domain.DocumentChunk, error)

// Query runs the full pipeline at the default similarity threshold.
func (p *Pipeline) Query(ctx context.Context, input domain.QueryInput) (*domain.QueryResult, error) {
	return p.run(ctx, input, 0, true, nil)
}

// QueryRelaxed reruns the pipeline at a lower similarity threshold. Results
// are not cached: the relaxed threshold would pollute the primary key space.
func (p *Pipeline) QueryRelaxed(ctx context.Context, input domain.QueryInput, threshold float64) (*domain.QueryResult, error) {
	return p.run(ctx, input, threshold, false, nil)
}

// GeneralAnswer skips retrieval and answers from the model's general
// knowledge. Used when the knowledge base has nothing relevant.
func (p *Pipeline) GeneralAnswer(ctx context.Context, input domain.QueryInput) (*domain.QueryResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	started := time.Now()

	messages := make([]domain.ChatMessage, 0, len(input.History)+2)
	messages = append(messages, domain.ChatMessage{Role: "system", Content: generalSystemPrompt})
	messages = append(messages, input.History...)
	messages = append(messages, domain.ChatMessage{Role: "user", Content: input.Text})

	completion, err := p.complete(ctx, messages, 0.7)
	if err != nil {
		return nil, err
	}

	result := &domain.QueryResult{
		Answer:    completion.Content,
		Sources:   []domain.SourceRef{},
		Usage:     completion.Usage,
		LatencyMs: msSince(started),
	}
	result.Timings.GenerationMs = result.LatencyMs
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, input domain.QueryInput, threshold float64, useCache bool, retrieve retrieveFunc) (*domain.QueryResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	started := time.Now()

	var timings domain.StageTimings

	key := cache.ResponseKey(input.TenantID, input.Text)
	if useCache {
		lookupStart := time.Now()
		entry, ok := p.respCache.Get(key)
		timings.CacheLookupMs = msSince(lookupStart)
		if ok {
			if entry.TenantID != input.TenantID {
				return nil, &domain.TenantIsolationError{
					Context:        "response_cache",
					ExpectedTenant: input.TenantID,
					ActualTenant:   entry.TenantID,
				}
			}
			result := entry.Result
			result.Cached = true
			result.LatencyMs = msSince(started)
			result.Timings = domain.StageTimings{CacheLookupMs: timings.CacheLookupMs}
			return &result, nil
		}
	}

	var usage domain.TokenUsage

	searchQuery := input.Text
	if p.cfg.RewriteEnabled {
		rewriteStart := time.Now()
		rewritten, rewriteUsage, err := p.rewrite(ctx, input.Text)
		timings.RewriteMs = msSince(rewriteStart)
		if err != nil {
			// Rewrite is an optimization; the original query still works.
			log.Printf("pipeline: query rewrite failed, using original: %v", err)
		} else {
			searchQuery = rewritten
			usage.Add(rewriteUsage)
		}
	}

	if retrieve == nil {
		retrieve = p.retriever.Retrieve
	}
	retrievalStart := time.Now()
	chunks, err := retrieve(ctx, domain.RetrievalRequest{
		TenantID:            input.TenantID,
		Query:               searchQuery,
		SimilarityThreshold: threshold,
	}, retrieval.Identity{UserID: input.UserID, SessionID: input.SessionID})
	timings.RetrievalMs = msSince(retrievalStart)
	if err != nil {
		return nil, err
	}

	if p.cfg.RerankEnabled && len(chunks) > 1 {
		rerankStart := time.Now()
		var rerankUsage domain.TokenUsage
		chunks, rerankUsage = p.rerank(ctx, input.Text, chunks)
		usage.Add(rerankUsage)
		timings.RerankMs = msSince(rerankStart)
	}

	messages := buildAnswerMessages(input.Text, chunks, input.History)
	if err := p.quota.Check(messagesText(messages)); err != nil {
		return nil, err
	}

	generationStart := time.Now()
	completion, err := p.complete(ctx, messages, 0.2)
	timings.GenerationMs = msSince(generationStart)
	if err != nil {
		return nil, err
	}

	usage.Add(completion.Usage)
	result := &domain.QueryResult{
		Answer:     completion.Content,
		Sources:    domain.SourceRefsFromChunks(chunks),
		Confidence: topSimilarity(chunks),
		Usage:      usage,
		LatencyMs:  msSince(started),
		Timings:    timings,
	}

	if useCache {
		p.respCache.Set(key, cachedResponse{TenantID: input.TenantID, Result: *result})
	}
	return result, nil
}

func (p *Pipeline) rewrite(ctx context.Context, question string) (string, domain.TokenUsage, error) {
	completion, err := p.complete(ctx, []domain.ChatMessage{
		{Role: "system", Content: rewriteSystemPrompt},
		{Role: "user", Content: question},
	}, 0.3)
	if err != nil {
		return "", domain.TokenUsage{}, err
	}
	rewritten := strings.TrimSpace(completion.Content)
	if rewritten == "" {
		return question, completion.Usage, nil
	}
	return rewritten, completion.Usage, nil
}

// rerank asks the model to reorder chunks by relevance. Any failure, model
// or parse, leaves the original similarity order in place.
func (p *Pipeline) rerank(ctx context.Context, question string, chunks []domain.DocumentChunk) ([]domain.DocumentChunk, domain.TokenUsage) {
	completion, err := p.complete(ctx, buildRerankMessages(question, chunks), 0)
	if err != nil {
		log.Printf("pipeline: rerank failed, keeping similarity order: %v", err)
		return chunks, domain.TokenUsage{}
	}
	order, ok := parseRankOrder(completion.Content, len(chunks))
	if !ok {
		log.Printf("pipeline: rerank response unparseable, keeping similarity order")
		return chunks, completion.Usage
	}
	reordered := make([]domain.DocumentChunk, 0, len(chunks))
	for _, idx := range order {
		reordered = append(reordered, chunks[idx])
	}
	return reordered, completion.Usage
}

func (p *Pipeline) complete(ctx context.Context, messages []domain.ChatMessage, temperature float32) (*openai.Completion, error) {
	return p.llm.Complete(ctx, openai.CompletionRequest{
		Messages:    messages,
		Temperature: temperature,
	})
}

// InvalidateTenant drops the tenant's cached responses and retrieval
// entries, in-process and external. Called after re-ingestion.
func (p *Pipeline) InvalidateTenant(ctx context.Context, tenantID string) error {
	p.respCache.InvalidateTenant(tenantID)
	return p.store.InvalidateTenant(ctx, tenantID)
}

// LLMStats snapshots the underlying client's counters.
func (p *Pipeline) LLMStats() llm.Stats {
	return p.llm.Stats()
}

func validateInput(input domain.QueryInput) error {
	if input.TenantID == "" {
		return domain.ErrMissingTenant
	}
	if strings.TrimSpace(input.Text) == "" {
		return domain.ErrEmptyQuery
	}
	return nil
}

// parseRankOrder parses "3,1,2" into zero-based indices. Out-of-range and
// duplicate entries invalidate the response; indices the model omitted are
// appended in their original order.
func parseRankOrder(text string, n int) ([]int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, part := range strings.Split(text, ",") {
		num, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, false
		}
		idx := num - 1
		if idx < 0 || idx >= n || seen[idx] {
			return nil, false
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, true
}

func topSimilarity(chunks []domain.DocumentChunk) float64 {
	top := 0.0
	for _, c := range chunks {
		if c.Similarity > top {
			top = c.Similarity
		}
	}
	return top
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
