package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/retrieval"
	"golang.org/x/sync/errgroup"
)

// ExecutorConfig tunes batch execution.
type ExecutorConfig struct {
	// AggregateMaxQueries and AggregateMaxChars bound when a batch is small
	// enough to answer in a single aggregated completion.
	AggregateMaxQueries int
	AggregateMaxChars   int
	// Concurrency bounds parallel per-query execution.
	Concurrency int
}

// DefaultExecutorConfig mirrors the process defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		AggregateMaxQueries: 5,
		AggregateMaxChars:   2000,
		Concurrency:         3,
	}
}

// Executor answers batches of queries for one tenant. Small homogeneous
// batches are aggregated into a single completion; everything else runs
// per-query with bounded concurrency. Input order is always preserved.
type Executor struct {
	pipeline *Pipeline
	batch    *retrieval.BatchRetriever
	cfg      ExecutorConfig
}

func NewExecutor(pipeline *Pipeline, batch *retrieval.BatchRetriever, cfg ExecutorConfig) *Executor {
	defaults := DefaultExecutorConfig()
	if cfg.AggregateMaxQueries <= 0 {
		cfg.AggregateMaxQueries = defaults.AggregateMaxQueries
	}
	if cfg.AggregateMaxChars <= 0 {
		cfg.AggregateMaxChars = defaults.AggregateMaxChars
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	return &Executor{
		pipeline: pipeline,
		batch:    batch,
		cfg:      cfg,
	}
}

// Execute answers the batch. Per-query failures are reported on their item
// and never abort the rest; tenant isolation violations abort the whole
// batch.
func (e *Executor) Execute(ctx context.Context, tenantID, userID string, inputs []domain.BatchQueryInput) (*domain.BatchResult, error) {
	if tenantID == "" {
		return nil, domain.ErrMissingTenant
	}
	if len(inputs) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	if len(inputs) > domain.MaxBatchSize {
		return nil, domain.ErrBatchTooLarge
	}

	started := time.Now()

	var (
		result *domain.BatchResult
		err    error
	)
	if e.shouldAggregate(inputs) {
		result, err = e.executeAggregated(ctx, tenantID, userID, inputs)
		if err != nil && domain.IsQuotaExceeded(err) {
			// The combined prompt blew the budget; individual queries may
			// still fit.
			result, err = e.executeParallel(ctx, tenantID, userID, inputs)
		}
	} else {
		result, err = e.executeParallel(ctx, tenantID, userID, inputs)
	}
	if err != nil {
		return nil, err
	}

	result.TotalLatencyMs = msSince(started)
	for _, item := range result.Results {
		result.TotalTokens += item.Usage.TotalTokens
	}
	return result, nil
}

// shouldAggregate reports whether the batch is small and homogeneous enough
// for a single completion: few queries, a bounded combined length, and at
// most one session.
func (e *Executor) shouldAggregate(inputs []domain.BatchQueryInput) bool {
	if len(inputs) > e.cfg.AggregateMaxQueries {
		return false
	}
	totalChars := 0
	sessions := make(map[string]bool)
	for _, in := range inputs {
		totalChars += len(in.Query)
		if in.SessionID != "" {
			sessions[in.SessionID] = true
		}
	}
	return totalChars < e.cfg.AggregateMaxChars && len(sessions) <= 1
}

func (e *Executor) executeAggregated(ctx context.Context, tenantID, userID string, inputs []domain.BatchQueryInput) (*domain.BatchResult, error) {
	sessionID := ""
	questions := make([]string, len(inputs))
	reqs := make([]domain.RetrievalRequest, len(inputs))
	for i, in := range inputs {
		questions[i] = in.Query
		reqs[i] = domain.RetrievalRequest{TenantID: tenantID, Query: in.Query}
		if in.SessionID != "" {
			sessionID = in.SessionID
		}
	}

	items, err := e.batch.RetrieveBatch(ctx, reqs, retrieval.Identity{UserID: userID, SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	contexts := make([][]domain.DocumentChunk, len(items))
	for i, item := range items {
		contexts[i] = item.Chunks
	}

	messages := buildAggregatedMessages(questions, contexts)
	if err := e.pipeline.quota.Check(messagesText(messages)); err != nil {
		return nil, err
	}

	completion, err := e.pipeline.complete(ctx, messages, 0.2)
	if err != nil {
		// One failed call fails every item identically; the batch itself
		// still returns.
		return aggregatedFailure(inputs, err), nil
	}

	answers := parseNumberedAnswers(completion.Content, len(inputs))

	results := make([]domain.BatchItemResult, len(inputs))
	for i, in := range inputs {
		results[i] = domain.BatchItemResult{
			Query:   in.Query,
			Answer:  answers[i],
			Sources: domain.SourceRefsFromChunks(contexts[i]),
		}
	}
	// Token usage for a shared completion cannot be attributed per query;
	// it is carried on the first item so batch totals stay correct.
	results[0].Usage = completion.Usage

	return &domain.BatchResult{Results: results, Aggregated: true}, nil
}

func (e *Executor) executeParallel(ctx context.Context, tenantID, userID string, inputs []domain.BatchQueryInput) (*domain.BatchResult, error) {
	results := make([]domain.BatchItemResult, len(inputs))

	// All retrieval for the batch flows through the batch retriever, so the
	// short cache applies and one chunk cannot answer two queries at once.
	session := e.batch.NewSession()
	retrieve := func(ctx context.Context, req domain.RetrievalRequest, id retrieval.Identity) ([]domain.DocumentChunk, error) {
		return e.batch.RetrieveOne(ctx, req, id, session)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Concurrency)

	for i, in := range inputs {
		group.Go(func() error {
			itemStart := time.Now()
			item := domain.BatchItemResult{Query: in.Query, Sources: []domain.SourceRef{}}

			queryResult, err := e.pipeline.run(groupCtx, domain.QueryInput{
				TenantID:  tenantID,
				UserID:    userID,
				SessionID: in.SessionID,
				Text:      in.Query,
			}, 0, true, retrieve)
			switch {
			case err == nil:
				item.Answer = queryResult.Answer
				item.Sources = queryResult.Sources
				item.Usage = queryResult.Usage
				item.Cached = queryResult.Cached
			case domain.IsTenantIsolation(err):
				return err
			case groupCtx.Err() != nil && errors.Is(err, groupCtx.Err()):
				return err
			default:
				item.Error = itemError(err)
			}

			item.LatencyMs = msSince(itemStart)
			results[i] = item
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return &domain.BatchResult{Results: results}, nil
}

func aggregatedFailure(inputs []domain.BatchQueryInput, err error) *domain.BatchResult {
	results := make([]domain.BatchItemResult, len(inputs))
	for i, in := range inputs {
		results[i] = domain.BatchItemResult{
			Query:   in.Query,
			Sources: []domain.SourceRef{},
			Error:   itemError(err),
		}
	}
	return &domain.BatchResult{Results: results, Aggregated: true}
}

var answerMarker = regexp.MustCompile(`(?m)^\s*(?:Answer\s+)?(\d+)\s*[.:)]\s*`)

const missingAnswer = "No answer was produced for this question."

// parseNumberedAnswers splits an aggregated completion back into one answer
// per question. Unnumbered responses fall back to paragraph order, and the
// result always has exactly n entries.
func parseNumberedAnswers(content string, n int) []string {
	answers := make([]string, n)

	matches := answerMarker.FindAllStringSubmatchIndex(content, -1)
	if len(matches) > 0 {
		for m, match := range matches {
			num, err := strconv.Atoi(content[match[2]:match[3]])
			if err != nil || num < 1 || num > n {
				continue
			}
			end := len(content)
			if m+1 < len(matches) {
				end = matches[m+1][0]
			}
			text := strings.TrimSpace(content[match[1]:end])
			if answers[num-1] == "" {
				answers[num-1] = text
			}
		}
	} else {
		paragraphs := splitParagraphs(content)
		for i := 0; i < n && i < len(paragraphs); i++ {
			answers[i] = paragraphs[i]
		}
	}

	for i := range answers {
		if answers[i] == "" {
			answers[i] = missingAnswer
		}
	}
	return answers
}

func splitParagraphs(content string) []string {
	var paragraphs []string
	for _, block := range strings.Split(content, "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// itemError formats a per-item error with its domain code when present.
func itemError(err error) string {
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		return fmt.Sprintf("%s: %s", domainErr.Code, domainErr.Message)
	}
	return err.Error()
}
