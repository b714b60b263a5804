package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/rollout"
	"github.com/cloo-solutions/ragline/internal/telemetry"
)

// ChainConfig tunes the fallback cascade.
type ChainConfig struct {
	// PrimaryConfidence is the retrieval confidence the primary level must
	// reach for its answer to be served.
	PrimaryConfidence float64
	// RelaxedThreshold is the similarity threshold for the relaxed retrieval
	// pass, RelaxedConfidence the confidence it must reach.
	RelaxedThreshold  float64
	RelaxedConfidence float64
	// GeneralConfidenceFloor is assigned to answers produced without any
	// knowledge base support.
	GeneralConfidenceFloor float64
	// LevelTimeout bounds each level individually so one slow level cannot
	// consume the whole request budget.
	LevelTimeout time.Duration
}

// DefaultChainConfig mirrors the process defaults.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		PrimaryConfidence:      0.75,
		RelaxedThreshold:       0.50,
		RelaxedConfidence:      0.50,
		GeneralConfidenceFloor: 0.30,
		LevelTimeout:           10 * time.Second,
	}
}

const (
	relaxedDisclaimer = "This answer is based on loosely related documentation and may be incomplete."
	generalDisclaimer = "This answer comes from general knowledge, not your organization's documentation."
)

// Chain runs the fallback cascade: primary retrieval-augmented answer,
// relaxed retrieval, general LLM answer, guided escalation, and finally
// smart suggestions. The last level always produces content, so Execute
// never returns an empty answer without an error.
type Chain struct {
	pipeline *Pipeline
	events   telemetry.Events
	logger   QueryLogger
	cfg      ChainConfig
}

func NewChain(pipeline *Pipeline, events telemetry.Events, logger QueryLogger, cfg ChainConfig) *Chain {
	defaults := DefaultChainConfig()
	if cfg.PrimaryConfidence <= 0 {
		cfg.PrimaryConfidence = defaults.PrimaryConfidence
	}
	if cfg.RelaxedThreshold <= 0 {
		cfg.RelaxedThreshold = defaults.RelaxedThreshold
	}
	if cfg.RelaxedConfidence <= 0 {
		cfg.RelaxedConfidence = defaults.RelaxedConfidence
	}
	if cfg.GeneralConfidenceFloor <= 0 {
		cfg.GeneralConfidenceFloor = defaults.GeneralConfidenceFloor
	}
	if cfg.LevelTimeout <= 0 {
		cfg.LevelTimeout = defaults.LevelTimeout
	}
	if events == nil {
		events = telemetry.NewNopEvents()
	}
	if logger == nil {
		logger = NopQueryLogger{}
	}
	return &Chain{
		pipeline: pipeline,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

// levelOutcome is one level's verdict: a result to serve, a soft failure
// (both fields zero) that hands over to the next level, or an abort error
// that ends the cascade.
type levelOutcome struct {
	result *domain.FallbackResult
	abort  error
}

// Execute walks the cascade until a level produces an acceptable answer.
// Tenant isolation violations and quota errors abort immediately; provider
// and transport failures hand over to the next level.
func (c *Chain) Execute(ctx context.Context, input domain.QueryInput) (*domain.FallbackResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	started := time.Now()

	var (
		attempted []domain.FallbackLevel
		usage     domain.TokenUsage
	)

	levels := []struct {
		level domain.FallbackLevel
		run   func(context.Context) levelOutcome
	}{
		{domain.LevelPrimaryRAG, func(lctx context.Context) levelOutcome { return c.primary(lctx, input) }},
		{domain.LevelRelaxedRetrieval, func(lctx context.Context) levelOutcome { return c.relaxed(lctx, input) }},
		{domain.LevelGeneralLLM, func(lctx context.Context) levelOutcome { return c.general(lctx, input) }},
		{domain.LevelGuidedEscalation, func(lctx context.Context) levelOutcome { return c.escalate(input) }},
		{domain.LevelSmartSuggestions, func(lctx context.Context) levelOutcome { return c.suggest(input) }},
	}

	for _, entry := range levels {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempted = append(attempted, entry.level)
		levelStart := time.Now()
		outcome := c.runLevel(ctx, entry.run)
		elapsed := msSince(levelStart)

		if outcome.abort != nil {
			c.events.FallbackAttempt(input.TenantID, string(entry.level), false, elapsed)
			return nil, outcome.abort
		}
		if outcome.result == nil {
			c.events.FallbackAttempt(input.TenantID, string(entry.level), false, elapsed)
			continue
		}

		c.events.FallbackAttempt(input.TenantID, string(entry.level), true, elapsed)

		result := outcome.result
		usage.Add(result.Usage)
		result.Usage = usage
		result.LevelUsed = entry.level
		result.LevelsAttempted = attempted
		result.LatencyMs = msSince(started)

		c.logResult(ctx, input, result)
		return result, nil
	}

	// Unreachable: suggest never fails.
	return nil, domain.NewDomainError(domain.ErrCodeInternalError, "fallback cascade produced no result")
}

// runLevel executes one level under its own timeout. A level that outlives
// the timeout keeps running in its goroutine but its result is discarded;
// the cascade moves on.
func (c *Chain) runLevel(ctx context.Context, run func(context.Context) levelOutcome) levelOutcome {
	levelCtx, cancel := context.WithTimeout(ctx, c.cfg.LevelTimeout)
	defer cancel()

	done := make(chan levelOutcome, 1)
	go func() {
		done <- run(levelCtx)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-levelCtx.Done():
		if ctx.Err() != nil {
			return levelOutcome{abort: ctx.Err()}
		}
		return levelOutcome{}
	}
}

func (c *Chain) primary(ctx context.Context, input domain.QueryInput) levelOutcome {
	result, err := c.pipeline.Query(ctx, input)
	if err != nil {
		return c.classify(err)
	}
	if result.Confidence < c.cfg.PrimaryConfidence || strings.TrimSpace(result.Answer) == "" {
		return levelOutcome{}
	}
	return levelOutcome{result: fromQueryResult(result, "")}
}

func (c *Chain) relaxed(ctx context.Context, input domain.QueryInput) levelOutcome {
	result, err := c.pipeline.QueryRelaxed(ctx, input, c.cfg.RelaxedThreshold)
	if err != nil {
		return c.classify(err)
	}
	if result.Confidence < c.cfg.RelaxedConfidence || strings.TrimSpace(result.Answer) == "" {
		return levelOutcome{}
	}
	return levelOutcome{result: fromQueryResult(result, relaxedDisclaimer)}
}

func (c *Chain) general(ctx context.Context, input domain.QueryInput) levelOutcome {
	result, err := c.pipeline.GeneralAnswer(ctx, input)
	if err != nil {
		return c.classify(err)
	}
	if strings.TrimSpace(result.Answer) == "" {
		return levelOutcome{}
	}
	result.Confidence = c.cfg.GeneralConfidenceFloor
	return levelOutcome{result: fromQueryResult(result, generalDisclaimer)}
}

func (c *Chain) escalate(input domain.QueryInput) levelOutcome {
	intent := detectIntent(input.Text)
	if intent == intentUnknown {
		return levelOutcome{}
	}
	return levelOutcome{result: &domain.FallbackResult{
		Answer:            escalationMessage(intent),
		Suggestions:       escalationSuggestions(intent),
		Confidence:        0,
		EscalationOffered: true,
		Sources:           []domain.SourceRef{},
	}}
}

func (c *Chain) suggest(input domain.QueryInput) levelOutcome {
	return levelOutcome{result: &domain.FallbackResult{
		Answer: "I couldn't find an answer to your question. Here are some things you can try.",
		Suggestions: []string{
			"Rephrase the question with more specific terms",
			"Break a multi-part question into separate questions",
			"Contact support for account-specific issues",
		},
		Confidence: 0,
		Sources:    []domain.SourceRef{},
	}}
}

// classify decides whether an error ends the cascade or hands over to the
// next level. Isolation and quota violations are caller-facing business
// errors and must not be masked by a softer answer.
func (c *Chain) classify(err error) levelOutcome {
	if domain.IsTenantIsolation(err) || domain.IsQuotaExceeded(err) {
		return levelOutcome{abort: err}
	}
	log.Printf("fallback: level failed, trying next: %v", err)
	return levelOutcome{}
}

func (c *Chain) logResult(ctx context.Context, input domain.QueryInput, result *domain.FallbackResult) {
	c.logger.LogQuery(ctx, QueryLogEntry{
		TenantHash:       rollout.HashID(input.TenantID),
		Query:            input.Text,
		Level:            string(result.LevelUsed),
		Answered:         result.LevelUsed != domain.LevelSmartSuggestions,
		Cached:           result.Cached,
		Confidence:       result.Confidence,
		LatencyMs:        result.LatencyMs,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	})
}

func fromQueryResult(r *domain.QueryResult, disclaimer string) *domain.FallbackResult {
	return &domain.FallbackResult{
		Answer:     r.Answer,
		Confidence: r.Confidence,
		Disclaimer: disclaimer,
		Sources:    r.Sources,
		Usage:      r.Usage,
		Cached:     r.Cached,
	}
}

type intent int

const (
	intentUnknown intent = iota
	intentPricing
	intentSupport
	intentBooking
	intentComplaint
)

var intentKeywords = map[intent][]string{
	intentPricing:   {"price", "pricing", "cost", "billing", "invoice", "subscription", "plan"},
	intentSupport:   {"error", "broken", "not working", "crash", "bug", "failed", "cannot log"},
	intentBooking:   {"book", "appointment", "schedule", "reserve", "demo", "meeting"},
	intentComplaint: {"complaint", "unhappy", "disappointed", "terrible", "refund", "cancel my"},
}

// intentOrder makes detection deterministic when keywords from several
// intents appear in one question.
var intentOrder = []intent{intentComplaint, intentPricing, intentBooking, intentSupport}

func detectIntent(text string) intent {
	lowered := strings.ToLower(text)
	for _, candidate := range intentOrder {
		for _, keyword := range intentKeywords[candidate] {
			if strings.Contains(lowered, keyword) {
				return candidate
			}
		}
	}
	return intentUnknown
}

func escalationMessage(i intent) string {
	var topic, team string
	switch i {
	case intentPricing:
		topic, team = "pricing or billing", "billing team"
	case intentSupport:
		topic, team = "a technical issue", "support team"
	case intentBooking:
		topic, team = "scheduling", "sales team"
	case intentComplaint:
		topic, team = "a concern about our service", "customer success team"
	default:
		topic, team = "your question", "support team"
	}
	return fmt.Sprintf("I couldn't find a reliable answer, but it looks like you're asking about %s. "+
		"Would you like me to connect you with our %s? They can help you directly.", topic, team)
}

// escalationSuggestions pairs the hand-off offer with concrete next steps
// for the detected intent.
func escalationSuggestions(i intent) []string {
	switch i {
	case intentPricing:
		return []string{
			"Connect with the billing team",
			"Review your current plan and invoices in account settings",
		}
	case intentSupport:
		return []string{
			"Connect with the support team",
			"Include the exact error message to speed up diagnosis",
		}
	case intentBooking:
		return []string{
			"Connect with the sales team",
			"Share a few time slots that work for you",
		}
	case intentComplaint:
		return []string{
			"Connect with the customer success team",
			"Describe what went wrong so it reaches the right people",
		}
	default:
		return []string{"Connect with the support team"}
	}
}
