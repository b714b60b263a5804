package llm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/openai"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 3

// Config tunes the resilient client.
type Config struct {
	// MaxConcurrent bounds in-flight provider calls process-wide.
	MaxConcurrent int
	Breaker       BreakerConfig
}

// Stats is a point-in-time snapshot of the client's counters.
type Stats struct {
	State     string            `json:"state"`
	Requests  int64             `json:"requests"`
	Successes int64             `json:"successes"`
	Failures  int64             `json:"failures"`
	Rejected  int64             `json:"rejected"`
	Usage     domain.TokenUsage `json:"usage"`
}

// Client guards the chat completion provider. Failures are not retried
// here: retrying is the fallback chain's job, and compounding retries on a
// struggling provider is exactly what the breaker exists to prevent.
type Client struct {
	api     openai.ChatAPI
	breaker *Breaker
	sem     *semaphore.Weighted

	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	rejected  atomic.Int64

	usageMu sync.Mutex
	usage   domain.TokenUsage
}

// NewClient wraps api. onTransition receives breaker state changes; may be nil.
func NewClient(api openai.ChatAPI, cfg Config, onTransition func(from, to BreakerState)) *Client {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Client{
		api:     api,
		breaker: NewBreaker(cfg.Breaker, onTransition),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Complete issues one chat completion under the breaker and the concurrency
// limit. Every call increments the request counter regardless of outcome.
func (c *Client) Complete(ctx context.Context, req openai.CompletionRequest) (*openai.Completion, error) {
	c.requests.Add(1)

	if c.api == nil {
		c.rejected.Add(1)
		return nil, domain.ErrLLMNotConfigured
	}

	if !c.breaker.Allow() {
		c.rejected.Add(1)
		return nil, domain.ErrCircuitOpen
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Context cancellation while queued is not a provider failure, and
		// a half-open trial slot consumed here must be handed back or the
		// breaker never sees an outcome to recover on.
		c.breaker.CancelTrial()
		c.rejected.Add(1)
		return nil, err
	}
	defer c.sem.Release(1)

	completion, err := c.api.ChatComplete(ctx, req)
	if err != nil {
		c.failures.Add(1)
		c.breaker.Record(false)
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeLLMProvider, "chat completion failed", err)
	}

	c.successes.Add(1)
	c.breaker.Record(true)
	c.recordUsage(completion.Usage)
	return completion, nil
}

// BreakerState exposes the current circuit state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Stats snapshots the counters and accumulated usage.
func (c *Client) Stats() Stats {
	c.usageMu.Lock()
	usage := c.usage
	c.usageMu.Unlock()

	return Stats{
		State:     c.breaker.State().String(),
		Requests:  c.requests.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
		Rejected:  c.rejected.Load(),
		Usage:     usage,
	}
}

func (c *Client) recordUsage(usage domain.TokenUsage) {
	c.usageMu.Lock()
	c.usage.Add(usage)
	c.usageMu.Unlock()
}
