package pipeline

import (
	"fmt"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/pkoukk/tiktoken-go"
)

const quotaEncoding = "cl100k_base"

// TokenCounter counts prompt tokens so quota checks run before any LLM call
// is issued, not after the spend.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the tokenizer. Failure to load falls back to a
// character-based estimate rather than disabling quota checks.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding(quotaEncoding)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count for text.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.enc == nil {
		// Rough estimate: one token per four characters.
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Quota enforces a per-call prompt token budget.
type Quota struct {
	counter   *TokenCounter
	maxTokens int
}

// NewQuota builds a quota. maxTokens <= 0 disables the check.
func NewQuota(counter *TokenCounter, maxTokens int) *Quota {
	return &Quota{counter: counter, maxTokens: maxTokens}
}

// Check returns a quota business-rule error when prompt exceeds the budget.
func (q *Quota) Check(prompt string) error {
	if q == nil || q.maxTokens <= 0 {
		return nil
	}
	tokens := q.counter.Count(prompt)
	if tokens > q.maxTokens {
		return domain.NewDomainErrorWithCause(domain.ErrCodeQuotaExceeded,
			fmt.Sprintf("prompt requires %d tokens, budget is %d", tokens, q.maxTokens),
			domain.ErrQuotaExceeded)
	}
	return nil
}
