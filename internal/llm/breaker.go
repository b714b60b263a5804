// Package llm wraps the chat completion provider with a circuit breaker,
// bounded concurrency, and usage accounting. One Client is shared per
// process so breaker statistics reflect true aggregate provider health.
package llm

import (
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the rolling failure window.
type BreakerConfig struct {
	// Window is the trailing period over which outcomes are sampled.
	Window time.Duration
	// MinSamples is the minimum number of outcomes inside the window
	// before the failure ratio is considered at all.
	MinSamples int
	// FailureRatio opens the circuit when crossed (0..1].
	FailureRatio float64
	// CoolDown is how long the circuit stays open before a trial request
	// is allowed through.
	CoolDown time.Duration
}

// DefaultBreakerConfig mirrors the process defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:       60 * time.Second,
		MinSamples:   10,
		FailureRatio: 0.5,
		CoolDown:     30 * time.Second,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a three-state circuit breaker driven by a rolling sample of
// outcomes, not consecutive-failure counts. Safe for concurrent use.
type Breaker struct {
	cfg          BreakerConfig
	onTransition func(from, to BreakerState)
	now          func() time.Time

	mu            sync.Mutex
	state         BreakerState
	samples       []outcome
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a breaker. onTransition may be nil; when set it is
// invoked (outside the lock) for every state change.
func NewBreaker(cfg BreakerConfig, onTransition func(from, to BreakerState)) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerConfig().Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultBreakerConfig().MinSamples
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = DefaultBreakerConfig().FailureRatio
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultBreakerConfig().CoolDown
	}
	return &Breaker{
		cfg:          cfg,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// Allow reports whether a request may proceed. In the open state it fails
// fast until the cool-down elapses, then admits a single trial request in
// the half-open state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	var transition *[2]BreakerState
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
			transition = b.setStateLocked(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}

	b.mu.Unlock()
	b.notify(transition)
	return allowed
}

// CancelTrial returns an admission granted by Allow that never produced an
// outcome, freeing the half-open trial slot for the next request. Callers
// that bail out between Allow and the provider call must use this instead
// of Record.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// Record feeds one outcome into the rolling window and drives state
// transitions.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()

	var transition *[2]BreakerState
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.samples = b.samples[:0]
			transition = b.setStateLocked(StateClosed)
		} else {
			b.openedAt = now
			transition = b.setStateLocked(StateOpen)
		}
	case StateClosed:
		b.samples = append(b.samples, outcome{at: now, success: success})
		b.pruneLocked(now)
		if b.shouldTripLocked() {
			b.openedAt = now
			transition = b.setStateLocked(StateOpen)
		}
	case StateOpen:
		// Late results from before the trip; the window is already moot.
	}

	b.mu.Unlock()
	b.notify(transition)
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setStateLocked(to BreakerState) *[2]BreakerState {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return &[2]BreakerState{from, to}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	keep := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	b.samples = keep
}

func (b *Breaker) shouldTripLocked() bool {
	if len(b.samples) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures)/float64(len(b.samples)) >= b.cfg.FailureRatio
}

func (b *Breaker) notify(transition *[2]BreakerState) {
	if transition != nil && b.onTransition != nil {
		b.onTransition(transition[0], transition[1])
	}
}
