package telemetry

import (
	"encoding/json"
	"log"
	"time"

	"github.com/cloo-solutions/ragline/internal/rollout"
)

// Events receives structured pipeline events. Tenant identifiers are hashed
// before they reach any shared sink.
type Events interface {
	RetrievalRetry(tenantID, backend string, attempt, remaining int, err error)
	BreakerTransition(from, to string)
	FallbackAttempt(tenantID string, level string, succeeded bool, durationMs int64)
}

// LogEvents emits events as JSON lines on the process log, the same shape
// the access log uses.
type LogEvents struct{}

func NewLogEvents() *LogEvents { return &LogEvents{} }

type eventLine struct {
	Timestamp  string `json:"ts"`
	Event      string `json:"event"`
	TenantHash string `json:"tenant_hash,omitempty"`
	Backend    string `json:"backend,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
	Error      string `json:"error,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Level      string `json:"level,omitempty"`
	Succeeded  *bool  `json:"succeeded,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (e *LogEvents) RetrievalRetry(tenantID, backend string, attempt, remaining int, err error) {
	line := eventLine{
		Event:      "retrieval_retry",
		TenantHash: rollout.HashID(tenantID),
		Backend:    backend,
		Attempt:    attempt,
		Remaining:  remaining,
	}
	if err != nil {
		line.Error = err.Error()
	}
	emit(line)
}

func (e *LogEvents) BreakerTransition(from, to string) {
	emit(eventLine{
		Event: "breaker_transition",
		From:  from,
		To:    to,
	})
}

func (e *LogEvents) FallbackAttempt(tenantID string, level string, succeeded bool, durationMs int64) {
	emit(eventLine{
		Event:      "fallback_attempt",
		TenantHash: rollout.HashID(tenantID),
		Level:      level,
		Succeeded:  &succeeded,
		DurationMs: durationMs,
	})
}

func emit(line eventLine) {
	line.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(line)
	if err != nil {
		log.Printf("event_marshal_error: %v", err)
		return
	}
	log.Println(string(payload))
}

// NopEvents discards every event.
type NopEvents struct{}

func NewNopEvents() *NopEvents { return &NopEvents{} }

func (*NopEvents) RetrievalRetry(string, string, int, int, error) {}
func (*NopEvents) BreakerTransition(string, string)               {}
func (*NopEvents) FallbackAttempt(string, string, bool, int64)    {}
