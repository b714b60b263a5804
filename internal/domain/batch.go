package domain

// MaxBatchSize caps how many queries a single batch request may carry.
const MaxBatchSize = 20

// BatchQueryInput is one query within a batch request.
type BatchQueryInput struct {
	Query     string            `json:"query"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BatchItemResult is the per-query outcome within a batch. A failed query
// carries Error and an empty answer; it never aborts the batch.
type BatchItemResult struct {
	Query     string      `json:"query"`
	Answer    string      `json:"answer"`
	Sources   []SourceRef `json:"sources"`
	Usage     TokenUsage  `json:"usage"`
	LatencyMs int64       `json:"latency_ms"`
	Cached    bool        `json:"cached"`
	Error     string      `json:"error,omitempty"`
}

// BatchResult aggregates a whole batch. Results preserve input order.
type BatchResult struct {
	Results        []BatchItemResult `json:"results"`
	TotalTokens    int               `json:"total_tokens"`
	TotalLatencyMs int64             `json:"total_latency_ms"`
	Aggregated     bool              `json:"aggregated"`
}
