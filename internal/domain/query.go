package domain

// TokenUsage accounts for one or more LLM calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatMessage is one turn of conversation history passed through to the LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryInput carries a single query through the pipeline.
type QueryInput struct {
	TenantID  string
	SessionID string
	UserID    string
	Text      string
	History   []ChatMessage
}

// StageTimings records per-stage latency so retrieval and generation are
// individually observable.
type StageTimings struct {
	CacheLookupMs int64 `json:"cache_lookup_ms"`
	RewriteMs     int64 `json:"rewrite_ms"`
	RetrievalMs   int64 `json:"retrieval_ms"`
	RerankMs      int64 `json:"rerank_ms"`
	GenerationMs  int64 `json:"generation_ms"`
}

// QueryResult is the pipeline's answer for a single query.
type QueryResult struct {
	Answer     string       `json:"answer"`
	Sources    []SourceRef  `json:"sources"`
	Confidence float64      `json:"confidence"`
	LatencyMs  int64        `json:"latency_ms"`
	Cached     bool         `json:"cached"`
	Usage      TokenUsage   `json:"usage"`
	Timings    StageTimings `json:"timings"`
}
