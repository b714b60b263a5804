package domain

// FallbackLevel identifies one strategy in the fallback cascade.
type FallbackLevel string

const (
	LevelPrimaryRAG       FallbackLevel = "primary_rag"
	LevelRelaxedRetrieval FallbackLevel = "relaxed_retrieval"
	LevelGeneralLLM       FallbackLevel = "general_llm"
	LevelGuidedEscalation FallbackLevel = "guided_escalation"
	LevelSmartSuggestions FallbackLevel = "smart_suggestions"
)

// FallbackLevels lists every level in cascade order.
var FallbackLevels = []FallbackLevel{
	LevelPrimaryRAG,
	LevelRelaxedRetrieval,
	LevelGeneralLLM,
	LevelGuidedEscalation,
	LevelSmartSuggestions,
}

// IsValid reports whether the level is one of the known cascade levels.
func (l FallbackLevel) IsValid() bool {
	switch l {
	case LevelPrimaryRAG, LevelRelaxedRetrieval, LevelGeneralLLM,
		LevelGuidedEscalation, LevelSmartSuggestions:
		return true
	}
	return false
}

// FallbackResult is what the fallback chain hands back. Answer is never
// empty: the last level always produces content.
type FallbackResult struct {
	Answer            string          `json:"answer"`
	Confidence        float64         `json:"confidence"`
	LevelUsed         FallbackLevel   `json:"level_used"`
	LevelsAttempted   []FallbackLevel `json:"levels_attempted"`
	Disclaimer        string          `json:"disclaimer,omitempty"`
	Suggestions       []string        `json:"suggestions,omitempty"`
	EscalationOffered bool            `json:"escalation_offered"`
	Sources           []SourceRef     `json:"sources,omitempty"`
	Usage             TokenUsage      `json:"usage"`
	LatencyMs         int64           `json:"latency_ms"`
	Cached            bool            `json:"cached"`
}
