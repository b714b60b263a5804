package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL"`

	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	ChatModel    string `envconfig:"CHAT_MODEL"`

	// APIKeys maps API keys to tenant ids, e.g. "key1:tenant-a,key2:tenant-b".
	APIKeys map[string]string `envconfig:"API_KEYS"`

	TopK                 int           `envconfig:"RETRIEVAL_TOP_K" default:"5"`
	SimilarityThreshold  float64       `envconfig:"SIMILARITY_THRESHOLD" default:"0.70"`
	RetrievalMaxAttempts int           `envconfig:"RETRIEVAL_MAX_ATTEMPTS" default:"3"`
	RetrievalBackoff     time.Duration `envconfig:"RETRIEVAL_BACKOFF" default:"200ms"`
	RetrievalCacheTTL    time.Duration `envconfig:"RETRIEVAL_CACHE_TTL" default:"300s"`

	BatchWorkers     int           `envconfig:"BATCH_WORKERS" default:"10"`
	BatchCacheTTL    time.Duration `envconfig:"BATCH_CACHE_TTL" default:"60s"`
	BatchConcurrency int           `envconfig:"BATCH_CONCURRENCY" default:"3"`

	LLMMaxConcurrent int `envconfig:"LLM_MAX_CONCURRENT" default:"3"`
	MaxPromptTokens  int `envconfig:"MAX_PROMPT_TOKENS" default:"0"`

	ResponseCacheSize int           `envconfig:"RESPONSE_CACHE_SIZE" default:"512"`
	ResponseCacheTTL  time.Duration `envconfig:"RESPONSE_CACHE_TTL" default:"300s"`

	RewriteEnabled bool `envconfig:"REWRITE_ENABLED" default:"false"`
	RerankEnabled  bool `envconfig:"RERANK_ENABLED" default:"false"`

	RelaxedThreshold float64       `envconfig:"RELAXED_THRESHOLD" default:"0.50"`
	LevelTimeout     time.Duration `envconfig:"FALLBACK_LEVEL_TIMEOUT" default:"10s"`

	// QueryLogRetention is how long query log rows are kept; 0 disables
	// pruning.
	QueryLogRetention time.Duration `envconfig:"QUERY_LOG_RETENTION" default:"720h"`

	// ChunkStorePercent rolls the chunk-level backend out to a percentage
	// of callers; 0 keeps everyone on the document store.
	ChunkStorePercent int `envconfig:"CHUNK_STORE_PERCENT" default:"0"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("RAGLINE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasRedis() bool {
	return c.RedisURL != ""
}

func (c *Config) HasSentry() bool {
	return c.SentryDSN != ""
}
