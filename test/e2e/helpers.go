//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/ragline/internal/api/handlers"
	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/cloo-solutions/ragline/internal/llm"
	"github.com/cloo-solutions/ragline/internal/openai"
	"github.com/cloo-solutions/ragline/internal/pipeline"
	"github.com/cloo-solutions/ragline/internal/repository"
	"github.com/cloo-solutions/ragline/internal/retrieval"
	"github.com/cloo-solutions/ragline/internal/server"
	"github.com/cloo-solutions/ragline/internal/telemetry"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/testutil"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
)

const (
	alphaAPIKey = "rgl_e2e_alpha"
	betaAPIKey  = "rgl_e2e_beta"
)

// fixedEmbedder embeds every query to the same axis so seeded documents on
// that axis score as exact matches.
type fixedEmbedder struct {
	vector []float32
}

func (e *fixedEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	return e.vector, nil
}

// cannedChat answers every completion with a fixed response, echoing a
// fragment of the last user message so tests can tell calls apart.
type cannedChat struct{}

func (c *cannedChat) ChatComplete(_ context.Context, req openai.CompletionRequest) (*openai.Completion, error) {
	last := req.Messages[len(req.Messages)-1].Content
	answer := "Refunds are processed within 30 days."
	if strings.Contains(last, "Answer each numbered question") {
		// Aggregated batch prompt: number the answers.
		answer = "1. Refunds are processed within 30 days.\n2. Shipping takes 3-5 business days."
	}
	return &openai.Completion{
		Content:      answer,
		Model:        "test-model",
		FinishReason: "stop",
		Usage:        domain.TokenUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}, nil
}

// Env holds the full in-process stack under test.
type Env struct {
	T         *testing.T
	Ctx       context.Context
	PostgresC *testutil.PostgresContainer
	Pool      *pgxpool.Pool
	Server    *httptest.Server
	Client    *http.Client
}

// SetupEnv brings up postgres, runs migrations, seeds two tenants' documents,
// and serves the wired router over httptest.
func SetupEnv(t *testing.T) *Env {
	ctx := context.Background()

	pc := testutil.NewPostgresContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")

	seedDocument(ctx, t, pool, "tenant-alpha", "Refunds are available within 30 days of purchase.", unitVector(0))
	seedDocument(ctx, t, pool, "tenant-alpha", "Standard shipping takes 3-5 business days.", unitVector(0))
	seedDocument(ctx, t, pool, "tenant-beta", "Beta tenant refund policy differs entirely.", unitVector(0))

	embedder := &fixedEmbedder{vector: unitVector(0)}
	store := cache.NewNopStore()
	events := telemetry.NewNopEvents()

	docStore := vectorstore.NewDocumentStore(pool, embedder)
	selector := vectorstore.NewSelector(docStore, nil, 0)

	guard := tenant.NewGuard()
	retriever := retrieval.NewRetriever(selector, store, guard, events, retrieval.Config{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
	})
	batchRetriever := retrieval.NewBatchRetriever(retriever, 4, time.Minute)

	llmClient := llm.NewClient(&cannedChat{}, llm.Config{}, nil)

	pipe := pipeline.New(retriever, llmClient, nil, store, pipeline.DefaultConfig())

	queryLogRepo := repository.NewQueryLogRepository(pool)
	chain := pipeline.NewChain(pipe, events, repository.NewAsyncQueryLogger(queryLogRepo), pipeline.DefaultChainConfig())
	executor := pipeline.NewExecutor(pipe, batchRetriever, pipeline.DefaultExecutorConfig())

	router := server.NewRouter(server.RouterConfig{
		AuthValidator: tenant.NewAPIKeyValidator(map[string]string{
			alphaAPIKey: "tenant-alpha",
			betaAPIKey:  "tenant-beta",
		}),
		QueryHandler:  handlers.NewQueryHandler(chain, executor, pipe, pipe),
		HealthHandler: handlers.NewHealthHandler(pipe, store),
	})

	srv := httptest.NewServer(router)

	return &Env{
		T:         t,
		Ctx:       ctx,
		PostgresC: pc,
		Pool:      pool,
		Server:    srv,
		Client:    srv.Client(),
	}
}

func (e *Env) Cleanup() {
	e.Server.Close()
	e.Pool.Close()
	e.PostgresC.Terminate(e.Ctx)
}

// Response is the unwrapped API envelope.
type Response struct {
	Status int
	Data   json.RawMessage
	Error  string
	Code   string
}

func (e *Env) Post(path string, body interface{}, apiKey string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, e.Server.URL+path, reader)
	if err != nil {
		return nil, err
	}
	return e.do(req, apiKey)
}

func (e *Env) Get(path string, apiKey string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, e.Server.URL+path, nil)
	if err != nil {
		return nil, err
	}
	return e.do(req, apiKey)
}

func (e *Env) do(req *http.Request, apiKey string) (*Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
		Code  string          `json:"code"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("unexpected response body %q: %w", raw, err)
		}
	}
	out.Data = envelope.Data
	out.Error = envelope.Error
	out.Code = envelope.Code
	return out, nil
}

func unitVector(hot int) []float32 {
	vec := make([]float32, 1536)
	vec[hot] = 1
	return vec
}

func seedDocument(ctx context.Context, t *testing.T, pool *pgxpool.Pool, tenantID, content string, vec []float32) {
	_, err := pool.Exec(ctx,
		`INSERT INTO documents (tenant_id, content, metadata, embedding)
		 VALUES ($1, $2, '{"category": "docs"}', $3)`,
		tenantID, content, pgvector.NewVector(vec))
	require.NoError(t, err)
}
