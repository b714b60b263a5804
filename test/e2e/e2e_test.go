//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryResponse struct {
	Answer          string   `json:"answer"`
	Confidence      float64  `json:"confidence"`
	Level           string   `json:"level"`
	LevelsAttempted []string `json:"levels_attempted"`
	Cached          bool     `json:"cached"`
	Sources         []struct {
		ID         string  `json:"id"`
		Snippet    string  `json:"snippet"`
		Similarity float64 `json:"similarity"`
	} `json:"sources"`
}

type batchResponse struct {
	Results []struct {
		Query  string `json:"query"`
		Answer string `json:"answer"`
		Error  string `json:"error"`
	} `json:"results"`
	Aggregated bool `json:"aggregated"`
}

func TestE2E_Health(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Get("/health", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestE2E_QueryAnswersFromTenantDocuments(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Post("/query", map[string]string{"query": "how do refunds work"}, alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	var qr queryResponse
	require.NoError(t, json.Unmarshal(resp.Data, &qr))
	assert.Contains(t, qr.Answer, "Refunds")
	assert.Equal(t, "primary_rag", qr.Level)
	assert.GreaterOrEqual(t, qr.Confidence, 0.75)
	require.NotEmpty(t, qr.Sources)
	for _, src := range qr.Sources {
		assert.NotContains(t, src.Snippet, "Beta tenant")
	}
}

func TestE2E_TenantsSeeOnlyTheirOwnSources(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Post("/query", map[string]string{"query": "refund policy"}, betaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	var qr queryResponse
	require.NoError(t, json.Unmarshal(resp.Data, &qr))
	require.NotEmpty(t, qr.Sources)
	for _, src := range qr.Sources {
		assert.Contains(t, src.Snippet, "Beta tenant")
	}
}

func TestE2E_QueryRequiresAPIKey(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Post("/query", map[string]string{"query": "anything"}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp, err = env.Post("/query", map[string]string{"query": "anything"}, "rgl_unknown_key")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestE2E_RepeatQueryServedFromCache(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	body := map[string]string{"query": "how do refunds work"}

	first, err := env.Post("/query", body, alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.Status)

	var qr queryResponse
	require.NoError(t, json.Unmarshal(first.Data, &qr))
	assert.False(t, qr.Cached)

	second, err := env.Post("/query", body, alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, second.Status)

	require.NoError(t, json.Unmarshal(second.Data, &qr))
	assert.True(t, qr.Cached)
}

func TestE2E_CacheInvalidation(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	body := map[string]string{"query": "how do refunds work"}

	_, err := env.Post("/query", body, alphaAPIKey)
	require.NoError(t, err)

	resp, err := env.Post("/cache/invalidate", nil, alphaAPIKey)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	after, err := env.Post("/query", body, alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, after.Status)

	var qr queryResponse
	require.NoError(t, json.Unmarshal(after.Data, &qr))
	assert.False(t, qr.Cached)
}

func TestE2E_BatchAggregatesSmallBatches(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Post("/query/batch", map[string]interface{}{
		"queries": []map[string]string{
			{"query": "how do refunds work"},
			{"query": "how long does shipping take"},
		},
	}, alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	var br batchResponse
	require.NoError(t, json.Unmarshal(resp.Data, &br))
	assert.True(t, br.Aggregated)
	require.Len(t, br.Results, 2)
	assert.Contains(t, br.Results[0].Answer, "Refunds")
	assert.Contains(t, br.Results[1].Answer, "Shipping")
}

func TestE2E_StatsReportsProviderState(t *testing.T) {
	env := SetupEnv(t)
	defer env.Cleanup()

	resp, err := env.Get("/stats", alphaAPIKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	var stats struct {
		State    string `json:"state"`
		Requests int64  `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, "closed", stats.State)
}
