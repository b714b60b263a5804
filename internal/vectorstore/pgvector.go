package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// DocumentStore searches document-level embeddings. This is the stable
// backend.
type DocumentStore struct {
	pool      *pgxpool.Pool
	embedding EmbeddingClient
}

func NewDocumentStore(pool *pgxpool.Pool, embedding EmbeddingClient) *DocumentStore {
	return &DocumentStore{pool: pool, embedding: embedding}
}

func (s *DocumentStore) Name() string { return "pgvector_documents" }

func (s *DocumentStore) Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	if s.embedding == nil {
		return nil, fmt.Errorf("embedding client not configured")
	}
	embedding, err := s.embedding.GenerateEmbedding(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, content, metadata,
		        1.0 / (1.0 + (embedding <=> $1)) AS score
		 FROM documents
		 WHERE tenant_id = $2 AND embedding IS NOT NULL
		 ORDER BY score DESC
		 LIMIT $3`,
		pgvector.NewVector(embedding),
		req.TenantID,
		req.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("document search: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows, req.SimilarityThreshold)
}

// ChunkStore searches chunk-level embeddings. The candidate backend under
// percentage rollout; chunk granularity gives tighter context windows.
type ChunkStore struct {
	pool      *pgxpool.Pool
	embedding EmbeddingClient
}

func NewChunkStore(pool *pgxpool.Pool, embedding EmbeddingClient) *ChunkStore {
	return &ChunkStore{pool: pool, embedding: embedding}
}

func (s *ChunkStore) Name() string { return "pgvector_chunks" }

func (s *ChunkStore) Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	if s.embedding == nil {
		return nil, fmt.Errorf("embedding client not configured")
	}
	embedding, err := s.embedding.GenerateEmbedding(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, content, metadata,
		        1.0 / (1.0 + (embedding <=> $1)) AS score
		 FROM document_chunks
		 WHERE tenant_id = $2 AND embedding IS NOT NULL
		 ORDER BY score DESC
		 LIMIT $3`,
		pgvector.NewVector(embedding),
		req.TenantID,
		req.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows, req.SimilarityThreshold)
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanChunks(rows pgRows, minSimilarity float64) ([]domain.DocumentChunk, error) {
	chunks := make([]domain.DocumentChunk, 0)
	for rows.Next() {
		var (
			chunk    domain.DocumentChunk
			tenantID *string
			metaRaw  []byte
		)
		if err := rows.Scan(&chunk.ID, &tenantID, &chunk.Content, &metaRaw, &chunk.Similarity); err != nil {
			return nil, err
		}
		if tenantID != nil {
			chunk.TenantID = *tenantID
		}
		chunk.Metadata = normalizeMetadata(metaRaw, chunk.TenantID)
		if chunk.Similarity < minSimilarity {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// normalizeMetadata flattens the stored JSON metadata into the one shape the
// rest of the pipeline sees. Older ingests wrote nested values and varied
// tenant key spellings; both shapes normalize here, never downstream.
func normalizeMetadata(raw []byte, tenantID string) map[string]string {
	meta := map[string]string{}
	if len(raw) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			for key, value := range parsed {
				switch v := value.(type) {
				case string:
					meta[key] = v
				case float64, bool:
					meta[key] = fmt.Sprintf("%v", v)
				}
			}
		}
	}
	if tenantID != "" {
		meta["tenant_id"] = tenantID
	}
	return meta
}
