package domain

// DocumentChunk is a retrieved unit of content with its similarity to the
// query that produced it. Chunks are normalized at the vector store boundary;
// everything downstream sees this one shape.
type DocumentChunk struct {
	ID         string
	Content    string
	TenantID   string
	Similarity float64
	Metadata   map[string]string
}

// RetrievalRequest describes a single tenant-scoped retrieval. Immutable once
// issued; callers build a fresh request per call.
type RetrievalRequest struct {
	TenantID            string
	Query               string
	TopK                int
	SimilarityThreshold float64
}

// SourceRef is the caller-facing view of a chunk that contributed to an
// answer.
type SourceRef struct {
	ID         string            `json:"id"`
	Snippet    string            `json:"snippet"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

const sourceSnippetMaxChars = 200

// SourceRefFromChunk builds the caller-facing reference for a chunk.
func SourceRefFromChunk(c DocumentChunk) SourceRef {
	snippet := c.Content
	if len(snippet) > sourceSnippetMaxChars {
		snippet = snippet[:sourceSnippetMaxChars-3] + "..."
	}
	return SourceRef{
		ID:         c.ID,
		Snippet:    snippet,
		Similarity: c.Similarity,
		Metadata:   c.Metadata,
	}
}

// SourceRefsFromChunks maps a result set to caller-facing references.
func SourceRefsFromChunks(chunks []DocumentChunk) []SourceRef {
	refs := make([]SourceRef, 0, len(chunks))
	for _, c := range chunks {
		refs = append(refs, SourceRefFromChunk(c))
	}
	return refs
}
