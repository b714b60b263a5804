// Package tenant enforces tenant isolation on every chunk that enters or
// leaves the retrieval path.
package tenant

import (
	"github.com/cloo-solutions/ragline/internal/domain"
)

// Metadata keys that may carry a tenant identifier. Ingestion pipelines have
// historically written more than one spelling.
var tenantKeyAliases = []string{"tenant_id", "tenantId", "tenant", "org_id"}

// Guard stamps tenant ids on write and validates them on read. Validation
// runs on every batch of chunks returned from any retrieval path, cached
// hits included: a poisoned cache must not leak data just because caching
// sits in front of the store.
type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// EnforceWrite stamps the tenant id onto every chunk, overwriting whatever
// was there. Returns the same slice for convenience.
func (g *Guard) EnforceWrite(chunks []domain.DocumentChunk, tenantID string) []domain.DocumentChunk {
	for i := range chunks {
		chunks[i].TenantID = tenantID
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = map[string]string{}
		}
		chunks[i].Metadata["tenant_id"] = tenantID
	}
	return chunks
}

// ValidateRead checks that every chunk belongs to tenantID. A chunk with a
// missing or foreign tenant is a hard failure identifying the offending
// index and both tenant values; it is never silently dropped.
func (g *Guard) ValidateRead(chunks []domain.DocumentChunk, tenantID, context string) error {
	for i, c := range chunks {
		actual := c.TenantID
		if actual == "" {
			actual = tenantFromMetadata(c.Metadata)
		}
		if actual != tenantID {
			return &domain.TenantIsolationError{
				Context:        context,
				Index:          i,
				ExpectedTenant: tenantID,
				ActualTenant:   actual,
			}
		}
	}
	return nil
}

func tenantFromMetadata(meta map[string]string) string {
	if meta == nil {
		return ""
	}
	for _, key := range tenantKeyAliases {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return ""
}
