package vectorstore

import (
	"context"
	"testing"

	"github.com/cloo-solutions/ragline/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	name string
}

func (f *fakeStore) Search(ctx context.Context, req domain.RetrievalRequest) ([]domain.DocumentChunk, error) {
	return nil, nil
}

func (f *fakeStore) Name() string { return f.name }

func TestSelector_NoCandidate(t *testing.T) {
	stable := &fakeStore{name: "stable"}
	selector := NewSelector(stable, nil, 50)

	assert.Equal(t, stable, selector.Select("u1", "s1", "t1"))
}

func TestSelector_ZeroPercent(t *testing.T) {
	stable := &fakeStore{name: "stable"}
	candidate := &fakeStore{name: "candidate"}
	selector := NewSelector(stable, candidate, 0)

	for i := 0; i < 50; i++ {
		assert.Equal(t, stable, selector.Select("u1", "s1", "t1"))
	}
}

func TestSelector_FullRollout(t *testing.T) {
	stable := &fakeStore{name: "stable"}
	candidate := &fakeStore{name: "candidate"}
	selector := NewSelector(stable, candidate, 100)

	assert.Equal(t, candidate, selector.Select("u1", "s1", "t1"))
}

func TestSelector_StablePerCaller(t *testing.T) {
	stable := &fakeStore{name: "stable"}
	candidate := &fakeStore{name: "candidate"}
	selector := NewSelector(stable, candidate, 50)

	// The same identity always resolves to the same backend.
	first := selector.Select("alice", "", "acme")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, selector.Select("alice", "", "acme"))
	}

	// User identity takes precedence over session: a new session does not
	// flip the user's backend.
	withSession := selector.Select("alice", "other-session", "acme")
	assert.Equal(t, first, withSession)
}

func TestNormalizeMetadata_FlatShape(t *testing.T) {
	meta := normalizeMetadata([]byte(`{"source":"faq.md","page":3,"published":true}`), "tenant-a")

	assert.Equal(t, "faq.md", meta["source"])
	assert.Equal(t, "3", meta["page"])
	assert.Equal(t, "true", meta["published"])
	assert.Equal(t, "tenant-a", meta["tenant_id"])
}

func TestNormalizeMetadata_NestedValuesDropped(t *testing.T) {
	meta := normalizeMetadata([]byte(`{"source":"faq.md","extra":{"nested":"x"}}`), "tenant-a")

	assert.Equal(t, "faq.md", meta["source"])
	_, ok := meta["extra"]
	assert.False(t, ok)
}

func TestNormalizeMetadata_InvalidJSON(t *testing.T) {
	meta := normalizeMetadata([]byte(`not json`), "tenant-a")
	assert.Equal(t, map[string]string{"tenant_id": "tenant-a"}, meta)
}
