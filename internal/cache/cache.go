// Package cache provides the shared cache surface for the query pipeline:
// a pluggable byte store (Redis-backed in production, no-op when disabled)
// and deterministic, tenant-prefixed key derivation so an entire tenant can
// be invalidated after re-ingestion.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store is the external cache collaborator. May be absent/disabled; callers
// must behave correctly (just without hit savings) when it is NopStore.
type Store interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// SetWithTTL stores value under key for ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// InvalidateTenant removes every entry belonging to tenantID.
	InvalidateTenant(ctx context.Context, tenantID string) error
}

const keyNamespace = "ragline"

// RetrievalKey derives the cache key for a retrieval request. The digest
// covers every request field so distinct parameters never collide.
func RetrievalKey(tenantID, query string, topK int, threshold float64) string {
	payload := query + "\x00" + strconv.Itoa(topK) + "\x00" + strconv.FormatFloat(threshold, 'f', -1, 64)
	return fmt.Sprintf("%s:%s:retr:%016x", keyNamespace, tenantID, xxhash.Sum64String(payload))
}

// ResponseKey derives the cache key for a finished pipeline response.
func ResponseKey(tenantID, query string) string {
	return fmt.Sprintf("%s:%s:resp:%016x", keyNamespace, tenantID, xxhash.Sum64String(query))
}

// TenantPrefix is the key prefix shared by all of a tenant's entries.
func TenantPrefix(tenantID string) string {
	return keyNamespace + ":" + tenantID + ":"
}

// NopStore is the disabled-cache implementation: every read misses, every
// write is dropped.
type NopStore struct{}

func NewNopStore() *NopStore { return &NopStore{} }

func (*NopStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (*NopStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (*NopStore) InvalidateTenant(ctx context.Context, tenantID string) error {
	return nil
}

func (*NopStore) Ping(ctx context.Context) error {
	return nil
}
