package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is a bounded in-process cache with TTL expiry and oldest-first
// eviction once capacity is exceeded. Used for the response cache and the
// batch retrieval cache, both of which stay process-local.
type Memory[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemory builds a cache holding at most size entries, each live for ttl.
func NewMemory[V any](size int, ttl time.Duration) *Memory[V] {
	return &Memory[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

func (m *Memory[V]) Get(key string) (V, bool) {
	return m.lru.Get(key)
}

func (m *Memory[V]) Set(key string, value V) {
	m.lru.Add(key, value)
}

// InvalidateTenant drops every entry whose key carries the tenant's prefix.
func (m *Memory[V]) InvalidateTenant(tenantID string) {
	prefix := TenantPrefix(tenantID)
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.lru.Remove(key)
		}
	}
}

func (m *Memory[V]) Len() int {
	return m.lru.Len()
}

func (m *Memory[V]) Purge() {
	m.lru.Purge()
}
