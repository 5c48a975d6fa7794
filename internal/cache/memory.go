package cache

import (
	"context"
	"sort"
	"sync"

	"pageprimer/pkg/domain"
)

// MemoryStore 基于内存的缓存存储
type MemoryStore struct {
	mu      sync.RWMutex
	db      map[string]*domain.Response
	offline OfflineFunc
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(offline OfflineFunc) *MemoryStore {
	if offline == nil {
		offline = neverOffline
	}
	return &MemoryStore{db: make(map[string]*domain.Response), offline: offline}
}

func (m *MemoryStore) IsOffline() bool { return m.offline() }

func (m *MemoryStore) CachedResponse(_ context.Context, req *domain.Request) (*domain.Response, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.db[domain.CacheKey(req)]
	if !ok {
		return nil, false, nil
	}
	return copyResponse(res), true, nil
}

func (m *MemoryStore) Store(_ context.Context, req *domain.Request, resp *domain.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db[domain.CacheKey(req)] = copyResponse(resp)
	return nil
}

func (m *MemoryStore) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.db))
	for k := range m.db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Purge(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.db, key)
	return nil
}

func copyResponse(r *domain.Response) *domain.Response {
	c := *r
	c.Headers = r.Headers.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
