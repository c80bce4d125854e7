package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 使用受互斥锁保护的 map 保存数据，值以原样返回。
type MemoryStore[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewMemoryStore 创建空的内存缓存。
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{items: make(map[string]V)}
}

// Get 返回键对应的值。
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[NormalizeKey(key)]
	return value, ok, nil
}

// Put 覆盖写入键对应的值。
func (s *MemoryStore[V]) Put(_ context.Context, key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[NormalizeKey(key)] = value
	return nil
}

// Invalidate 删除单个键。
func (s *MemoryStore[V]) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, NormalizeKey(key))
	return nil
}

// Clear 清空全部数据。
func (s *MemoryStore[V]) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]V)
	return nil
}

// Keys 返回排序后的键列表。
func (s *MemoryStore[V]) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len 返回缓存条目数。
func (s *MemoryStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ Store[int] = (*MemoryStore[int])(nil)
