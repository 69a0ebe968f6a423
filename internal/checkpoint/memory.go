package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 将检查点保存在进程内存中，适合单进程部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore 创建内存检查点存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	rec.State = append([]byte(nil), rec.State...)
	m.mu.Lock()
	m.records[rec.ThreadID] = rec
	m.mu.Unlock()
	return nil
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context, threadID string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[threadID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, NotFound(threadID)
	}
	rec.State = append([]byte(nil), rec.State...)
	return rec, nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.records, threadID)
	m.mu.Unlock()
	return nil
}

// Prune 删除 before 之前更新的检查点。
func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.UpdatedAt.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
