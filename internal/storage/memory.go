package storage

import (
	"context"
	"sync"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// MemoryStore is a map-backed SeriesStore used in tests and dry runs. Series
// are copied on the way in and out so callers cannot alias stored data.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[models.FetchKey]models.Series
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[models.FetchKey]models.Series),
	}
}

// Get implements SeriesStore.Get.
func (m *MemoryStore) Get(ctx context.Context, key models.FetchKey) (models.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.series[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make(models.Series, len(stored))
	copy(out, stored)
	return out, nil
}

// Put implements SeriesStore.Put.
func (m *MemoryStore) Put(ctx context.Context, key models.FetchKey, series models.Series) error {
	if err := key.Validate(); err != nil {
		return NewStorageError("put", key, err)
	}

	stored := make(models.Series, len(series))
	copy(stored, series)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[key] = stored
	return nil
}

// DeleteAll implements SeriesStore.DeleteAll.
func (m *MemoryStore) DeleteAll(ctx context.Context) ([]models.FetchKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := make([]models.FetchKey, 0, len(m.series))
	for key := range m.series {
		deleted = append(deleted, key)
	}
	m.series = make(map[models.FetchKey]models.Series)
	return deleted, nil
}

// ListKeys implements SeriesStore.ListKeys.
func (m *MemoryStore) ListKeys(ctx context.Context) ([]models.FetchKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]models.FetchKey, 0, len(m.series))
	for key := range m.series {
		keys = append(keys, key)
	}
	return keys, nil
}

// Close implements SeriesStore.Close.
func (m *MemoryStore) Close() error { return nil }
