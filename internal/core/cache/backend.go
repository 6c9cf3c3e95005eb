package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is the raw key/value store behind the classification cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend keeps entries in process memory. Keys are independent;
// there is no cross-key lock.
type MemoryBackend struct {
	items sync.Map // string -> memoryItem
	now   func() time.Time
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now}
}

// WithClock replaces the time source; used by tests to move past a TTL.
func (m *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	m.now = now
	return m
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.items.Load(key)
	if !ok {
		return nil, ErrMiss
	}
	item := v.(memoryItem)
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.items.CompareAndDelete(key, v)
		return nil, ErrMiss
	}
	return item.value, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items.Store(key, item)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.items.Delete(key)
	return nil
}
