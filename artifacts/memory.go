package artifacts

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value []byte
	exp   time.Time // zero means no expiry
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]map[string]entry // identityID -> key -> entry
	nowTime func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]map[string]entry),
		nowTime: time.Now,
	}
}

// WithNowTime replaces the clock used for expiry checks.
func (m *MemoryStore) WithNowTime(nowFunc func() time.Time) *MemoryStore {
	m.nowTime = nowFunc
	return m
}

func (m *MemoryStore) Put(_ context.Context, identityID, key string, value []byte, ttl time.Duration) error {
	if err := validate(identityID, key); err != nil {
		return err
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = m.nowTime().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[identityID]; !ok {
		m.items[identityID] = make(map[string]entry)
	}
	m.items[identityID][key] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, identityID, key string) ([]byte, error) {
	if err := validate(identityID, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[identityID][key]
	if !ok || (!e.exp.IsZero() && m.nowTime().After(e.exp)) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) PurgeIdentity(_ context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, identityID)
	return nil
}

// Len returns the number of live keys cached for identityID.
func (m *MemoryStore) Len(identityID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[identityID])
}

// Cleanup drops expired entries.
func (m *MemoryStore) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowTime()
	for identityID, keys := range m.items {
		for key, e := range keys {
			if !e.exp.IsZero() && now.After(e.exp) {
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(m.items, identityID)
		}
	}
}
