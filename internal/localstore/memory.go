package localstore

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local state store used in tests and when persistence
// is disabled.
type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	codeMeta SnapshotMeta
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) SessionID(context.Context) (string, error) {
	return m.get(keySessionID), nil
}

func (m *Memory) SaveSessionID(_ context.Context, id string) error {
	m.set(keySessionID, id)
	return nil
}

func (m *Memory) ClearSessionID(context.Context) error {
	m.unset(keySessionID)
	return nil
}

func (m *Memory) PreviousSessionID(context.Context) (string, error) {
	return m.get(keyPreviousSessionID), nil
}

func (m *Memory) SavePreviousSessionID(_ context.Context, id string) error {
	m.set(keyPreviousSessionID, id)
	return nil
}

func (m *Memory) ClearPreviousSessionID(context.Context) error {
	m.unset(keyPreviousSessionID)
	return nil
}

func (m *Memory) AnonymousCode(context.Context) (string, bool, error) {
	code := m.get(keyAnonymousCode)
	return code, code != "", nil
}

func (m *Memory) SaveAnonymousCode(_ context.Context, code string, meta SnapshotMeta) error {
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[keyAnonymousCode] = code
	m.codeMeta = meta
	return nil
}

func (m *Memory) AnonymousCodeMeta(context.Context) (SnapshotMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeMeta, nil
}

func (m *Memory) ClearAnonymousCode(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, keyAnonymousCode)
	m.codeMeta = SnapshotMeta{}
	return nil
}

func (m *Memory) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *Memory) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *Memory) unset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}
