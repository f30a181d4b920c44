package linkstore

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	byHandle map[string]Record
	byUser   map[string]string // user id -> handle
}

// NewMemory returns a process-local store, used in tests and single-node dev runs.
func NewMemory() Store {
	return &memoryStore{byHandle: map[string]Record{}, byUser: map[string]string{}}
}

func (m *memoryStore) Get(_ context.Context, handle string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byHandle[handle]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memoryStore) GetByUser(ctx context.Context, userID string) (Record, error) {
	m.mu.RLock()
	handle, ok := m.byUser[userID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.Get(ctx, handle)
}

func (m *memoryStore) Upsert(_ context.Context, u Update) (Record, bool, error) {
	u = u.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.byHandle[u.Handle]
	if !exists {
		rec = Record{UserID: u.UserID, Handle: u.Handle, CreatedAt: u.At}
	}
	rec.Username = u.Username
	rec.BackendUserID = u.BackendUserID
	rec.BaseURL = u.BaseURL
	rec.Origin = u.Origin
	rec.ConnectToken = u.ConnectToken
	rec.Valid = true
	rec.UpdatedAt = u.At
	m.byHandle[u.Handle] = rec
	m.byUser[rec.UserID] = u.Handle
	return rec, !exists, nil
}

func (m *memoryStore) SetValid(_ context.Context, handle string, valid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byHandle[handle]
	if !ok {
		return ErrNotFound
	}
	rec.Valid = valid
	m.byHandle[handle] = rec
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.byHandle))
	for _, r := range m.byHandle {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
