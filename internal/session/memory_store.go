package session

import (
	"context"
	"encoding/json"
	"sync"

	d "github.com/fjod/orderflow/internal/domain"
)

// MemoryStore keeps sessions in process memory. Sessions are stored as JSON
// so callers never share a pointer with the store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	locks    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		locks:    make(map[string]bool),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*d.CheckoutSession, error) {
	m.mu.Lock()
	data, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s d.CheckoutSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *d.CheckoutSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = data
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Lock(_ context.Context, id string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[id] {
		return nil, ErrSessionBusy
	}
	m.locks[id] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, id)
	}, nil
}
