package orders

import (
	"context"
	"sync"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/repository"
)

// MemoryStore keeps orders in process memory when no database is configured.
// Like the Postgres store it allows one order per checkout session.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[string]*d.Order
	bySession map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*d.Order),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *d.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySession[order.CheckoutSessionID]; ok {
		return repository.ErrDuplicateCheckout
	}
	stored := *order
	m.byID[order.ID] = &stored
	m.bySession[order.CheckoutSessionID] = order.ID
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

func (m *MemoryStore) GetOrderBySession(ctx context.Context, sessionID string) (*d.Order, error) {
	m.mu.Lock()
	id, ok := m.bySession[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return m.GetOrder(ctx, id)
}
