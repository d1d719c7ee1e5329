package reconciliation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
)

var ErrCaseNotFound = errors.New("reconciliation case not found")

type Reason string

const (
	ReasonDeliveryAcceptance Reason = "delivery_acceptance_failed"
	ReasonCommitFailed       Reason = "commit_failed_after_payment"
	ReasonAmbiguousCommit    Reason = "ambiguous_commit"
	ReasonRedemptionFailed   Reason = "redemption_failed"
	ReasonOutboxStuck        Reason = "outbox_stuck"
	ReasonOrphanedCapture    Reason = "captured_intent_without_order"
)

// Case is one situation support staff must resolve by hand, such as a
// captured payment without an order or an order whose gift card was not
// debited.
type Case struct {
	ID                 string    `bson:"_id" json:"id"`
	Reason             Reason    `bson:"reason" json:"reason"`
	SessionID          string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	OrderID            string    `bson:"order_id,omitempty" json:"order_id,omitempty"`
	PaymentIntentID    string    `bson:"payment_intent_id,omitempty" json:"payment_intent_id,omitempty"`
	DeliveryExternalID string    `bson:"delivery_external_id,omitempty" json:"delivery_external_id,omitempty"`
	GiftCardCode       string    `bson:"gift_card_code,omitempty" json:"gift_card_code,omitempty"`
	AmountCents        d.Cents   `bson:"amount_cents" json:"amount_cents"`
	Detail             string    `bson:"detail" json:"detail"`
	Resolved           bool      `bson:"resolved" json:"resolved"`
	CreatedAt          time.Time `bson:"created_at" json:"created_at"`
}

type Store interface {
	Record(ctx context.Context, c *Case) error
	ListOpen(ctx context.Context, limit int) ([]Case, error)
	Resolve(ctx context.Context, id string) error
}

func prepare(c *Case) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

// MemoryStore keeps cases in process memory; used with the simulators.
type MemoryStore struct {
	mu    sync.Mutex
	cases map[string]Case
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]Case)}
}

func (m *MemoryStore) Record(_ context.Context, c *Case) error {
	prepare(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = *c
	return nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Case, 0, len(m.cases))
	for _, c := range m.cases {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return ErrCaseNotFound
	}
	c.Resolved = true
	m.cases[id] = c
	return nil
}
