package giftcard

import (
	"context"
	"sync"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
)

type Redemption struct {
	Code        string
	OrderID     string
	AmountCents d.Cents
	Notes       string
	NewBalance  d.Cents
	CreatedAt   time.Time
}

// MemoryLedger implements Ledger with in-memory storage. A single mutex
// serializes every redemption across sessions.
type MemoryLedger struct {
	mu          sync.Mutex
	balances    map[string]d.Cents
	redemptions map[string]Redemption // code|orderID -> redemption
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:    make(map[string]d.Cents),
		redemptions: make(map[string]Redemption),
	}
}

// SetBalance sets the balance for a card (used for initialization)
func (l *MemoryLedger) SetBalance(code string, balance d.Cents) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[NormalizeCode(code)] = balance
}

func (l *MemoryLedger) Balance(code string) (d.Cents, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[NormalizeCode(code)]
	return b, ok
}

func (l *MemoryLedger) Redemptions() []Redemption {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Redemption, 0, len(l.redemptions))
	for _, r := range l.redemptions {
		out = append(out, r)
	}
	return out
}

func (l *MemoryLedger) Validate(_ context.Context, code string) (ValidationResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return ValidationResult{}, ErrInvalidCode
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, exists := l.balances[code]
	if !exists {
		return ValidationResult{Valid: false, Reason: "not found"}, ErrNotFound
	}
	if balance <= 0 {
		return ValidationResult{Valid: false, Reason: "no remaining balance"}, ErrInsufficientBalance
	}
	return ValidationResult{Valid: true, BalanceCents: balance}, nil
}

func (l *MemoryLedger) Redeem(_ context.Context, req RedemptionRequest) (RedemptionResult, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return RedemptionResult{}, ErrInvalidCode
	}
	if req.AmountCents <= 0 {
		return RedemptionResult{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := code + "|" + req.OrderID
	if prior, done := l.redemptions[key]; done {
		return RedemptionResult{Success: true, NewBalanceCents: prior.NewBalance}, nil
	}

	balance, exists := l.balances[code]
	if !exists {
		return RedemptionResult{}, ErrNotFound
	}
	if req.AmountCents > balance {
		return RedemptionResult{NewBalanceCents: balance}, ErrInsufficientBalance
	}

	balance -= req.AmountCents
	l.balances[code] = balance
	l.redemptions[key] = Redemption{
		Code:        code,
		OrderID:     req.OrderID,
		AmountCents: req.AmountCents,
		Notes:       req.Notes,
		NewBalance:  balance,
		CreatedAt:   time.Now(),
	}
	return RedemptionResult{Success: true, NewBalanceCents: balance}, nil
}
