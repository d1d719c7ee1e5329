package payment

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	StatusRequiresConfirmation = "requires_confirmation"
	StatusSucceeded            = "succeeded"
	StatusCanceled             = "canceled"
)

type DecideOutcome interface {
	Outcome() *DeclinedError
}

// RandomOutcome approves 95% of confirmations.
type RandomOutcome struct{}

func (RandomOutcome) Outcome() *DeclinedError {
	return calcOutcome(rand.Intn(101))
}

func calcOutcome(roll int) *DeclinedError {
	if roll < 95 {
		return nil
	}
	switch roll - 95 {
	case 1:
		return &DeclinedError{Reason: DeclineInsufficientFunds}
	case 2:
		return &DeclinedError{Reason: DeclineCardExpired}
	case 3:
		return &DeclinedError{Reason: DeclineFraudSuspected}
	default:
		return &DeclinedError{Reason: DeclineGeneric}
	}
}

// AlwaysApprove is the deterministic outcome used in tests and local runs.
type AlwaysApprove struct{}

func (AlwaysApprove) Outcome() *DeclinedError { return nil }

type simIntent struct {
	Intent
	key    string
	status string
}

// Simulator is an in-memory processor. Intents are deduplicated by
// idempotency key.
type Simulator struct {
	mu      sync.Mutex
	outcome DecideOutcome
	intents map[string]*simIntent // id -> intent
	byKey   map[string]string     // idempotency key -> id
	secrets map[string]string     // client secret -> id

	ConfirmErr error
	CancelErr  error
}

func NewSimulator(outcome DecideOutcome) *Simulator {
	if outcome == nil {
		outcome = AlwaysApprove{}
	}
	return &Simulator{
		outcome: outcome,
		intents: make(map[string]*simIntent),
		byKey:   make(map[string]string),
		secrets: make(map[string]string),
	}
}

func (s *Simulator) SetOutcome(outcome DecideOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
}

func (s *Simulator) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if req.Amount <= 0 {
		return Intent{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := s.byKey[req.IdempotencyKey]; ok {
			return s.intents[id].Intent, nil
		}
	}

	id := "pi_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	in := &simIntent{
		Intent: Intent{
			ID:           id,
			ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
			Amount:       req.Amount,
		},
		key:    req.IdempotencyKey,
		status: StatusRequiresConfirmation,
	}
	s.intents[id] = in
	s.secrets[in.ClientSecret] = id
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}
	return in.Intent, nil
}

func (s *Simulator) Confirm(ctx context.Context, clientSecret string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ConfirmErr != nil {
		return Confirmation{}, s.ConfirmErr
	}
	id, ok := s.secrets[clientSecret]
	if !ok {
		return Confirmation{}, ErrIntentNotFound
	}
	in := s.intents[id]
	switch in.status {
	case StatusSucceeded:
		return Confirmation{IntentID: id, Status: in.status}, nil
	case StatusCanceled:
		return Confirmation{}, fmt.Errorf("intent %s is canceled: %w", id, ErrIntentNotFound)
	}

	if declined := s.outcome.Outcome(); declined != nil {
		return Confirmation{}, declined
	}
	in.status = StatusSucceeded
	return Confirmation{IntentID: id, Status: in.status}, nil
}

func (s *Simulator) Cancel(ctx context.Context, intentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CancelErr != nil {
		return s.CancelErr
	}
	in, ok := s.intents[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	if in.status == StatusSucceeded {
		return fmt.Errorf("intent %s: %w", intentID, ErrAlreadyCaptured)
	}
	in.status = StatusCanceled
	return nil
}

func (s *Simulator) IntentStatus(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return "", false
	}
	return in.status, true
}

func (s *Simulator) IntentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}
