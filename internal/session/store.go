package session

import (
	"context"
	"errors"

	d "github.com/fjod/orderflow/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrSessionBusy     = errors.New("checkout session is being modified by another request")
)

// Store persists checkout sessions between requests. Lock grants one writer
// per session; the returned func releases it.
type Store interface {
	Get(ctx context.Context, id string) (*d.CheckoutSession, error)
	Save(ctx context.Context, s *d.CheckoutSession) error
	Delete(ctx context.Context, id string) error
	Lock(ctx context.Context, id string) (func(), error)
}
