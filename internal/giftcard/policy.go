package giftcard

import (
	"context"
	"errors"
	"strings"

	d "github.com/fjod/orderflow/internal/domain"
)

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply validates code against the ledger and builds an application that uses
// at most the eligible amount (subtotal + tax). Failures are non-fatal: the
// checkout simply continues without the card.
func Apply(ctx context.Context, ledger Ledger, code string, eligible d.Cents) (*d.GiftCardApplication, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, d.NewFieldError(d.KindGiftCardInvalid, "gift card code is required",
			map[string]string{"gift_card_code": "required"})
	}

	res, err := ledger.Validate(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, d.NewError(d.KindGiftCardInvalid, "gift card not found", err)
	case errors.Is(err, ErrInsufficientBalance):
		return nil, d.NewError(d.KindInsufficientBalance, "gift card has no remaining balance", err)
	case err != nil:
		return nil, d.NewError(d.KindGiftCardInvalid, "gift card could not be validated", err)
	}

	if !res.Valid {
		reason := res.Reason
		if reason == "" {
			reason = "gift card is not valid"
		}
		return nil, d.NewError(d.KindGiftCardInvalid, reason, nil)
	}
	if res.BalanceCents <= 0 {
		return nil, d.NewError(d.KindInsufficientBalance, "gift card has no remaining balance", ErrInsufficientBalance)
	}

	return &d.GiftCardApplication{
		Code:                    code,
		BalanceAtValidationTime: res.BalanceCents,
		AmountToUse:             d.MinCents(res.BalanceCents, eligible),
	}, nil
}

// Revalidate shrinks AmountToUse when the eligible amount dropped below it.
// The application is never grown back.
func Revalidate(app *d.GiftCardApplication, eligible d.Cents) *d.GiftCardApplication {
	if app == nil {
		return nil
	}
	out := *app
	out.AmountToUse = d.MaxCents(0, d.MinCents(out.AmountToUse, d.MinCents(out.BalanceAtValidationTime, eligible)))
	return &out
}
