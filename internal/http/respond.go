package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/repository"
	"github.com/fjod/orderflow/internal/session"
)

type ErrorResponse struct {
	Error       string            `json:"error"`
	Code        string            `json:"code,omitempty"`
	Details     string            `json:"details,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Retriable   bool              `json:"retriable"`
	PostPayment bool              `json:"post_payment,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

var kindStatus = map[d.ErrorKind]int{
	d.KindInvalidCart:         http.StatusBadRequest,
	d.KindInvalidContact:      http.StatusUnprocessableEntity,
	d.KindAddressValidation:   http.StatusUnprocessableEntity,
	d.KindGiftCardInvalid:     http.StatusUnprocessableEntity,
	d.KindInsufficientBalance: http.StatusUnprocessableEntity,
	d.KindPaymentDeclined:     http.StatusPaymentRequired,
	d.KindQuoteProvider:       http.StatusBadGateway,
	d.KindPaymentProvider:     http.StatusBadGateway,
	d.KindIllegalTransition:   http.StatusConflict,
	d.KindSessionBusy:         http.StatusConflict,
	d.KindDeliveryAcceptance:  http.StatusInternalServerError,
	d.KindPersistence:         http.StatusInternalServerError,
	d.KindAmbiguousCommit:     http.StatusInternalServerError,
	d.KindRedemption:          http.StatusInternalServerError,
}

// handleCheckoutError converts orchestrator errors to HTTP responses. Only
// field messages and the orchestrator's own message reach the client, never
// the wrapped provider error.
func handleCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "checkout session not found or expired")
		return
	case errors.Is(err, repository.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order_not_found", "order not found")
		return
	}

	var ce *d.CheckoutError
	if !errors.As(err, &ce) {
		slog.ErrorContext(r.Context(), "unhandled checkout error", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status, ok := kindStatus[ce.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "checkout failed", "path", r.URL.Path, "kind", ce.Kind, "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:       ce.Message,
		Code:        string(ce.Kind),
		Fields:      ce.Fields,
		Retriable:   ce.Kind.Retriable(),
		PostPayment: ce.Kind.PostPayment(),
	})
}
