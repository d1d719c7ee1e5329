package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/orderflow/internal/catalog"
	"github.com/fjod/orderflow/internal/checkout"
	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Checkout is the orchestrator surface the REST API drives.
type Checkout interface {
	Start(ctx context.Context, req checkout.StartRequest) (*d.CheckoutSession, error)
	Get(ctx context.Context, id string) (*d.CheckoutSession, error)
	ProceedToContact(ctx context.Context, id string) (*d.CheckoutSession, error)
	SubmitContactInfo(ctx context.Context, id string, in checkout.ContactInput) (*d.CheckoutSession, error)
	SuggestAddresses(ctx context.Context, query string) ([]delivery.Suggestion, error)
	RequestQuote(ctx context.Context, id string) (*d.CheckoutSession, error)
	ProceedToPayment(ctx context.Context, id string) (*d.CheckoutSession, error)
	SetTip(ctx context.Context, id string, tip d.Cents) (*d.CheckoutSession, error)
	ApplyGiftCard(ctx context.Context, id, code string) (*d.CheckoutSession, error)
	RemoveGiftCard(ctx context.Context, id string) (*d.CheckoutSession, error)
	PreparePayment(ctx context.Context, id string) (*d.CheckoutSession, error)
	Complete(ctx context.Context, id string) (*d.CheckoutSession, error)
	Abandon(ctx context.Context, id string) (*d.CheckoutSession, error)
	GetOrder(ctx context.Context, orderID string) (*d.Order, error)
}

type CheckoutHandler struct {
	checkout Checkout
	timeout  time.Duration
}

func NewCheckoutHandler(c Checkout, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: c,
		timeout:  timeout,
	}
}

type StartCheckoutRequestDTO struct {
	OrderType string                `json:"order_type"`
	Items     []catalog.LineRequest `json:"items"`
	TipCents  int64                 `json:"tip_cents"`
}

type ContactRequestDTO struct {
	Name                string `json:"name"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	AddressSuggestionID string `json:"address_suggestion_id"`
}

type TipRequestDTO struct {
	TipCents *int64 `json:"tip_cents"`
}

type GiftCardRequestDTO struct {
	Code string `json:"code"`
}

// SessionResponseDTO is the session plus display hints for the storefront.
type SessionResponseDTO struct {
	*d.CheckoutSession
	TotalLabel string `json:"total_label"`
}

func sessionResponse(s *d.CheckoutSession) SessionResponseDTO {
	label := "Total"
	if s.Breakdown.Estimated {
		label = "Estimated total (delivery fee not yet quoted)"
	}
	return SessionResponseDTO{CheckoutSession: s, TotalLabel: label}
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req StartCheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.Quantity > 99 {
			respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
			return
		}
	}

	s, err := h.checkout.Start(ctx, checkout.StartRequest{
		OrderType: d.OrderType(req.OrderType),
		Lines:     req.Items,
		Tip:       d.Cents(req.TipCents),
	})
	if err != nil {
		handleCheckoutError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse(s))
}

// GET /api/v1/checkout/{session_id}
func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.Get)
}

// POST /api/v1/checkout/{session_id}/contact-step
func (h *CheckoutHandler) ProceedToContact(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.ProceedToContact)
}

// POST /api/v1/checkout/{session_id}/contact
func (h *CheckoutHandler) SubmitContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	h.run(w, r, func(ctx context.Context, id string) (*d.CheckoutSession, error) {
		return h.checkout.SubmitContactInfo(ctx, id, checkout.ContactInput{
			Customer:            d.Customer{Name: req.Name, Email: req.Email, Phone: req.Phone},
			AddressSuggestionID: req.AddressSuggestionID,
		})
	})
}

// POST /api/v1/checkout/{session_id}/quote
func (h *CheckoutHandler) RequestQuote(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.RequestQuote)
}

// POST /api/v1/checkout/{session_id}/payment-step
func (h *CheckoutHandler) ProceedToPayment(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.ProceedToPayment)
}

// PUT /api/v1/checkout/{session_id}/tip
func (h *CheckoutHandler) SetTip(w http.ResponseWriter, r *http.Request) {
	var req TipRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.TipCents == nil {
		respondError(w, http.StatusBadRequest, "invalid_tip", "tip_cents is required")
		return
	}
	h.run(w, r, func(ctx context.Context, id string) (*d.CheckoutSession, error) {
		return h.checkout.SetTip(ctx, id, d.Cents(*req.TipCents))
	})
}

// POST /api/v1/checkout/{session_id}/gift-card
func (h *CheckoutHandler) ApplyGiftCard(w http.ResponseWriter, r *http.Request) {
	var req GiftCardRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	h.run(w, r, func(ctx context.Context, id string) (*d.CheckoutSession, error) {
		return h.checkout.ApplyGiftCard(ctx, id, req.Code)
	})
}

// DELETE /api/v1/checkout/{session_id}/gift-card
func (h *CheckoutHandler) RemoveGiftCard(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.RemoveGiftCard)
}

// POST /api/v1/checkout/{session_id}/payment-intent
func (h *CheckoutHandler) PreparePayment(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.PreparePayment)
}

// POST /api/v1/checkout/{session_id}/complete
func (h *CheckoutHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.Complete)
}

// POST /api/v1/checkout/{session_id}/abandon
func (h *CheckoutHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.checkout.Abandon)
}

// GET /api/v1/addresses/suggestions?q=
func (h *CheckoutHandler) SuggestAddresses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out, err := h.checkout.SuggestAddresses(ctx, r.URL.Query().Get("q"))
	if err != nil {
		handleCheckoutError(w, r, err)
		return
	}
	if out == nil {
		out = []delivery.Suggestion{}
	}
	respondJSON(w, http.StatusOK, out)
}

// GET /api/v1/orders/{order_id}
func (h *CheckoutHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "missing_order_id", "order_id is required")
		return
	}
	order, err := h.checkout.GetOrder(ctx, orderID)
	if err != nil {
		handleCheckoutError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *CheckoutHandler) run(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*d.CheckoutSession, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := chi.URLParam(r, "session_id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	s, err := op(ctx, id)
	if err != nil {
		handleCheckoutError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse(s))
}
