package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/pkg/circuitbreaker"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient talks to a Stripe-style payment intents API: form-encoded
// requests, amounts in cents, Idempotency-Key header on creation.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	currency string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	log      *slog.Logger
}

func NewHTTPClient(baseURL, apiKey string, log *slog.Logger) *HTTPClient {
	c := &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: "usd",
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}
	c.breaker = circuitbreaker.New[[]byte](circuitbreaker.DefaultSettings("payment"), log, countsAsHealthy)
	return c
}

type apiError struct {
	Status      int
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s %s", e.Status, e.Type, e.Code)
}

func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var de *DeclinedError
	if errors.As(err, &de) || errors.Is(err, ErrIntentNotFound) || errors.Is(err, ErrAlreadyCaptured) {
		return true
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status < 500 && ae.Status != http.StatusTooManyRequests
	}
	return false
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, ErrInvalidAmount
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("currency", c.currency)
	form.Set("capture_method", "automatic")
	form.Set("metadata[subtotal_cents]", strconv.FormatInt(int64(req.Subtotal), 10))
	form.Set("metadata[tax_cents]", strconv.FormatInt(int64(req.Tax), 10))
	form.Set("metadata[delivery_fee_cents]", strconv.FormatInt(int64(req.DeliveryFee), 10))
	if req.SessionID != "" {
		form.Set("metadata[checkout_session_id]", req.SessionID)
	}

	var out intentResponse
	if err := c.do(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &out); err != nil {
		return Intent{}, err
	}
	return Intent{ID: out.ID, ClientSecret: out.ClientSecret, Amount: d.Cents(out.Amount)}, nil
}

// intentIDFromSecret extracts "pi_123" from "pi_123_secret_abc".
func intentIDFromSecret(secret string) (string, bool) {
	i := strings.Index(secret, "_secret_")
	if i <= 0 {
		return "", false
	}
	return secret[:i], true
}

func (c *HTTPClient) Confirm(ctx context.Context, clientSecret string) (Confirmation, error) {
	id, ok := intentIDFromSecret(clientSecret)
	if !ok {
		return Confirmation{}, ErrIntentNotFound
	}
	form := url.Values{}
	form.Set("client_secret", clientSecret)

	var out intentResponse
	if err := c.do(ctx, "/v1/payment_intents/"+url.PathEscape(id)+"/confirm", form, "", &out); err != nil {
		return Confirmation{}, err
	}
	if out.Status != StatusSucceeded {
		return Confirmation{}, &DeclinedError{Reason: DeclineGeneric}
	}
	return Confirmation{IntentID: out.ID, Status: out.Status}, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, intentID string) error {
	form := url.Values{}
	form.Set("cancellation_reason", "abandoned")
	return c.do(ctx, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", form, "", nil)
}

func (c *HTTPClient) do(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, path, form, idempotencyKey)
	})
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode payment response: %w", err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var envelope struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	ae := envelope.Error
	ae.Status = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || ae.Type == "card_error":
		reason := DeclineReason(ae.DeclineCode)
		if reason == "" {
			reason = DeclineGeneric
		}
		return nil, &DeclinedError{Reason: reason}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrIntentNotFound, &ae)
	case ae.Code == "payment_intent_unexpected_state" && strings.HasSuffix(path, "/cancel"):
		return nil, fmt.Errorf("%w: %v", ErrAlreadyCaptured, &ae)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, &ae)
	}
	return nil, &ae
}
