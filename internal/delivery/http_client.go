package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/pkg/circuitbreaker"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

// HTTPClient talks to a Drive-style dispatch REST API. Amounts are sent as
// integer cents, which the provider accepts natively.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	group   singleflight.Group
	log     *slog.Logger
}

func NewHTTPClient(baseURL, apiKey string, log *slog.Logger) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}
	c.breaker = circuitbreaker.New[[]byte](circuitbreaker.DefaultSettings("delivery"), log, countsAsHealthy)
	return c
}

// statusError is a non-2xx response the provider sent back.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("delivery provider returned %d: %s", e.Status, e.Body)
}

func (e *statusError) transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// countsAsHealthy keeps client-side rejections from tripping the breaker.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var ave *AddressValidationError
	if errors.As(err, &ave) || errors.Is(err, ErrQuoteNotFound) || errors.Is(err, ErrQuoteExpired) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return !se.transient()
	}
	return false
}

type fieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type errorBody struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	FieldErrors []fieldError `json:"field_errors"`
}

type quotePayload struct {
	ExternalDeliveryID string         `json:"external_delivery_id"`
	DropoffAddress     string         `json:"dropoff_address"`
	DropoffLocation    locationObject `json:"dropoff_location"`
	OrderValue         int64          `json:"order_value"`
	Tip                int64          `json:"tip"`
	Items              []Item         `json:"items"`
}

type locationObject struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type quoteResponse struct {
	ExternalDeliveryID string    `json:"external_delivery_id"`
	Fee                int64     `json:"fee"`
	ExpiresAt          time.Time `json:"expires_at"`
}

type acceptPayload struct {
	Tip int64 `json:"tip"`
}

type acceptResponse struct {
	ExternalDeliveryID string `json:"external_delivery_id"`
	DeliveryID         string `json:"delivery_id"`
}

type suggestionsResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
}

type addressResponse struct {
	ID         string  `json:"id"`
	Formatted  string  `json:"formatted"`
	Line1      string  `json:"line1"`
	Line2      string  `json:"line2"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

func (c *HTTPClient) CreateQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	payload := quotePayload{
		ExternalDeliveryID: req.ExternalID,
		DropoffAddress:     req.Dropoff.Formatted,
		DropoffLocation:    locationObject{Lat: req.Dropoff.Lat, Lng: req.Dropoff.Lng},
		OrderValue:         int64(req.OrderValue),
		Tip:                int64(req.Tip),
		Items:              req.Items,
	}
	var out quoteResponse
	if err := c.do(ctx, http.MethodPost, "/drive/v2/quotes", payload, &out); err != nil {
		return Quote{}, err
	}
	return Quote{ExternalID: out.ExternalDeliveryID, Fee: d.Cents(out.Fee), ExpiresAt: out.ExpiresAt}, nil
}

func (c *HTTPClient) AcceptQuote(ctx context.Context, externalID string, tip d.Cents) (Acceptance, error) {
	var out acceptResponse
	path := "/drive/v2/quotes/" + url.PathEscape(externalID) + "/accept"
	if err := c.do(ctx, http.MethodPost, path, acceptPayload{Tip: int64(tip)}, &out); err != nil {
		return Acceptance{}, err
	}
	return Acceptance{ExternalID: out.ExternalDeliveryID, DeliveryID: out.DeliveryID}, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, externalID string) error {
	path := "/drive/v2/deliveries/" + url.PathEscape(externalID) + "/cancel"
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// SuggestAddresses collapses concurrent identical lookups into one request.
func (c *HTTPClient) SuggestAddresses(ctx context.Context, query string) ([]Suggestion, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	v, err, _ := c.group.Do("suggest:"+strings.ToLower(query), func() (interface{}, error) {
		var out suggestionsResponse
		if err := c.do(ctx, http.MethodGet, "/v1/addresses/suggest?q="+url.QueryEscape(query), nil, &out); err != nil {
			return nil, err
		}
		return out.Suggestions, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Suggestion), nil
}

func (c *HTTPClient) ResolveSuggestion(ctx context.Context, suggestionID string) (d.Address, error) {
	var out addressResponse
	err := c.do(ctx, http.MethodGet, "/v1/addresses/"+url.PathEscape(suggestionID), nil, &out)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return d.Address{}, ErrSuggestionNotFound
	}
	if err != nil {
		return d.Address{}, err
	}
	return d.Address{
		SuggestionID: suggestionID,
		Formatted:    out.Formatted,
		Line1:        out.Line1,
		Line2:        out.Line2,
		City:         out.City,
		State:        out.State,
		PostalCode:   out.PostalCode,
		Lat:          out.Lat,
		Lng:          out.Lng,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = b
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, reqBody)
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
		return fmt.Errorf("decode delivery response: %w", err)
	}
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, reqBody []byte) ([]byte, error) {
	var r io.Reader
	if reqBody != nil {
		r = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
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

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && len(eb.FieldErrors) > 0 {
			fields := make(map[string]string, len(eb.FieldErrors))
			for _, fe := range eb.FieldErrors {
				fields[fe.Field] = fe.Error
			}
			return nil, &AddressValidationError{Fields: fields}
		}
	}

	se := &statusError{Status: resp.StatusCode, Body: string(body)}
	if se.transient() {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, se)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		if strings.Contains(path, "/quotes/") || strings.Contains(path, "/deliveries/") {
			return nil, fmt.Errorf("%w: %v", ErrQuoteNotFound, se)
		}
	case http.StatusGone:
		return nil, fmt.Errorf("%w: %v", ErrQuoteExpired, se)
	}
	return nil, se
}
