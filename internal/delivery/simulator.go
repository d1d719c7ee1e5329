package delivery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
)

const (
	// QuoteTTL is how long a simulated quote can be accepted
	QuoteTTL = 5 * time.Minute

	simBaseFee    d.Cents = 499
	simPerItemFee d.Cents = 50
	simMaxFee     d.Cents = 999
)

type simQuote struct {
	externalID string
	fee        d.Cents
	status     d.QuoteStatus
	deliveryID string
	inputs     string
	expiresAt  time.Time
}

// Simulator is an in-memory dispatch provider. Quotes are keyed by external id,
// so repeated CreateQuote calls never produce a second delivery.
type Simulator struct {
	mu        sync.Mutex
	quotes    map[string]*simQuote
	addresses map[string]d.Address
	now       func() time.Time

	// Failure injection
	FailNextQuotes    int
	AcceptErr         error
	CancelErr         error
	RejectPostalCodes map[string]string

	quoteCalls  int
	acceptCalls int
}

func NewSimulator() *Simulator {
	s := &Simulator{
		quotes:            make(map[string]*simQuote),
		addresses:         make(map[string]d.Address),
		now:               time.Now,
		RejectPostalCodes: make(map[string]string),
	}
	for _, a := range defaultAddresses {
		s.addresses[a.SuggestionID] = a
	}
	return s
}

var defaultAddresses = []d.Address{
	{SuggestionID: "addr-1", Formatted: "350 Fifth Ave, New York, NY 10118", Line1: "350 Fifth Ave", City: "New York", State: "NY", PostalCode: "10118", Lat: 40.7484, Lng: -73.9857},
	{SuggestionID: "addr-2", Formatted: "11 Wall St, New York, NY 10005", Line1: "11 Wall St", City: "New York", State: "NY", PostalCode: "10005", Lat: 40.7069, Lng: -74.0113},
	{SuggestionID: "addr-3", Formatted: "1 Infinite Loop, Cupertino, CA 95014", Line1: "1 Infinite Loop", City: "Cupertino", State: "CA", PostalCode: "95014", Lat: 37.3318, Lng: -122.0312},
}

// AddAddress registers a suggestion (used for initialization)
func (s *Simulator) AddAddress(a d.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[a.SuggestionID] = a
}

func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Simulator) QuoteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteCalls
}

func (s *Simulator) AcceptCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptCalls
}

// Deliveries counts quotes that became binding deliveries.
func (s *Simulator) Deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.quotes {
		if q.deliveryID != "" {
			n++
		}
	}
	return n
}

func (s *Simulator) Status(externalID string) (d.QuoteStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[externalID]
	if !ok {
		return "", false
	}
	return q.status, true
}

func simFee(items []Item) d.Cents {
	qty := 0
	for _, it := range items {
		qty += it.Quantity
	}
	fee := simBaseFee
	if qty > 1 {
		fee += simPerItemFee * d.Cents(qty-1)
	}
	return d.MinCents(fee, simMaxFee)
}

func inputsKey(req QuoteRequest) string {
	return req.Dropoff.SuggestionID + "|" + req.Dropoff.PostalCode + "|" + req.OrderValue.String() + "|" + req.Tip.String()
}

func (s *Simulator) CreateQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++

	if s.FailNextQuotes > 0 {
		s.FailNextQuotes--
		return Quote{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(req.Dropoff.Line1) == "" {
		return Quote{}, &AddressValidationError{Fields: map[string]string{"dropoff_address": "street address is required"}}
	}
	if msg, reject := s.RejectPostalCodes[req.Dropoff.PostalCode]; reject {
		return Quote{}, &AddressValidationError{Fields: map[string]string{"dropoff_address": msg}}
	}

	now := s.now()
	key := inputsKey(req)
	if q, exists := s.quotes[req.ExternalID]; exists {
		switch q.status {
		case d.QuoteStatusAccepted:
			return Quote{ExternalID: q.externalID, Fee: q.fee, ExpiresAt: q.expiresAt}, nil
		case d.QuoteStatusCancelled:
			return Quote{}, ErrQuoteCancelled
		}
		if q.inputs == key && now.Before(q.expiresAt) {
			return Quote{ExternalID: q.externalID, Fee: q.fee, ExpiresAt: q.expiresAt}, nil
		}
		// Changed inputs or expired: re-price under the same id.
		q.fee = simFee(req.Items)
		q.inputs = key
		q.status = d.QuoteStatusQuoted
		q.expiresAt = now.Add(QuoteTTL)
		return Quote{ExternalID: q.externalID, Fee: q.fee, ExpiresAt: q.expiresAt}, nil
	}

	q := &simQuote{
		externalID: req.ExternalID,
		fee:        simFee(req.Items),
		status:     d.QuoteStatusQuoted,
		inputs:     key,
		expiresAt:  now.Add(QuoteTTL),
	}
	s.quotes[req.ExternalID] = q
	return Quote{ExternalID: q.externalID, Fee: q.fee, ExpiresAt: q.expiresAt}, nil
}

// AcceptQuote is idempotent: accepting an accepted quote returns the same
// delivery id.
func (s *Simulator) AcceptQuote(ctx context.Context, externalID string, _ d.Cents) (Acceptance, error) {
	if err := ctx.Err(); err != nil {
		return Acceptance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptCalls++

	if s.AcceptErr != nil {
		return Acceptance{}, s.AcceptErr
	}

	q, exists := s.quotes[externalID]
	if !exists {
		return Acceptance{}, ErrQuoteNotFound
	}
	switch q.status {
	case d.QuoteStatusAccepted:
		return Acceptance{ExternalID: externalID, DeliveryID: q.deliveryID}, nil
	case d.QuoteStatusCancelled:
		return Acceptance{}, ErrQuoteCancelled
	}
	if !s.now().Before(q.expiresAt) {
		q.status = d.QuoteStatusExpired
		return Acceptance{}, ErrQuoteExpired
	}

	q.status = d.QuoteStatusAccepted
	q.deliveryID = "dlv-" + uuid.New().String()
	return Acceptance{ExternalID: externalID, DeliveryID: q.deliveryID}, nil
}

func (s *Simulator) Cancel(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CancelErr != nil {
		return s.CancelErr
	}
	q, exists := s.quotes[externalID]
	if !exists {
		return ErrQuoteNotFound
	}
	q.status = d.QuoteStatusCancelled
	return nil
}

func (s *Simulator) SuggestAddresses(_ context.Context, query string) ([]Suggestion, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Suggestion
	for _, a := range s.addresses {
		if strings.Contains(strings.ToLower(a.Formatted), query) {
			out = append(out, Suggestion{ID: a.SuggestionID, Description: a.Formatted})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Simulator) ResolveSuggestion(_ context.Context, suggestionID string) (d.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.addresses[suggestionID]
	if !ok {
		return d.Address{}, ErrSuggestionNotFound
	}
	return a, nil
}
