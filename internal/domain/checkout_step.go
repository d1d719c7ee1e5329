package domain

// Step is the position of a CheckoutSession in the checkout state machine.
type Step string

const (
	StepCart        Step = "CART"
	StepContactInfo Step = "CONTACT_INFO"
	StepQuoteReview Step = "QUOTE_REVIEW"
	StepPayment     Step = "PAYMENT"
	StepCommitted   Step = "COMMITTED"
	StepAbandoned   Step = "ABANDONED"
	StepFailed      Step = "FAILED"
)

var transitions = map[Step][]Step{
	StepCart:        {StepContactInfo, StepAbandoned},
	StepContactInfo: {StepQuoteReview, StepPayment, StepAbandoned, StepFailed},
	StepQuoteReview: {StepPayment, StepContactInfo, StepAbandoned, StepFailed},
	StepPayment:     {StepCommitted, StepContactInfo, StepAbandoned, StepFailed},
}

// CanTransitionTo reports whether the state machine allows moving from one
// step to another. Terminal steps have no outgoing transitions.
func CanTransitionTo(from, to Step) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Step) IsTerminal() bool {
	return s == StepCommitted || s == StepAbandoned || s == StepFailed
}

// String representation (for logging)
func (s Step) String() string {
	return string(s)
}
