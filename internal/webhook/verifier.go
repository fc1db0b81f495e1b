package webhook

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrSignatureInvalid is returned when an event's signature cannot be verified.
var ErrSignatureInvalid = errors.New("webhook: invalid signature")

// Verifier checks Stripe-Signature headers against the endpoint secret.
type Verifier struct {
	secret string
}

// NewVerifier builds a verifier. An empty secret rejects every event.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify authenticates the raw payload and decodes the event envelope.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	if v == nil || v.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: endpoint secret not configured", ErrSignatureInvalid)
	}
	if signature == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}
	evt, errConstruct := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if errConstruct != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, errConstruct)
	}
	return evt, nil
}
