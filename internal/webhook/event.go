package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/stripe/stripe-go/v76"
)

// Processor event types handled by the dispatcher.
const (
	TypePaymentSucceeded    = "payment_intent.succeeded"
	TypePaymentFailed       = "payment_intent.payment_failed"
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// ErrMalformedEvent is returned when a known event type lacks required fields.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// Event is one of PaymentSucceeded, PaymentFailed, SubscriptionChanged or Unsupported.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

// Header carries the envelope fields common to every event.
type Header struct {
	ID   string
	Type string
}

// EventID returns the processor event id.
func (h Header) EventID() string { return h.ID }

// EventType returns the processor event type.
func (h Header) EventType() string { return h.Type }

func (Header) isEvent() {}

// PaymentSucceeded is a confirmed payment intent.
type PaymentSucceeded struct {
	Header
	PaymentIntentID string
	Amount          int64
	Currency        string
	Metadata        map[string]string
}

// PaymentFailed is a failed payment attempt on an intent.
type PaymentFailed struct {
	Header
	PaymentIntentID string
	Metadata        map[string]string
	FailureMessage  string
}

// SubscriptionChanged is a subscription lifecycle event.
type SubscriptionChanged struct {
	Header
	Change subscription.Change
}

// Unsupported is any event type the processor does not act on.
type Unsupported struct {
	Header
}

// Parse validates a verified processor event and converts it to a typed Event.
func Parse(evt stripe.Event) (Event, error) {
	header := Header{ID: evt.ID, Type: string(evt.Type)}
	if header.ID == "" || header.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		if isKnown(header.Type) {
			return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, header.Type)
		}
		return Unsupported{Header: header}, nil
	}

	switch header.Type {
	case TypePaymentSucceeded, TypePaymentFailed:
		var pi stripe.PaymentIntent
		if errDecode := json.Unmarshal(evt.Data.Raw, &pi); errDecode != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, errDecode)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("%w: payment intent without id", ErrMalformedEvent)
		}
		if header.Type == TypePaymentFailed {
			out := PaymentFailed{Header: header, PaymentIntentID: pi.ID, Metadata: pi.Metadata}
			if pi.LastPaymentError != nil {
				out.FailureMessage = pi.LastPaymentError.Msg
			}
			return out, nil
		}
		return PaymentSucceeded{
			Header:          header,
			PaymentIntentID: pi.ID,
			Amount:          pi.Amount,
			Currency:        string(pi.Currency),
			Metadata:        pi.Metadata,
		}, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if errDecode := json.Unmarshal(evt.Data.Raw, &sub); errDecode != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, errDecode)
		}
		if sub.ID == "" || sub.Customer == nil || sub.Customer.ID == "" {
			return nil, fmt.Errorf("%w: subscription without id or customer", ErrMalformedEvent)
		}
		change := subscription.Change{
			Action:             subscription.Action(strings.TrimPrefix(header.Type, "customer.subscription.")),
			EventType:          header.Type,
			SubscriptionID:     sub.ID,
			CustomerID:         sub.Customer.ID,
			Status:             string(sub.Status),
			CurrentPeriodStart: sub.CurrentPeriodStart,
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			price := sub.Items.Data[0].Price
			change.PriceID = price.ID
			change.UnitAmount = price.UnitAmount
			change.Currency = string(price.Currency)
			if price.Recurring != nil {
				change.Interval = string(price.Recurring.Interval)
			}
		}
		return SubscriptionChanged{Header: header, Change: change}, nil
	}
	return Unsupported{Header: header}, nil
}

func isKnown(eventType string) bool {
	switch eventType {
	case TypePaymentSucceeded, TypePaymentFailed,
		TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		return true
	}
	return false
}
