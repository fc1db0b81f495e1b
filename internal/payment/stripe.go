package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway talks to Stripe through a client bound to one secret key.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a gateway. backends may be nil to use the default Stripe endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, backends)}
}

// CreatePaymentIntent creates a payment intent with automatic payment methods.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, errNew := g.api.PaymentIntents.New(params)
	if errNew != nil {
		return Intent{}, fmt.Errorf("payment: create payment intent: %w", errNew)
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// PaymentIntentStatus returns the current status of a payment intent.
func (g *StripeGateway) PaymentIntentStatus(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, errGet := g.api.PaymentIntents.Get(paymentIntentID, params)
	if errGet != nil {
		return "", fmt.Errorf("payment: get payment intent %s: %w", paymentIntentID, errGet)
	}
	return string(pi.Status), nil
}

// CustomerEmail returns the email on file for a customer.
func (g *StripeGateway) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, errGet := g.api.Customers.Get(customerID, params)
	if errGet != nil {
		if stripeErr, ok := errGet.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return "", ErrCustomerNotFound
		}
		return "", fmt.Errorf("payment: get customer %s: %w", customerID, errGet)
	}
	if cust.Deleted {
		return "", ErrCustomerNotFound
	}
	return strings.ToLower(strings.TrimSpace(cust.Email)), nil
}
