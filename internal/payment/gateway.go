// Package payment wraps the payment processor behind a narrow Gateway interface.
package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Payment intent statuses reported by the processor.
const (
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
	StatusProcessing            = "processing"
	StatusRequiresPaymentMethod = "requires_payment_method"
)

// MetadataTypeCreditRecharge tags payment intents created for credit recharges.
const MetadataTypeCreditRecharge = "credit_recharge"

var (
	// ErrNotConfigured is returned when no processor key is configured.
	ErrNotConfigured = errors.New("payment: gateway not configured")
	// ErrCustomerNotFound is returned for a missing or deleted customer.
	ErrCustomerNotFound = errors.New("payment: customer not found")
)

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is a created payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// Gateway is the subset of the payment processor the credit subsystem needs.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	PaymentIntentStatus(ctx context.Context, paymentIntentID string) (string, error)
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

// MinorUnits converts a price in currency units to the processor's smallest unit.
func MinorUnits(price decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return price.Round(0).IntPart()
	}
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Disabled is a Gateway used when no processor key is configured.
type Disabled struct{}

// CreatePaymentIntent always fails with ErrNotConfigured.
func (Disabled) CreatePaymentIntent(context.Context, IntentRequest) (Intent, error) {
	return Intent{}, ErrNotConfigured
}

// PaymentIntentStatus always fails with ErrNotConfigured.
func (Disabled) PaymentIntentStatus(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// CustomerEmail always fails with ErrNotConfigured.
func (Disabled) CustomerEmail(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}
