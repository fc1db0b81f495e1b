// Package paymenttest provides an in-memory payment.Gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/faceswap-studio/creditcore/internal/payment"
)

// Gateway is a scriptable in-memory payment gateway.
type Gateway struct {
	mu sync.Mutex

	Requests  []payment.IntentRequest
	Statuses  map[string]string
	Emails    map[string]string
	CreateErr error
	StatusErr error

	next int
}

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{Statuses: map[string]string{}, Emails: map[string]string{}}
}

// CreatePaymentIntent records the request and returns pi_test_<n>.
func (g *Gateway) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.CreateErr != nil {
		return payment.Intent{}, g.CreateErr
	}
	g.next++
	id := fmt.Sprintf("pi_test_%d", g.next)
	g.Statuses[id] = payment.StatusRequiresPaymentMethod
	return payment.Intent{ID: id, ClientSecret: id + "_secret", Status: payment.StatusRequiresPaymentMethod}, nil
}

// PaymentIntentStatus returns the scripted status.
func (g *Gateway) PaymentIntentStatus(_ context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StatusErr != nil {
		return "", g.StatusErr
	}
	status, ok := g.Statuses[id]
	if !ok {
		return "", fmt.Errorf("paymenttest: unknown payment intent %s", id)
	}
	return status, nil
}

// SetStatus scripts the status of a payment intent.
func (g *Gateway) SetStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Statuses[id] = status
}

// CustomerEmail returns the scripted email or payment.ErrCustomerNotFound.
func (g *Gateway) CustomerEmail(_ context.Context, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	email, ok := g.Emails[customerID]
	if !ok {
		return "", payment.ErrCustomerNotFound
	}
	return email, nil
}
