package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/faceswap-studio/creditcore/internal/db/dbtest"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment"
	"github.com/faceswap-studio/creditcore/internal/payment/paymenttest"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/retry"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type fixture struct {
	processor *Processor
	recharges *recharge.Manager
	ledger    *ledger.Service
	gateway   *flakyGateway
	db        *gorm.DB
}

// flakyGateway fails CustomerEmail for the first failures calls.
type flakyGateway struct {
	*paymenttest.Gateway
	failures int32
	calls    atomic.Int32
}

func (g *flakyGateway) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	if g.calls.Add(1) <= g.failures {
		return "", errors.New("connection reset")
	}
	return g.Gateway.CustomerEmail(ctx, customerID)
}

func newFixture(t *testing.T, locker Locker) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, conn.Create(&models.CreditPackage{
		ID: "starter", Name: "Starter", Credits: 100, Price: decimal.RequireFromString("4.99"), Currency: "usd", IsActive: true,
	}).Error)
	require.NoError(t, conn.Create(&models.SubscriptionPlan{
		PriceID: "price_monthly", Name: "Monthly", UnitAmount: 999, Currency: "usd", Interval: "month", Credits: 120, IsActive: true,
	}).Error)

	gw := &flakyGateway{Gateway: paymenttest.New()}
	ledgerSvc := ledger.NewService(conn, nil)
	recharges := recharge.NewManager(conn, ledgerSvc, gw, nil)
	subs := subscription.NewService(conn, ledgerSvc, gw, nil)
	proc := NewProcessor(Options{
		DB:            conn,
		Verifier:      NewVerifier(testSecret),
		Recharges:     recharges,
		Subscriptions: subs,
		Locker:        locker,
		Policy:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	return &fixture{processor: proc, recharges: recharges, ledger: ledgerSvc, gateway: gw, db: conn}
}

func eventPayload(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func paymentSucceeded(t *testing.T, eventID, paymentIntentID string, metadata map[string]string) []byte {
	return eventPayload(t, eventID, TypePaymentSucceeded, map[string]any{
		"id":       paymentIntentID,
		"object":   "payment_intent",
		"amount":   499,
		"currency": "usd",
		"status":   "succeeded",
		"metadata": metadata,
	})
}

func subscriptionEvent(t *testing.T, eventID, eventType, customer string) []byte {
	return eventPayload(t, eventID, eventType, map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             customer,
		"status":               "active",
		"current_period_start": 1700000000,
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":     "si_1",
				"object": "subscription_item",
				"price": map[string]any{
					"id":          "price_monthly",
					"object":      "price",
					"unit_amount": 999,
					"currency":    "usd",
					"recurring":   map[string]any{"interval": "month"},
				},
			}},
		},
	})
}

func loadEvent(t *testing.T, conn *gorm.DB, eventID string) models.WebhookEvent {
	t.Helper()
	var row models.WebhookEvent
	require.NoError(t, conn.Where("event_id = ?", eventID).Take(&row).Error)
	return row
}

func TestHandleRejectsBadSignatures(t *testing.T) {
	f := newFixture(t, nil)
	payload := paymentSucceeded(t, "evt_1", "pi_1", nil)

	_, err := f.processor.Handle(context.Background(), payload, sign(payload, "whsec_other"))
	require.ErrorIs(t, err, ErrSignatureInvalid)
	_, err = f.processor.Handle(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	unconfigured := NewVerifier("")
	_, err = unconfigured.Verify(payload, sign(payload, ""))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestHandleRedeliveredPaymentCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	intent, err := f.recharges.CreateRecharge(ctx, "u1", "starter")
	require.NoError(t, err)

	payload := paymentSucceeded(t, "evt_pay", intent.PaymentIntentID, map[string]string{
		"type":        payment.MetadataTypeCreditRecharge,
		"recharge_id": intent.ID,
		"user_id":     "u1",
	})

	first, err := f.processor.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, first.Outcome)

	second, err := f.processor.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second.Outcome)

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)

	row := loadEvent(t, f.db, "evt_pay")
	require.Equal(t, 2, row.Deliveries)
	require.Equal(t, models.WebhookEventStatusProcessed, row.Status)
	require.NotNil(t, row.ProcessedAt)
}

func TestHandleMissingRechargeReferenceIsPermanent(t *testing.T) {
	f := newFixture(t, nil)
	payload := paymentSucceeded(t, "evt_bad", "pi_9", map[string]string{"type": payment.MetadataTypeCreditRecharge})

	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Contains(t, res.Error, "missing recharge reference")

	row := loadEvent(t, f.db, "evt_bad")
	require.Equal(t, models.WebhookEventStatusFailed, row.Status)
	require.NotEmpty(t, row.LastError)
}

func TestHandleUnknownRechargeIsPermanent(t *testing.T) {
	f := newFixture(t, nil)
	payload := paymentSucceeded(t, "evt_unknown", "pi_9", map[string]string{
		"type":        payment.MetadataTypeCreditRecharge,
		"recharge_id": "nope",
	})
	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 1, res.Attempts)
}

func TestHandleIgnoresOtherPaymentsAndUnsupportedTypes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	other := paymentSucceeded(t, "evt_other", "pi_2", map[string]string{"type": "invoice"})
	res, err := f.processor.Handle(ctx, other, sign(other, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	unsupported := eventPayload(t, "evt_charge", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"})
	res, err = f.processor.Handle(ctx, unsupported, sign(unsupported, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, models.WebhookEventStatusIgnored, loadEvent(t, f.db, "evt_charge").Status)
}

func TestHandlePaymentFailedLeavesRechargePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	intent, err := f.recharges.CreateRecharge(ctx, "u1", "starter")
	require.NoError(t, err)

	payload := eventPayload(t, "evt_fail", TypePaymentFailed, map[string]any{
		"id":                 intent.PaymentIntentID,
		"object":             "payment_intent",
		"metadata":           map[string]string{"type": payment.MetadataTypeCreditRecharge, "recharge_id": intent.ID},
		"last_payment_error": map[string]any{"message": "card declined"},
	})
	res, err := f.processor.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	got, err := f.recharges.Get(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, "pending", got.Status)
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.db.Create(&models.UserProfile{ID: "u5", Email: "bob@example.com"}).Error)
	f.gateway.Emails["cus_1"] = "bob@example.com"
	f.gateway.failures = 2

	payload := subscriptionEvent(t, "evt_sub", TypeSubscriptionCreated, "cus_1")
	res, err := f.processor.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, 3, res.Attempts)

	bal, err := f.ledger.GetBalance(ctx, "u5")
	require.NoError(t, err)
	require.Equal(t, int64(120), bal.Balance)
	require.Equal(t, 3, loadEvent(t, f.db, "evt_sub").Attempts)
}

func TestHandleExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.failures = 100

	payload := subscriptionEvent(t, "evt_sub_fail", TypeSubscriptionCreated, "cus_1")
	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.ErrorIs(t, err, ErrProcessingFailed)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, int32(3), f.gateway.calls.Load())

	row := loadEvent(t, f.db, "evt_sub_fail")
	require.Equal(t, models.WebhookEventStatusFailed, row.Status)
	require.Contains(t, row.LastError, "connection reset")
}

func TestHandleUnlinkedSubscriptionSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	payload := subscriptionEvent(t, "evt_orphan", TypeSubscriptionCreated, "cus_unknown")
	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	var queued int64
	require.NoError(t, f.db.Model(&models.UnlinkedSubscription{}).Where("stripe_customer_id = ?", "cus_unknown").Count(&queued).Error)
	require.Equal(t, int64(1), queued)
}

func TestHandleMalformedSubscription(t *testing.T) {
	f := newFixture(t, nil)
	payload := eventPayload(t, "evt_malformed", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "object": "subscription"})
	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Contains(t, res.Error, "malformed")
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "evt_1")
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "evt_1")
	require.ErrorIs(t, err, ErrEventInFlight)

	release()
	releaseAgain, err := locker.Acquire(ctx, "evt_1")
	require.NoError(t, err)
	releaseAgain()

	_, err = locker.Acquire(ctx, "evt_2")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = locker.Acquire(ctx, "evt_2")
	require.NoError(t, err)
}

func TestHandleInFlightEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, time.Minute)
	f := newFixture(t, locker)

	release, err := locker.Acquire(context.Background(), "evt_busy")
	require.NoError(t, err)

	payload := paymentSucceeded(t, "evt_busy", "pi_1", map[string]string{"type": "other"})
	_, err = f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.ErrorIs(t, err, ErrEventInFlight)

	row := loadEvent(t, f.db, "evt_busy")
	require.Equal(t, 1, row.Deliveries)
	require.Equal(t, models.WebhookEventStatusReceived, row.Status)

	release()
	res, err := f.processor.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	row = loadEvent(t, f.db, "evt_busy")
	require.Equal(t, 2, row.Deliveries)
	require.Equal(t, models.WebhookEventStatusIgnored, row.Status)
}

func TestParseBuildsTypedEvents(t *testing.T) {
	v := NewVerifier(testSecret)
	payload := subscriptionEvent(t, "evt_p", TypeSubscriptionDeleted, "cus_1")
	evt, err := v.Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)

	parsed, err := Parse(evt)
	require.NoError(t, err)
	changed, ok := parsed.(SubscriptionChanged)
	require.True(t, ok, fmt.Sprintf("got %T", parsed))
	require.Equal(t, subscription.ActionDeleted, changed.Change.Action)
	require.Equal(t, "cus_1", changed.Change.CustomerID)
	require.Equal(t, "price_monthly", changed.Change.PriceID)
	require.Equal(t, int64(999), changed.Change.UnitAmount)
	require.Equal(t, "month", changed.Change.Interval)
	require.Equal(t, int64(1700000000), changed.Change.CurrentPeriodStart)
}
