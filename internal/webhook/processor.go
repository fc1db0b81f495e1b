// Package webhook verifies payment processor events and applies them to the credit ledger.
//
// The processor does not deduplicate by event id before dispatch: every state-changing path it
// calls is idempotent on its own (recharge completion checks for an existing ledger entry,
// subscription bonuses are keyed by subscription and period). The webhook_events table is a
// delivery log for operators, and the optional Redis lock only keeps two concurrent deliveries of
// one event from racing.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faceswap-studio/creditcore/internal/metrics"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/retry"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingRechargeReference is returned for a recharge payment without a recharge id.
	ErrMissingRechargeReference = errors.New("webhook: missing recharge reference")
	// ErrProcessingFailed is returned when dispatch still fails after every retry.
	ErrProcessingFailed = errors.New("webhook: processing failed")
)

// Outcome summarizes how an event was handled.
type Outcome string

// Outcome constants.
const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Result is returned for every verified event.
type Result struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
	Attempts  int     `json:"attempts"`
	Error     string  `json:"error,omitempty"`
}

// Processor verifies, logs and dispatches events.
type Processor struct {
	db            *gorm.DB
	verifier      *Verifier
	recharges     *recharge.Manager
	subscriptions *subscription.Service
	locker        Locker
	policy        retry.Policy
	metrics       *metrics.Metrics
	now           func() time.Time
}

// Options configures a Processor. Locker and Metrics are optional.
type Options struct {
	DB            *gorm.DB
	Verifier      *Verifier
	Recharges     *recharge.Manager
	Subscriptions *subscription.Service
	Locker        Locker
	Policy        retry.Policy
	Metrics       *metrics.Metrics
}

// NewProcessor builds a processor.
func NewProcessor(opts Options) *Processor {
	locker := opts.Locker
	if locker == nil {
		locker = NoopLocker{}
	}
	policy := opts.Policy
	if policy.Validate() != nil {
		policy = retry.DefaultPolicy()
	}
	return &Processor{
		db:            opts.DB,
		verifier:      opts.Verifier,
		recharges:     opts.Recharges,
		subscriptions: opts.Subscriptions,
		locker:        locker,
		policy:        policy,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
}

// Handle processes one delivery. It returns ErrSignatureInvalid, ErrEventInFlight or
// ErrProcessingFailed for deliveries the sender should see as failed; permanent dispatch errors
// are recorded and reported through Result with a nil error so the sender stops redelivering.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	evt, errVerify := p.verifier.Verify(payload, signature)
	if errVerify != nil {
		p.metrics.WebhookEvent("unknown", "signature_invalid")
		log.WithError(errVerify).Warn("webhook: signature verification failed")
		return Result{}, errVerify
	}
	result := Result{EventID: evt.ID, EventType: string(evt.Type)}
	p.recordDelivery(ctx, result.EventID, result.EventType, payload)

	parsed, errParse := Parse(evt)
	if errParse != nil {
		result.Outcome = OutcomeFailed
		result.Error = errParse.Error()
		p.finish(ctx, &result)
		return result, nil
	}

	// The event row is shared by every delivery of the event; the lock holder records the outcome.
	release, errLock := p.locker.Acquire(ctx, result.EventID)
	if errLock != nil {
		p.metrics.WebhookEvent(result.EventType, "in_flight")
		log.WithField("event_id", result.EventID).Info("webhook: concurrent delivery rejected")
		return result, errLock
	}
	defer release()

	var outcome Outcome
	permanent := false
	res, errDispatch := retry.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		var errAttempt error
		outcome, errAttempt = p.dispatch(ctx, parsed)
		if errAttempt != nil && retry.IsPermanent(errAttempt) {
			permanent = true
		}
		return errAttempt
	}, func(attempt int, err error) {
		p.metrics.WebhookRetry(result.EventType)
		log.WithError(err).WithFields(log.Fields{
			"event_id": result.EventID,
			"attempt":  attempt,
		}).Warn("webhook: dispatch failed, retrying")
	})
	result.Attempts = res.Attempts

	if errDispatch == nil {
		result.Outcome = outcome
		p.finish(ctx, &result)
		return result, nil
	}
	result.Outcome = OutcomeFailed
	result.Error = errDispatch.Error()
	p.finish(ctx, &result)
	if permanent {
		return result, nil
	}
	return result, fmt.Errorf("%w: %s after %d attempts: %v", ErrProcessingFailed, result.EventID, result.Attempts, errDispatch)
}

// dispatch applies one event. Errors the sender cannot fix by redelivering are wrapped with
// retry.Permanent.
func (p *Processor) dispatch(ctx context.Context, evt Event) (Outcome, error) {
	switch e := evt.(type) {
	case PaymentSucceeded:
		if e.Metadata["type"] != payment.MetadataTypeCreditRecharge {
			return OutcomeIgnored, nil
		}
		rechargeID := e.Metadata["recharge_id"]
		if rechargeID == "" {
			return OutcomeFailed, retry.Permanent(fmt.Errorf("%w: payment intent %s", ErrMissingRechargeReference, e.PaymentIntentID))
		}
		res, errComplete := p.recharges.CompleteRecharge(ctx, rechargeID, e.PaymentIntentID)
		if errComplete != nil {
			if errors.Is(errComplete, recharge.ErrRechargeNotFound) ||
				errors.Is(errComplete, recharge.ErrReferenceMismatch) ||
				errors.Is(errComplete, recharge.ErrInvalidTransition) {
				return OutcomeFailed, retry.Permanent(errComplete)
			}
			return OutcomeFailed, errComplete
		}
		if res.Duplicate {
			return OutcomeDuplicate, nil
		}
		return OutcomeProcessed, nil

	case PaymentFailed:
		log.WithFields(log.Fields{
			"payment_intent_id": e.PaymentIntentID,
			"recharge_id":       e.Metadata["recharge_id"],
			"reason":            e.FailureMessage,
		}).Info("webhook: payment attempt failed, recharge stays pending")
		return OutcomeIgnored, nil

	case SubscriptionChanged:
		res, errApply := p.subscriptions.Apply(ctx, e.Change)
		if errApply != nil {
			return OutcomeFailed, errApply
		}
		if res.Duplicate || res.Stale {
			return OutcomeDuplicate, nil
		}
		return OutcomeProcessed, nil

	case Unsupported:
		log.WithField("event_type", e.Type).Debug("webhook: unsupported event type ignored")
		return OutcomeIgnored, nil
	}
	return OutcomeIgnored, nil
}

func (p *Processor) recordDelivery(ctx context.Context, eventID, eventType string, payload []byte) {
	now := p.now().UTC()
	row := models.WebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		Payload:    datatypes.JSON(payload),
		Status:     models.WebhookEventStatusReceived,
		Deliveries: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	errUpsert := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"deliveries": gorm.Expr("webhook_events.deliveries + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if errUpsert != nil {
		log.WithError(errUpsert).WithField("event_id", eventID).Warn("webhook: record delivery")
	}
}

func (p *Processor) finish(ctx context.Context, result *Result) {
	p.metrics.WebhookEvent(result.EventType, string(result.Outcome))

	now := p.now().UTC()
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + ?", result.Attempts),
		"last_error": result.Error,
		"updated_at": now,
	}
	switch result.Outcome {
	case OutcomeFailed:
		updates["status"] = models.WebhookEventStatusFailed
	case OutcomeIgnored:
		updates["status"] = models.WebhookEventStatusIgnored
	default:
		updates["status"] = models.WebhookEventStatusProcessed
		updates["processed_at"] = now
	}
	if errUpdate := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ?", result.EventID).
		Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("event_id", result.EventID).Warn("webhook: record outcome")
	}

	fields := log.Fields{
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"outcome":    result.Outcome,
		"attempts":   result.Attempts,
	}
	if result.Outcome == OutcomeFailed {
		log.WithFields(fields).WithField("error", result.Error).Error("webhook: event failed")
		return
	}
	log.WithFields(fields).Info("webhook: event handled")
}
