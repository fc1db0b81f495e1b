// Package subscription keeps the local view of processor subscriptions, links processor customers
// to users and grants the per-period subscription bonus exactly once.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/metrics"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Action is the kind of subscription change.
type Action string

// Action constants.
const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Customer link sources.
const (
	LinkedByEmail = "email"
	LinkedByAdmin = "admin"
)

var (
	// ErrUnlinkedNotFound is returned for an unknown unlinked queue entry.
	ErrUnlinkedNotFound = errors.New("subscription: unlinked entry not found")
	// ErrAlreadyResolved is returned when an unlinked entry was already linked.
	ErrAlreadyResolved = errors.New("subscription: unlinked entry already resolved")
)

// Change is a normalized subscription lifecycle event.
type Change struct {
	Action             Action `json:"action"`
	EventType          string `json:"event_type"`
	SubscriptionID     string `json:"subscription_id"`
	CustomerID         string `json:"customer_id"`
	Status             string `json:"status"`
	PriceID            string `json:"price_id"`
	UnitAmount         int64  `json:"unit_amount"`
	Currency           string `json:"currency"`
	Interval           string `json:"interval"`
	CurrentPeriodStart int64  `json:"current_period_start"`
}

// Grantable reports whether the change should credit the period bonus.
func (c Change) Grantable() bool {
	if c.Action == ActionDeleted {
		return false
	}
	return c.Status == "active" || c.Status == "trialing"
}

// Result describes what Apply did.
type Result struct {
	UserID        string `json:"user_id,omitempty"`
	Unlinked      bool   `json:"unlinked,omitempty"`
	Granted       bool   `json:"granted,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	NeedsReview   bool   `json:"needs_review,omitempty"`
	Stale         bool   `json:"stale,omitempty"`
	Credits       int64  `json:"credits,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Service applies subscription changes.
type Service struct {
	db      *gorm.DB
	ledger  *ledger.Service
	gateway payment.Gateway
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires a subscription service. m may be nil.
func NewService(db *gorm.DB, ledgerSvc *ledger.Service, gateway payment.Gateway, m *metrics.Metrics) *Service {
	if gateway == nil {
		gateway = payment.Disabled{}
	}
	return &Service{db: db, ledger: ledgerSvc, gateway: gateway, metrics: m, now: time.Now}
}

// Resolve maps a processor customer to a user, first through the stored link and then by the
// customer's email. An email match is persisted as a link. It returns "" when no user matches.
func (s *Service) Resolve(ctx context.Context, customerID string) (string, error) {
	conn := s.db.WithContext(ctx)
	var link models.CustomerLink
	errFind := conn.Where("stripe_customer_id = ?", customerID).Take(&link).Error
	if errFind == nil {
		return link.UserID, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("subscription: load customer link: %w", errFind)
	}

	email, errEmail := s.gateway.CustomerEmail(ctx, customerID)
	if errEmail != nil {
		if errors.Is(errEmail, payment.ErrCustomerNotFound) || errors.Is(errEmail, payment.ErrNotConfigured) {
			return "", nil
		}
		return "", errEmail
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", nil
	}
	var profile models.UserProfile
	if errProfile := conn.Where("email = ?", email).Order("created_at ASC").Take(&profile).Error; errProfile != nil {
		if errors.Is(errProfile, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("subscription: find profile by email: %w", errProfile)
	}
	link = models.CustomerLink{StripeCustomerID: customerID, UserID: profile.ID, LinkedBy: LinkedByEmail}
	if errCreate := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; errCreate != nil {
		return "", fmt.Errorf("subscription: persist customer link: %w", errCreate)
	}
	log.WithFields(log.Fields{"customer_id": customerID, "user_id": profile.ID}).Info("subscription: customer linked by email")
	return profile.ID, nil
}

// Apply records a subscription change. Unresolvable customers are queued for manual linking and
// the subscription is stored without an owner.
func (s *Service) Apply(ctx context.Context, c Change) (Result, error) {
	userID, errResolve := s.Resolve(ctx, c.CustomerID)
	if errResolve != nil {
		return Result{}, errResolve
	}
	if userID == "" {
		return s.queueUnlinked(ctx, c)
	}
	return s.applyLinked(ctx, c, userID)
}

func (s *Service) queueUnlinked(ctx context.Context, c Change) (Result, error) {
	payload, errEncode := json.Marshal(c)
	if errEncode != nil {
		return Result{}, fmt.Errorf("subscription: encode unlinked payload: %w", errEncode)
	}
	var result Result
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		_, stale, errUpsert := upsertSubscription(tx, c, nil, now)
		if errUpsert != nil {
			return errUpsert
		}
		result.Stale = stale
		entry := models.UnlinkedSubscription{
			StripeSubscriptionID: c.SubscriptionID,
			StripeCustomerID:     c.CustomerID,
			EventType:            c.EventType,
			Payload:              datatypes.JSON(payload),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if errQueue := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stripe_customer_id", "event_type", "payload", "updated_at"}),
		}).Create(&entry).Error; errQueue != nil {
			return fmt.Errorf("subscription: queue unlinked: %w", errQueue)
		}
		return nil
	})
	if errTx != nil {
		return Result{}, errTx
	}
	result.Unlinked = true
	log.WithFields(log.Fields{
		"subscription_id": c.SubscriptionID,
		"customer_id":     c.CustomerID,
		"event_type":      c.EventType,
	}).Warn("subscription: customer not linked to a user, queued for manual linking")
	return result, nil
}

func (s *Service) applyLinked(ctx context.Context, c Change, userID string) (Result, error) {
	result := Result{UserID: userID}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		owner := userID
		sub, stale, errUpsert := upsertSubscription(tx, c, &owner, now)
		if errUpsert != nil {
			return errUpsert
		}
		if errResolve := tx.Model(&models.UnlinkedSubscription{}).
			Where("stripe_subscription_id = ? AND resolved_at IS NULL", c.SubscriptionID).
			Updates(map[string]any{"resolved_user_id": userID, "resolved_at": now, "updated_at": now}).Error; errResolve != nil {
			return fmt.Errorf("subscription: resolve queue entry: %w", errResolve)
		}
		if stale {
			result.Stale = true
			return nil
		}
		if !c.Grantable() {
			return nil
		}

		var plan models.SubscriptionPlan
		errPlan := tx.Where("price_id = ? AND is_active = ?", c.PriceID, true).Take(&plan).Error
		if errors.Is(errPlan, gorm.ErrRecordNotFound) {
			result.NeedsReview = true
			return tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).
				Update("review_reason", fmt.Sprintf("unmapped price %s (%d %s/%s)", c.PriceID, c.UnitAmount, c.Currency, c.Interval)).Error
		}
		if errPlan != nil {
			return fmt.Errorf("subscription: load plan: %w", errPlan)
		}
		if sub.ReviewReason != "" {
			if errClear := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("review_reason", "").Error; errClear != nil {
				return fmt.Errorf("subscription: clear review: %w", errClear)
			}
		}

		var granted int64
		if errCount := tx.Model(&models.SubscriptionGrant{}).
			Where("stripe_subscription_id = ? AND period_start = ?", c.SubscriptionID, c.CurrentPeriodStart).
			Count(&granted).Error; errCount != nil {
			return fmt.Errorf("subscription: check grant: %w", errCount)
		}
		if granted > 0 {
			result.Duplicate = true
			return nil
		}

		added, errAdd := s.ledger.AddCreditsTx(ctx, tx, ledger.AddParams{
			UserID:      userID,
			Amount:      plan.Credits,
			Type:        models.TransactionTypeSubscription,
			Description: fmt.Sprintf("Subscription bonus: %s", plan.Name),
			Metadata: map[string]any{
				"subscription_id": c.SubscriptionID,
				"price_id":        c.PriceID,
				"period_start":    c.CurrentPeriodStart,
			},
		})
		if errAdd != nil {
			return errAdd
		}
		grant := models.SubscriptionGrant{
			StripeSubscriptionID: c.SubscriptionID,
			PeriodStart:          c.CurrentPeriodStart,
			UserID:               userID,
			Credits:              plan.Credits,
			TransactionID:        added.TransactionID,
			CreatedAt:            now,
		}
		if errGrant := tx.Create(&grant).Error; errGrant != nil {
			return fmt.Errorf("subscription: record grant: %w", errGrant)
		}
		result.Granted = true
		result.Credits = plan.Credits
		result.TransactionID = added.TransactionID
		return nil
	})
	if errTx != nil {
		return Result{}, errTx
	}

	fields := log.Fields{"subscription_id": c.SubscriptionID, "user_id": userID, "status": c.Status}
	switch {
	case result.Granted:
		s.metrics.LedgerMutation(string(models.TransactionTypeSubscription))
		log.WithFields(fields).WithField("credits", result.Credits).Info("subscription: bonus granted")
	case result.NeedsReview:
		log.WithFields(fields).WithField("price_id", c.PriceID).Warn("subscription: unmapped price, routed to review")
	case result.Stale:
		log.WithFields(fields).Info("subscription: change after cancellation ignored")
	}
	return result, nil
}

// upsertSubscription writes the local subscription row. A canceled subscription only accepts
// further deleted events; anything else is reported as stale.
func upsertSubscription(tx *gorm.DB, c Change, userID *string, now time.Time) (models.Subscription, bool, error) {
	var sub models.Subscription
	errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stripe_subscription_id = ?", c.SubscriptionID).
		Take(&sub).Error
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return sub, false, fmt.Errorf("subscription: load: %w", errFind)
	}
	exists := errFind == nil
	if exists && sub.CanceledAt != nil && c.Action != ActionDeleted {
		if userID != nil && sub.UserID == nil {
			if errOwner := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("user_id", *userID).Error; errOwner != nil {
				return sub, false, fmt.Errorf("subscription: assign owner: %w", errOwner)
			}
		}
		return sub, true, nil
	}

	status := c.Status
	var canceledAt *time.Time
	if c.Action == ActionDeleted {
		status = "canceled"
		canceledAt = &now
	}
	if !exists {
		sub = models.Subscription{
			StripeSubscriptionID: c.SubscriptionID,
			StripeCustomerID:     c.CustomerID,
			UserID:               userID,
			Status:               status,
			PriceID:              c.PriceID,
			UnitAmount:           c.UnitAmount,
			Currency:             c.Currency,
			Interval:             c.Interval,
			CurrentPeriodStart:   c.CurrentPeriodStart,
			CanceledAt:           canceledAt,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if errCreate := tx.Create(&sub).Error; errCreate != nil {
			return sub, false, fmt.Errorf("subscription: create: %w", errCreate)
		}
		return sub, false, nil
	}

	updates := map[string]any{
		"stripe_customer_id":   c.CustomerID,
		"status":               status,
		"price_id":             c.PriceID,
		"unit_amount":          c.UnitAmount,
		"currency":             c.Currency,
		"interval":             c.Interval,
		"current_period_start": c.CurrentPeriodStart,
		"updated_at":           now,
	}
	if userID != nil {
		updates["user_id"] = *userID
	}
	if canceledAt != nil {
		updates["canceled_at"] = *canceledAt
	}
	if errUpdate := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; errUpdate != nil {
		return sub, false, fmt.Errorf("subscription: update: %w", errUpdate)
	}
	if userID != nil {
		sub.UserID = userID
	}
	sub.Status = status
	return sub, false, nil
}

// Unlinked is a queued subscription awaiting manual linking.
type Unlinked struct {
	ID                   uint64     `json:"id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	EventType            string     `json:"event_type"`
	ResolvedUserID       *string    `json:"resolved_user_id,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ListUnlinked returns queue entries, unresolved only unless includeResolved is set.
func (s *Service) ListUnlinked(ctx context.Context, includeResolved bool) ([]Unlinked, error) {
	q := s.db.WithContext(ctx).Model(&models.UnlinkedSubscription{}).Order("created_at ASC")
	if !includeResolved {
		q = q.Where("resolved_at IS NULL")
	}
	var rows []models.UnlinkedSubscription
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: list unlinked: %w", errFind)
	}
	out := make([]Unlinked, 0, len(rows))
	for _, row := range rows {
		out = append(out, Unlinked{
			ID:                   row.ID,
			StripeSubscriptionID: row.StripeSubscriptionID,
			StripeCustomerID:     row.StripeCustomerID,
			EventType:            row.EventType,
			ResolvedUserID:       row.ResolvedUserID,
			ResolvedAt:           row.ResolvedAt,
			CreatedAt:            row.CreatedAt,
			UpdatedAt:            row.UpdatedAt,
		})
	}
	return out, nil
}

// Link resolves an unlinked entry to a user: the customer link is stored, the subscription gets
// its owner and the last queued change is applied through the normal idempotent path.
func (s *Service) Link(ctx context.Context, unlinkedID uint64, userID string) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ledger.ErrEmptyUserID
	}
	var entry models.UnlinkedSubscription
	if errFind := s.db.WithContext(ctx).Where("id = ?", unlinkedID).Take(&entry).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Result{}, ErrUnlinkedNotFound
		}
		return Result{}, fmt.Errorf("subscription: load unlinked: %w", errFind)
	}
	if entry.ResolvedAt != nil {
		return Result{}, ErrAlreadyResolved
	}
	var change Change
	if errDecode := json.Unmarshal(entry.Payload, &change); errDecode != nil {
		return Result{}, fmt.Errorf("subscription: decode queued change: %w", errDecode)
	}

	link := models.CustomerLink{StripeCustomerID: entry.StripeCustomerID, UserID: userID, LinkedBy: LinkedByAdmin}
	if errLink := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "linked_by"}),
	}).Create(&link).Error; errLink != nil {
		return Result{}, fmt.Errorf("subscription: store customer link: %w", errLink)
	}
	log.WithFields(log.Fields{"customer_id": entry.StripeCustomerID, "user_id": userID}).Info("subscription: customer linked by admin")
	return s.applyLinked(ctx, change, userID)
}
