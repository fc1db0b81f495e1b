// Package recharge manages credit purchases from intent creation to completion.
package recharge

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
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Intent is a recharge as returned to callers.
type Intent struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	PackageID       string    `json:"package_id"`
	Credits         int64     `json:"credits"`
	Price           string    `json:"price"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	ClientSecret    string    `json:"client_secret,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key"`
	CreatedAt       time.Time `json:"created_at"`
}

// CompletionResult is the outcome of CompleteRecharge.
type CompletionResult struct {
	Success       bool   `json:"success"`
	RechargeID    string `json:"recharge_id"`
	UserID        string `json:"user_id"`
	NewBalance    int64  `json:"new_balance"`
	Duplicate     bool   `json:"duplicate"`
	Repaired      bool   `json:"repaired,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Package is a purchasable credit package.
type Package struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

// Manager creates and completes recharges.
type Manager struct {
	db      *gorm.DB
	ledger  *ledger.Service
	gateway payment.Gateway
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager wires a manager. m may be nil.
func NewManager(db *gorm.DB, ledgerSvc *ledger.Service, gateway payment.Gateway, m *metrics.Metrics) *Manager {
	if gateway == nil {
		gateway = payment.Disabled{}
	}
	return &Manager{db: db, ledger: ledgerSvc, gateway: gateway, metrics: m, now: time.Now}
}

// CreateRecharge starts a purchase with a freshly generated idempotency key.
func (m *Manager) CreateRecharge(ctx context.Context, userID, packageID string) (Intent, error) {
	return m.CreateRechargeIntent(ctx, userID, packageID, uuid.NewString())
}

// CreateRechargeIntent creates a pending recharge for a package, or returns the recharge already
// created with the same (user, idempotency key). A payment gateway failure leaves the recharge
// pending without a payment reference and is returned together with the intent. Replaying the
// key for such a recharge asks the gateway again.
func (m *Manager) CreateRechargeIntent(ctx context.Context, userID, packageID, idempotencyKey string) (Intent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Intent{}, ledger.ErrEmptyUserID
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return Intent{}, ErrMissingIdempotencyKey
	}
	conn := m.db.WithContext(ctx)

	existing, errExisting := m.findByKey(conn, userID, idempotencyKey)
	if errExisting != nil {
		return Intent{}, errExisting
	}
	if existing != nil {
		if existing.Status == models.RechargeStatusPending && existing.PaymentIntentID == nil {
			return m.requestPayment(ctx, conn, *existing)
		}
		return intentFromModel(*existing), nil
	}

	var pkg models.CreditPackage
	if errFind := conn.Where("id = ? AND is_active = ?", strings.TrimSpace(packageID), true).Take(&pkg).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithField("package_id", packageID).Warn("recharge: package not found")
			return Intent{}, ErrPackageNotFound
		}
		return Intent{}, fmt.Errorf("recharge: load package: %w", errFind)
	}

	meta, errMeta := json.Marshal(rechargeMeta{
		IdempotencyKey: idempotencyKey,
		PackageID:      pkg.ID,
		PackageName:    pkg.Name,
	})
	if errMeta != nil {
		return Intent{}, fmt.Errorf("recharge: encode metadata: %w", errMeta)
	}
	now := m.now().UTC()
	rec := models.Recharge{
		ID:             uuid.NewString(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		PackageID:      pkg.ID,
		Credits:        pkg.Credits,
		Price:          pkg.Price,
		Currency:       pkg.Currency,
		Status:         models.RechargeStatusPending,
		Metadata:       datatypes.JSON(meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errCreate := conn.Create(&rec).Error; errCreate != nil {
		// A concurrent create with the same key wins the unique index.
		if winner, errFind := m.findByKey(conn, userID, idempotencyKey); errFind == nil && winner != nil {
			return intentFromModel(*winner), nil
		}
		return Intent{}, fmt.Errorf("recharge: create: %w", errCreate)
	}
	log.WithFields(log.Fields{
		"recharge_id": rec.ID,
		"user_id":     userID,
		"package_id":  pkg.ID,
	}).Info("recharge: pending intent created")

	return m.requestPayment(ctx, conn, rec)
}

// requestPayment creates the gateway payment for a pending recharge and stores its reference.
// The recharge id is the gateway idempotency key, so a repeated call yields the same payment.
func (m *Manager) requestPayment(ctx context.Context, conn *gorm.DB, rec models.Recharge) (Intent, error) {
	out := intentFromModel(rec)
	meta, errMeta := decodeRechargeMeta(rec.Metadata)
	if errMeta != nil {
		return out, errMeta
	}
	name := meta.PackageName
	if name == "" {
		name = rec.PackageID
	}
	pi, errPI := m.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{
		AmountMinor: payment.MinorUnits(rec.Price, rec.Currency),
		Currency:    rec.Currency,
		Description: fmt.Sprintf("%s (%d credits)", name, rec.Credits),
		Metadata: map[string]string{
			"type":        payment.MetadataTypeCreditRecharge,
			"recharge_id": rec.ID,
			"user_id":     rec.UserID,
			"package_id":  rec.PackageID,
		},
		IdempotencyKey: rec.ID,
	})
	if errPI != nil {
		log.WithError(errPI).WithField("recharge_id", rec.ID).Warn("recharge: payment intent creation failed")
		return out, fmt.Errorf("recharge: create payment intent: %w", errPI)
	}
	if errUpdate := conn.Model(&models.Recharge{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{"payment_intent_id": pi.ID, "updated_at": m.now().UTC()}).Error; errUpdate != nil {
		return out, fmt.Errorf("recharge: store payment reference: %w", errUpdate)
	}
	out.PaymentIntentID = pi.ID
	out.ClientSecret = pi.ClientSecret
	return out, nil
}

// CompleteRecharge marks a recharge completed and credits it exactly once. Redelivered
// completions return Duplicate without side effects. A completed recharge that has no ledger entry
// is credited by the same path.
func (m *Manager) CompleteRecharge(ctx context.Context, rechargeID, paymentIntentID string) (CompletionResult, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return CompletionResult{}, ErrReferenceMismatch
	}
	return m.complete(ctx, rechargeID, paymentIntentID)
}

// RepairRecharge re-runs completion with the recharge's stored payment reference.
func (m *Manager) RepairRecharge(ctx context.Context, rechargeID string) (CompletionResult, error) {
	return m.complete(ctx, rechargeID, "")
}

func (m *Manager) complete(ctx context.Context, rechargeID, paymentIntentID string) (CompletionResult, error) {
	rechargeID = strings.TrimSpace(rechargeID)
	var result CompletionResult
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Recharge
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", rechargeID).Take(&rec).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrRechargeNotFound
			}
			return fmt.Errorf("recharge: load: %w", errFind)
		}
		stored := ""
		if rec.PaymentIntentID != nil {
			stored = *rec.PaymentIntentID
		}
		if paymentIntentID != "" && stored != "" && stored != paymentIntentID {
			return fmt.Errorf("%w: recharge %s has %s, got %s", ErrReferenceMismatch, rec.ID, stored, paymentIntentID)
		}
		if rec.Status == models.RechargeStatusFailed {
			return fmt.Errorf("%w: recharge %s is failed", ErrInvalidTransition, rec.ID)
		}
		result.RechargeID = rec.ID
		result.UserID = rec.UserID

		var credited int64
		if errCount := tx.Model(&models.CreditTransaction{}).
			Where("related_recharge_id = ? AND type = ?", rec.ID, models.TransactionTypeRecharge).
			Count(&credited).Error; errCount != nil {
			return fmt.Errorf("recharge: check ledger entry: %w", errCount)
		}
		now := m.now().UTC()
		if credited > 0 {
			if rec.Status != models.RechargeStatusCompleted {
				if errUpdate := tx.Model(&models.Recharge{}).Where("id = ?", rec.ID).
					Updates(map[string]any{"status": models.RechargeStatusCompleted, "completed_at": now, "updated_at": now}).Error; errUpdate != nil {
					return fmt.Errorf("recharge: mark completed: %w", errUpdate)
				}
			}
			var balance int64
			if errBalance := tx.Model(&models.CreditBalance{}).Select("balance").
				Where("user_id = ?", rec.UserID).Scan(&balance).Error; errBalance != nil {
				return fmt.Errorf("recharge: read balance: %w", errBalance)
			}
			result.Success = true
			result.Duplicate = true
			result.NewBalance = balance
			return nil
		}

		updates := map[string]any{"updated_at": now}
		if rec.Status == models.RechargeStatusCompleted {
			result.Repaired = true
		} else {
			updates["status"] = models.RechargeStatusCompleted
			updates["completed_at"] = now
		}
		if stored == "" && paymentIntentID != "" {
			updates["payment_intent_id"] = paymentIntentID
			stored = paymentIntentID
		}
		if errUpdate := tx.Model(&models.Recharge{}).Where("id = ?", rec.ID).Updates(updates).Error; errUpdate != nil {
			return fmt.Errorf("recharge: mark completed: %w", errUpdate)
		}

		added, errAdd := m.ledger.AddCreditsTx(ctx, tx, ledger.AddParams{
			UserID:            rec.UserID,
			Amount:            rec.Credits,
			Type:              models.TransactionTypeRecharge,
			Description:       fmt.Sprintf("Recharge %s (%d credits)", rec.PackageID, rec.Credits),
			Metadata:          map[string]any{"payment_intent_id": stored, "package_id": rec.PackageID},
			RelatedRechargeID: rec.ID,
		})
		if errAdd != nil {
			return errAdd
		}
		result.Success = true
		result.NewBalance = added.NewBalance
		result.TransactionID = added.TransactionID
		return nil
	})
	if errTx != nil {
		return CompletionResult{}, errTx
	}
	fields := log.Fields{"recharge_id": result.RechargeID, "user_id": result.UserID, "balance": result.NewBalance}
	switch {
	case result.Duplicate:
		log.WithFields(fields).Info("recharge: duplicate completion ignored")
	case result.Repaired:
		m.metrics.LedgerMutation(string(models.TransactionTypeRecharge))
		log.WithFields(fields).Warn("recharge: orphaned completion credited")
	default:
		m.metrics.LedgerMutation(string(models.TransactionTypeRecharge))
		log.WithFields(fields).Info("recharge: completed")
	}
	return result, nil
}

// FailRecharge moves a pending recharge to failed.
func (m *Manager) FailRecharge(ctx context.Context, rechargeID, reason string) error {
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Recharge
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", rechargeID).Take(&rec).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrRechargeNotFound
			}
			return fmt.Errorf("recharge: load: %w", errFind)
		}
		if rec.Status != models.RechargeStatusPending {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, rec.Status)
		}
		meta := map[string]any{}
		if len(rec.Metadata) > 0 {
			if errDecode := json.Unmarshal(rec.Metadata, &meta); errDecode != nil {
				return fmt.Errorf("recharge: decode metadata: %w", errDecode)
			}
		}
		meta["failure_reason"] = reason
		encoded, errEncode := json.Marshal(meta)
		if errEncode != nil {
			return fmt.Errorf("recharge: encode metadata: %w", errEncode)
		}
		now := m.now().UTC()
		return tx.Model(&models.Recharge{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"status":     models.RechargeStatusFailed,
			"failed_at":  now,
			"metadata":   datatypes.JSON(encoded),
			"updated_at": now,
		}).Error
	})
	if errTx != nil {
		return errTx
	}
	log.WithFields(log.Fields{"recharge_id": rechargeID, "reason": reason}).Info("recharge: marked failed")
	return nil
}

// Get returns a recharge by id.
func (m *Manager) Get(ctx context.Context, rechargeID string) (Intent, error) {
	var rec models.Recharge
	if errFind := m.db.WithContext(ctx).Where("id = ?", rechargeID).Take(&rec).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Intent{}, ErrRechargeNotFound
		}
		return Intent{}, fmt.Errorf("recharge: load: %w", errFind)
	}
	return intentFromModel(rec), nil
}

// ListPackages returns active packages, cheapest in credits first.
func (m *Manager) ListPackages(ctx context.Context) ([]Package, error) {
	var rows []models.CreditPackage
	if errFind := m.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("credits ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("recharge: list packages: %w", errFind)
	}
	out := make([]Package, 0, len(rows))
	for _, row := range rows {
		out = append(out, Package{
			ID:       row.ID,
			Name:     row.Name,
			Credits:  row.Credits,
			Price:    row.Price.StringFixed(2),
			Currency: row.Currency,
		})
	}
	return out, nil
}

func (m *Manager) findByKey(conn *gorm.DB, userID, key string) (*models.Recharge, error) {
	var rec models.Recharge
	errFind := conn.Where("user_id = ? AND idempotency_key = ?", userID, key).Take(&rec).Error
	if errFind == nil {
		return &rec, nil
	}
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("recharge: load by idempotency key: %w", errFind)
}

// rechargeMeta is the metadata stored on a recharge at creation.
type rechargeMeta struct {
	IdempotencyKey string `json:"idempotency_key"`
	PackageID      string `json:"package_id"`
	PackageName    string `json:"package_name"`
}

func decodeRechargeMeta(raw datatypes.JSON) (rechargeMeta, error) {
	var meta rechargeMeta
	if len(raw) == 0 {
		return meta, nil
	}
	if errDecode := json.Unmarshal(raw, &meta); errDecode != nil {
		return meta, fmt.Errorf("recharge: decode metadata: %w", errDecode)
	}
	return meta, nil
}

func intentFromModel(rec models.Recharge) Intent {
	out := Intent{
		ID:             rec.ID,
		UserID:         rec.UserID,
		PackageID:      rec.PackageID,
		Credits:        rec.Credits,
		Price:          rec.Price.StringFixed(2),
		Currency:       rec.Currency,
		Status:         string(rec.Status),
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.PaymentIntentID != nil {
		out.PaymentIntentID = *rec.PaymentIntentID
	}
	return out
}
