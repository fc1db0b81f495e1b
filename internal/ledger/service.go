// Package ledger owns credit balances and the append-only credit transaction log.
//
// Every balance mutation runs in one database transaction that locks the user's balance row,
// updates it and appends exactly one transaction row, so the sum of a user's transaction amounts
// always equals the balance snapshot.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faceswap-studio/creditcore/internal/metrics"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Service is the credit ledger.
type Service struct {
	db      *gorm.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService constructs a ledger over db. m may be nil.
func NewService(db *gorm.DB, m *metrics.Metrics) *Service {
	return &Service{db: db, metrics: m, now: time.Now}
}

// AddCredits credits a user in its own transaction.
func (s *Service) AddCredits(ctx context.Context, p AddParams) (AddResult, error) {
	if errValidate := validateAdd(p); errValidate != nil {
		return AddResult{}, errValidate
	}
	var result AddResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errAdd error
		result, errAdd = s.AddCreditsTx(ctx, tx, p)
		return errAdd
	})
	if errTx != nil {
		return AddResult{}, errTx
	}
	s.metrics.LedgerMutation(string(p.Type))
	log.WithFields(log.Fields{
		"user_id": p.UserID,
		"type":    p.Type,
		"amount":  p.Amount,
		"balance": result.NewBalance,
	}).Info("ledger: credits added")
	return result, nil
}

// AddCreditsTx credits a user inside the caller's transaction. The caller commits.
func (s *Service) AddCreditsTx(ctx context.Context, tx *gorm.DB, p AddParams) (AddResult, error) {
	if errValidate := validateAdd(p); errValidate != nil {
		return AddResult{}, errValidate
	}
	tx = tx.WithContext(ctx)
	now := s.now().UTC()

	if p.Type == models.TransactionTypeRecharge && p.RelatedRechargeID != "" {
		var existing int64
		if errCount := tx.Model(&models.CreditTransaction{}).
			Where("related_recharge_id = ? AND type = ?", p.RelatedRechargeID, models.TransactionTypeRecharge).
			Count(&existing).Error; errCount != nil {
			return AddResult{}, fmt.Errorf("ledger: check recharge credit: %w", errCount)
		}
		if existing > 0 {
			return AddResult{}, ErrDuplicateRechargeCredit
		}
	}

	row, errLock := lockBalance(tx, p.UserID, now)
	if errLock != nil {
		return AddResult{}, errLock
	}
	newBalance := row.Balance + p.Amount
	if errUpdate := tx.Model(&models.CreditBalance{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			"balance":         gorm.Expr("balance + ?", p.Amount),
			"total_recharged": gorm.Expr("total_recharged + ?", p.Amount),
			"updated_at":      now,
		}).Error; errUpdate != nil {
		return AddResult{}, fmt.Errorf("ledger: update balance: %w", errUpdate)
	}

	entry := models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		Type:         p.Type,
		Amount:       p.Amount,
		BalanceAfter: newBalance,
		Description:  p.Description,
		CreatedAt:    now,
	}
	if p.RelatedRechargeID != "" {
		rechargeID := p.RelatedRechargeID
		entry.RelatedRechargeID = &rechargeID
	}
	meta, errMeta := encodeMetadata(p.Metadata)
	if errMeta != nil {
		return AddResult{}, errMeta
	}
	entry.Metadata = meta
	if errCreate := tx.Create(&entry).Error; errCreate != nil {
		return AddResult{}, fmt.Errorf("ledger: append transaction: %w", errCreate)
	}
	return AddResult{NewBalance: newBalance, TransactionID: entry.ID}, nil
}

// ConsumeCredits deducts the configured cost of actionType. The balance check and the deduction
// happen in the same transaction under a row lock, and the update itself is conditional on the
// balance still covering the cost.
func (s *Service) ConsumeCredits(ctx context.Context, userID, actionType, uploadID string) (ConsumeResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ConsumeResult{}, ErrEmptyUserID
	}
	cost, errCost := s.ActionCost(ctx, actionType)
	if errCost != nil {
		return ConsumeResult{}, errCost
	}

	var result ConsumeResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		row, errLock := lockBalance(tx, userID, now)
		if errLock != nil {
			return errLock
		}
		if row.Balance < cost {
			result = insufficient(row.Balance, cost)
			return nil
		}

		res := tx.Model(&models.CreditBalance{}).
			Where("user_id = ? AND balance >= ?", userID, cost).
			Updates(map[string]any{
				"balance":        gorm.Expr("balance - ?", cost),
				"total_consumed": gorm.Expr("total_consumed + ?", cost),
				"updated_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("ledger: deduct balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			result = insufficient(row.Balance, cost)
			return nil
		}

		after := row.Balance - cost
		entry := models.CreditTransaction{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         models.TransactionTypeConsumption,
			Amount:       -cost,
			BalanceAfter: after,
			Description:  "Consumed for " + actionType,
			CreatedAt:    now,
		}
		meta := map[string]any{"action_type": actionType}
		if uploadID != "" {
			upload := uploadID
			entry.RelatedUploadID = &upload
			meta["upload_id"] = uploadID
		}
		encoded, errMeta := encodeMetadata(meta)
		if errMeta != nil {
			return errMeta
		}
		entry.Metadata = encoded
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return fmt.Errorf("ledger: append transaction: %w", errCreate)
		}

		if uploadID != "" {
			stamp := tx.Model(&models.Upload{}).
				Where("id = ? AND user_id = ?", uploadID, userID).
				Updates(map[string]any{
					"credits_consumed": gorm.Expr("credits_consumed + ?", cost),
					"updated_at":       now,
				})
			if stamp.Error != nil {
				return fmt.Errorf("ledger: stamp upload: %w", stamp.Error)
			}
			if stamp.RowsAffected == 0 {
				log.WithField("upload_id", uploadID).Debug("ledger: consumed upload has no upload record")
			}
		}

		result = ConsumeResult{
			Success:        true,
			BalanceAfter:   after,
			AmountConsumed: cost,
			TransactionID:  entry.ID,
			Balance:        after,
			Required:       cost,
		}
		return nil
	})
	if errTx != nil {
		return ConsumeResult{}, errTx
	}
	if result.Success {
		s.metrics.LedgerMutation(string(models.TransactionTypeConsumption))
	} else {
		s.metrics.ConsumptionRejected(actionType)
		log.WithFields(log.Fields{
			"user_id":  userID,
			"action":   actionType,
			"balance":  result.Balance,
			"required": result.Required,
		}).Info("ledger: insufficient credits")
	}
	return result, nil
}

// CheckSufficientCredits reports whether the user's current balance covers actionType. It is
// advisory; ConsumeCredits re-checks atomically.
func (s *Service) CheckSufficientCredits(ctx context.Context, userID, actionType string) (bool, error) {
	cost, errCost := s.ActionCost(ctx, actionType)
	if errCost != nil {
		return false, errCost
	}
	bal, errBalance := s.GetBalance(ctx, userID)
	if errBalance != nil {
		return false, errBalance
	}
	return bal.Balance >= cost, nil
}

// ActionCost returns the credits required by an active action type.
func (s *Service) ActionCost(ctx context.Context, actionType string) (int64, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return 0, ErrUnknownActionType
	}
	var cfg models.ConsumptionConfig
	errFind := s.db.WithContext(ctx).
		Where("action_type = ? AND is_active = ?", actionType, true).
		Take(&cfg).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithField("action", actionType).Warn("ledger: unknown or inactive action type")
			return 0, ErrUnknownActionType
		}
		return 0, fmt.Errorf("ledger: load action config: %w", errFind)
	}
	if cfg.CreditsRequired <= 0 {
		return 0, ErrUnknownActionType
	}
	return cfg.CreditsRequired, nil
}

// GetBalance returns the user's balance, materializing a zero row on first access.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Balance{}, ErrEmptyUserID
	}
	var row models.CreditBalance
	errFind := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errFind == nil {
		return balanceFromModel(row), nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Balance{}, fmt.Errorf("ledger: load balance: %w", errFind)
	}
	if errEnsure := ensureBalanceRow(s.db.WithContext(ctx), userID, s.now().UTC()); errEnsure != nil {
		return Balance{}, errEnsure
	}
	if errReload := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; errReload != nil {
		return Balance{}, fmt.Errorf("ledger: load balance: %w", errReload)
	}
	return balanceFromModel(row), nil
}

// TransactionHistory lists a user's entries newest first.
func (s *Service) TransactionHistory(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	var rows []models.CreditTransaction
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", errFind)
	}
	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, transactionFromModel(row))
	}
	return out, nil
}

// RecalculateBalance rebuilds the balance snapshot from the transaction log under the row lock.
// The log itself is never modified.
func (s *Service) RecalculateBalance(ctx context.Context, userID string) (Recalculation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Recalculation{}, ErrEmptyUserID
	}
	var result Recalculation
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		row, errLock := lockBalance(tx, userID, now)
		if errLock != nil {
			return errLock
		}
		var sums struct {
			Total    int64
			Credited int64
			Debited  int64
		}
		if errSum := tx.Model(&models.CreditTransaction{}).
			Select(`COALESCE(SUM(amount), 0) AS total,
				COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS credited,
				COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS debited`).
			Where("user_id = ?", userID).
			Scan(&sums).Error; errSum != nil {
			return fmt.Errorf("ledger: sum transactions: %w", errSum)
		}
		if sums.Total < 0 {
			return fmt.Errorf("%w: user %s sums to %d", ErrNegativeLedger, userID, sums.Total)
		}
		if errUpdate := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":         sums.Total,
				"total_recharged": sums.Credited,
				"total_consumed":  sums.Debited,
				"updated_at":      now,
			}).Error; errUpdate != nil {
			return fmt.Errorf("ledger: overwrite balance: %w", errUpdate)
		}
		result = Recalculation{
			UserID:         userID,
			Balance:        sums.Total,
			TotalRecharged: sums.Credited,
			TotalConsumed:  sums.Debited,
			Previous:       row.Balance,
			Drift:          sums.Total - row.Balance,
		}
		return nil
	})
	if errTx != nil {
		return Recalculation{}, errTx
	}
	if result.Drift != 0 {
		log.WithFields(log.Fields{
			"user_id":  userID,
			"previous": result.Previous,
			"balance":  result.Balance,
		}).Warn("ledger: balance drift corrected")
	}
	return result, nil
}

func validateAdd(p AddParams) error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrEmptyUserID
	}
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	switch p.Type {
	case models.TransactionTypeRecharge, models.TransactionTypeBonus,
		models.TransactionTypeSubscription, models.TransactionTypeRefund:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
}

func insufficient(balance, required int64) ConsumeResult {
	return ConsumeResult{
		Success:  false,
		Reason:   ReasonInsufficientCredits,
		Balance:  balance,
		Required: required,
	}
}

// ensureBalanceRow inserts a zero balance unless one exists.
func ensureBalanceRow(tx *gorm.DB, userID string, now time.Time) error {
	row := models.CreditBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if errCreate := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("ledger: create balance: %w", errCreate)
	}
	return nil
}

// lockBalance returns the user's balance row locked for update, creating it first if needed.
func lockBalance(tx *gorm.DB, userID string, now time.Time) (models.CreditBalance, error) {
	if errEnsure := ensureBalanceRow(tx, userID, now); errEnsure != nil {
		return models.CreditBalance{}, errEnsure
	}
	var row models.CreditBalance
	if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error; errFind != nil {
		return models.CreditBalance{}, fmt.Errorf("ledger: lock balance: %w", errFind)
	}
	return row, nil
}

func encodeMetadata(meta map[string]any) (datatypes.JSON, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, errMarshal := json.Marshal(meta)
	if errMarshal != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", errMarshal)
	}
	return datatypes.JSON(raw), nil
}
