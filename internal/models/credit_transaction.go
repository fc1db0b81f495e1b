package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionType classifies a credit ledger entry.
type TransactionType string

// TransactionType constants.
const (
	TransactionTypeRecharge     TransactionType = "recharge"
	TransactionTypeConsumption  TransactionType = "consumption"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeBonus        TransactionType = "bonus"
	TransactionTypeSubscription TransactionType = "subscription"
	TransactionTypeExpiration   TransactionType = "expiration"
)

// Valid reports whether the type is a known ledger entry type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeRecharge, TransactionTypeConsumption, TransactionTypeRefund,
		TransactionTypeBonus, TransactionTypeSubscription, TransactionTypeExpiration:
		return true
	default:
		return false
	}
}

// CreditTransaction is an append-only credit ledger entry. Rows are never updated or deleted.
type CreditTransaction struct {
	ID     string          `gorm:"type:varchar(36);primaryKey"`                                                             // UUID.
	UserID string          `gorm:"type:varchar(128);not null;index"`                                                        // Owner.
	Type   TransactionType `gorm:"type:varchar(32);not null;index;uniqueIndex:ux_credit_transactions_recharge,priority:2"` // Entry type.

	Amount       int64  `gorm:"not null"`  // Signed amount; negative for debits.
	BalanceAfter int64  `gorm:"not null"`  // Balance immediately after this entry.
	Description  string `gorm:"type:text"` // Human readable description.

	RelatedRechargeID *string `gorm:"type:varchar(36);uniqueIndex:ux_credit_transactions_recharge,priority:1"` // Recharge that produced this entry.
	RelatedUploadID   *string `gorm:"type:varchar(128);index"`                                                 // Consuming action.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Audit payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
