package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RechargeStatus is the lifecycle state of a recharge.
type RechargeStatus string

// RechargeStatus constants.
const (
	RechargeStatusPending   RechargeStatus = "pending"
	RechargeStatusCompleted RechargeStatus = "completed"
	RechargeStatusFailed    RechargeStatus = "failed"
)

// Recharge is a purchase intent that credits the user once payment is confirmed.
type Recharge struct {
	ID     string `gorm:"type:varchar(36);primaryKey"`                                                      // UUID.
	UserID string `gorm:"type:varchar(128);not null;index;uniqueIndex:ux_recharges_idempotency,priority:1"` // Purchaser.

	IdempotencyKey string `gorm:"type:varchar(128);not null;uniqueIndex:ux_recharges_idempotency,priority:2"` // Caller supplied replay key.
	PackageID      string `gorm:"type:varchar(64);not null"`                                                 // Purchased package.

	Credits  int64           `gorm:"not null"`                    // Credits granted on completion.
	Price    decimal.Decimal `gorm:"type:decimal(20,4);not null"` // Price in currency units.
	Currency string          `gorm:"type:varchar(8);not null"`    // ISO currency code, lower case.

	Status          RechargeStatus `gorm:"type:varchar(16);not null;index;default:'pending'"` // Lifecycle state.
	PaymentIntentID *string        `gorm:"type:varchar(255);uniqueIndex"`                     // Payment processor reference.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Idempotency key, package reference, failure reason.

	CompletedAt *time.Time // Completion time, if completed.
	FailedAt    *time.Time // Failure time, if failed.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
