package models

import "time"

// CreditBalance is the per-user balance snapshot derived from the credit transaction log.
type CreditBalance struct {
	UserID string `gorm:"type:varchar(128);primaryKey"` // Auth provider subject.

	Balance        int64 `gorm:"not null;default:0;check:chk_credit_balances_non_negative,balance >= 0"` // Spendable credits.
	TotalRecharged int64 `gorm:"not null;default:0"`                                                     // Sum of all credited amounts.
	TotalConsumed  int64 `gorm:"not null;default:0"`                                                     // Sum of all debited amounts (positive).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last mutation timestamp.
}
