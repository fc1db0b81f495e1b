package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Package key, e.g. "starter".

	Name     string          `gorm:"type:text;not null"`          // Display name.
	Credits  int64           `gorm:"not null"`                    // Credits granted.
	Price    decimal.Decimal `gorm:"type:decimal(20,4);not null"` // Price in currency units.
	Currency string          `gorm:"type:varchar(8);not null"`    // ISO currency code, lower case.

	IsActive bool `gorm:"not null"` // Whether the package can be purchased.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ConsumptionConfig maps an action type to its credit cost.
type ConsumptionConfig struct {
	ActionType string `gorm:"type:varchar(64);primaryKey"` // e.g. "face_swap".

	CreditsRequired int64  `gorm:"not null"`  // Cost per action.
	IsActive        bool   `gorm:"not null"`  // Inactive actions are rejected.
	Description     string `gorm:"type:text"` // Operator notes.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
