package models

import (
	"time"

	"gorm.io/datatypes"
)

// CustomerLink maps a payment processor customer to an internal user.
type CustomerLink struct {
	StripeCustomerID string `gorm:"type:varchar(255);primaryKey"`     // Processor customer id.
	UserID           string `gorm:"type:varchar(128);not null;index"` // Linked user.
	LinkedBy         string `gorm:"type:varchar(32);not null"`        // checkout, email or admin.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// Subscription is the local view of a processor subscription. UserID is nil while unlinked.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	StripeSubscriptionID string  `gorm:"type:varchar(255);not null;uniqueIndex"` // Processor subscription id.
	StripeCustomerID     string  `gorm:"type:varchar(255);not null;index"`       // Processor customer id.
	UserID               *string `gorm:"type:varchar(128);index"`                // Owner, when resolved.

	Status             string `gorm:"type:varchar(32);not null"` // Processor status.
	PriceID            string `gorm:"type:varchar(255)"`         // Processor price id.
	UnitAmount         int64  `gorm:"not null;default:0"`        // Price in minor units.
	Currency           string `gorm:"type:varchar(8)"`           // ISO currency code.
	Interval           string `gorm:"type:varchar(16)"`          // month or year.
	CurrentPeriodStart int64  `gorm:"not null;default:0"`        // Unix seconds.

	ReviewReason string     `gorm:"type:text"` // Set when the subscription needs manual review.
	CanceledAt   *time.Time // Cancellation time, if deleted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SubscriptionGrant records a subscription bonus granted for one billing period.
type SubscriptionGrant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	StripeSubscriptionID string `gorm:"type:varchar(255);not null;uniqueIndex:ux_subscription_grants_period,priority:1"` // Processor subscription id.
	PeriodStart          int64  `gorm:"not null;uniqueIndex:ux_subscription_grants_period,priority:2"`                  // Unix seconds.
	UserID               string `gorm:"type:varchar(128);not null;index"`                                               // Credited user.
	Credits              int64  `gorm:"not null"`                                                                       // Credits granted.
	TransactionID        string `gorm:"type:varchar(36);not null"`                                                      // Ledger entry.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// UnlinkedSubscription queues subscription events whose customer could not be resolved.
type UnlinkedSubscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	StripeSubscriptionID string         `gorm:"type:varchar(255);not null;uniqueIndex"` // Processor subscription id.
	StripeCustomerID     string         `gorm:"type:varchar(255);not null;index"`       // Raw customer reference for manual linking.
	EventType            string         `gorm:"type:varchar(64);not null"`              // Last event seen.
	Payload              datatypes.JSON `gorm:"type:jsonb"`                             // Last subscription object.

	ResolvedUserID *string    `gorm:"type:varchar(128)"` // Set once linked.
	ResolvedAt     *time.Time `gorm:"index"`             // Set once linked.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SubscriptionPlan maps a processor price to the credits granted per billing period.
type SubscriptionPlan struct {
	PriceID string `gorm:"type:varchar(255);primaryKey"` // Processor price id.

	Name       string `gorm:"type:text"`                 // Display name.
	UnitAmount int64  `gorm:"not null"`                  // Price in minor units.
	Currency   string `gorm:"type:varchar(8);not null"`  // ISO currency code.
	Interval   string `gorm:"type:varchar(16);not null"` // month or year.
	Credits    int64  `gorm:"not null"`                  // Credits per period.
	IsActive   bool   `gorm:"not null"`                  // Inactive plans are treated as unmapped.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
