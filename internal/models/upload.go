package models

import "time"

// Upload records a consuming action (a face swap job) and the credits it consumed.
type Upload struct {
	ID     string `gorm:"type:varchar(128);primaryKey"`      // Upload id.
	UserID string `gorm:"type:varchar(128);not null;index"` // Owner.

	Status          string `gorm:"type:varchar(32);not null;default:'pending'"` // pending, completed, failed.
	ResultURL       string `gorm:"type:text"`                                   // Output image location.
	CreditsConsumed int64  `gorm:"not null;default:0"`                          // Stamped by the ledger.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// UserProfile mirrors an auth provider identity so that payment customers can be linked by email.
type UserProfile struct {
	ID    string `gorm:"type:varchar(128);primaryKey"` // Auth provider subject.
	Email string `gorm:"type:text;index"`              // Lower-cased account email.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
