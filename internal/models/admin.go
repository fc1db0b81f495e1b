package models

import "time"

// Admin is an operator account allowed to call the repair API.
type Admin struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Password string `gorm:"type:text;not null"`             // Bcrypt hash.

	Active bool `gorm:"not null;default:true"` // Whether the admin can sign in.

	LastLoginAt *time.Time // Last successful login.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
