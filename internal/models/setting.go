package models

import (
	"encoding/json"
	"time"
)

// Setting stores a runtime tunable as a JSON value, e.g. reconciliation thresholds.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Configuration key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedBy string          `gorm:"type:varchar(255)"`                                 // Admin username of the last writer.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
