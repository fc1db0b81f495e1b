package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEventStatus is the processing outcome of a webhook event.
type WebhookEventStatus string

// WebhookEventStatus constants.
const (
	WebhookEventStatusReceived  WebhookEventStatus = "received"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusIgnored   WebhookEventStatus = "ignored"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the durable delivery log of payment processor events.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID   string         `gorm:"type:varchar(255);not null;uniqueIndex"` // Processor event id.
	EventType string         `gorm:"type:varchar(100);not null;index"`       // Processor event type.
	Payload   datatypes.JSON `gorm:"type:jsonb"`                             // Raw event body.

	Status     WebhookEventStatus `gorm:"type:varchar(16);not null;index"` // Last outcome.
	Deliveries int                `gorm:"not null;default:0"`              // Times the sender delivered it.
	Attempts   int                `gorm:"not null;default:0"`              // Dispatch attempts across deliveries.
	LastError  string             `gorm:"type:text"`                       // Last dispatch error.

	ProcessedAt *time.Time // Last successful processing time.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime;index"` // First delivery.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"`       // Last delivery.
}
