package models

import "time"

const (
	WebhookStatusClaimed    = "CLAIMED"
	WebhookStatusProcessing = "PROCESSING"
	WebhookStatusCompleted  = "COMPLETED"
	WebhookStatusFailed     = "FAILED"
)

const WebhookProviderStripe = "stripe"

// WebhookEvent stores an inbound provider event keyed by the provider event
// id. The primary key doubles as the deduplication constraint.
type WebhookEvent struct {
	ID             string     `gorm:"type:varchar(191);primaryKey" json:"id"`
	Provider       string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	Type           string     `gorm:"type:varchar(100);not null;index" json:"type"`
	Payload        string     `gorm:"type:longtext;not null" json:"payload"`
	SignatureValid bool       `gorm:"default:false" json:"signature_valid"`
	Status         string     `gorm:"type:varchar(20);not null;default:'CLAIMED';index:idx_webhook_events_status_claimed,priority:1" json:"status"`
	ClaimedAt      time.Time  `gorm:"not null;index:idx_webhook_events_status_claimed,priority:2" json:"claimed_at"`
	ProcessedAt    *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	Error          *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// FailedWebhook is the dead-letter copy of an event that reached FAILED.
type FailedWebhook struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType string    `gorm:"type:varchar(100);not null" json:"event_type"`
	Payload   string    `gorm:"type:longtext;not null" json:"payload"`
	Error     string    `gorm:"type:text" json:"error"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (FailedWebhook) TableName() string {
	return "failed_webhooks"
}
