package models

import "time"

const (
	DeliveryChannelMessage      = "message"
	DeliveryChannelPhysicalMail = "physical-mail"
)

const (
	DeliveryStatusScheduled  = "scheduled"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusSent       = "sent"
	DeliveryStatusFailed     = "failed"
	DeliveryStatusCanceled   = "canceled"
)

const (
	MailClassFirstClass = "first_class"
	MailClassStandard   = "standard"
)

// ScheduledDelivery is a letter that must be sent at DeliverAt through a
// message or physical-mail channel. JobID correlates the row with the job
// that was last dispatched for it.
type ScheduledDelivery struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID       string     `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Channel      string     `gorm:"type:varchar(20);not null" json:"channel"`
	Recipient    string     `gorm:"type:varchar(320);not null;default:''" json:"recipient"`
	MailClass    string     `gorm:"type:varchar(20);not null;default:''" json:"mail_class,omitempty"`
	DeliverAt    time.Time  `gorm:"not null;index:idx_deliveries_status_deliver_at,priority:2" json:"deliver_at"`
	Status       string     `gorm:"type:varchar(20);not null;default:'scheduled';index:idx_deliveries_status_deliver_at,priority:1" json:"status"`
	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	LastError    string     `gorm:"type:text" json:"last_error,omitempty"`
	JobID        *string    `gorm:"type:varchar(64);default:null" json:"job_id,omitempty"`
	SentAt       *time.Time `gorm:"default:null" json:"sent_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (ScheduledDelivery) TableName() string {
	return "deliveries"
}

// IsTerminal reports whether the delivery reached a state that must not change anymore.
func (d *ScheduledDelivery) IsTerminal() bool {
	return IsTerminalDeliveryStatus(d.Status)
}

func IsTerminalDeliveryStatus(status string) bool {
	switch status {
	case DeliveryStatusSent, DeliveryStatusFailed, DeliveryStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionDelivery enforces the forward-only delivery lifecycle.
// processing -> scheduled is allowed so a worker can hand a row back for retry.
func CanTransitionDelivery(from, to string) bool {
	switch from {
	case DeliveryStatusScheduled:
		return to == DeliveryStatusProcessing || to == DeliveryStatusFailed || to == DeliveryStatusCanceled
	case DeliveryStatusProcessing:
		return to == DeliveryStatusSent || to == DeliveryStatusFailed || to == DeliveryStatusScheduled
	default:
		return false
	}
}
