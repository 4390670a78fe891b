package models

import "time"

const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusPaused     = "paused"
)

const (
	PlanDigitalCapsule = "DIGITAL_CAPSULE"
	PlanPaperPixels    = "PAPER_PIXELS"
)

// Subscription mirrors the payment provider subscription state for a user.
type Subscription struct {
	ID                 string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID             string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Plan               string    `gorm:"type:varchar(32);not null;default:'DIGITAL_CAPSULE'" json:"plan"`
	Status             string    `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_status_period_end,priority:1" json:"status"`
	CurrentPeriodStart time.Time `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time `gorm:"not null;index:idx_subscriptions_status_period_end,priority:2" json:"current_period_end"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MailCreditsForPlan returns the physical mail allowance granted per period.
func MailCreditsForPlan(plan string) int {
	switch plan {
	case PlanPaperPixels:
		return 2
	default:
		return 0
	}
}
