package models

import "time"

const (
	CreditTypePhysical = "physical"
	CreditTypeMessage  = "message"
)

const (
	TransactionGrantRollover  = "grant_rollover"
	TransactionGrantManual    = "grant_manual"
	TransactionDeductDelivery = "deduct_delivery"
	TransactionRefund         = "refund"
)

// UsagePeriod holds per-user counters for one calendar month.
type UsagePeriod struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         string    `gorm:"type:varchar(36);not null;index:ux_usage_periods_user_period,unique,priority:1" json:"user_id"`
	Period         time.Time `gorm:"not null;index:ux_usage_periods_user_period,unique,priority:2" json:"period"`
	LettersCreated int       `gorm:"not null;default:0" json:"letters_created"`
	MessagesSent   int       `gorm:"not null;default:0" json:"messages_sent"`
	MailsSent      int       `gorm:"not null;default:0" json:"mails_sent"`
	MailCredits    int       `gorm:"not null;default:0" json:"mail_credits"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UsagePeriod) TableName() string {
	return "usage_periods"
}

// CreditTransaction is an append-only ledger row. Source identifies the
// business event that caused it and is unique per credit type, so replaying
// the same event cannot grant or deduct twice.
type CreditTransaction struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID          string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	CreditType      string    `gorm:"type:varchar(20);not null;index:ux_credit_transactions_type_source,unique,priority:1" json:"credit_type"`
	TransactionType string    `gorm:"type:varchar(32);not null" json:"transaction_type"`
	Amount          int       `gorm:"not null" json:"amount"`
	BalanceBefore   int       `gorm:"not null" json:"balance_before"`
	BalanceAfter    int       `gorm:"not null" json:"balance_after"`
	Source          string    `gorm:"type:varchar(191);not null;index:ux_credit_transactions_type_source,unique,priority:2" json:"source"`
	Metadata        string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
