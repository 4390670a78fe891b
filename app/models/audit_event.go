package models

import "time"

// AuditEvent is an append-only record of a business or operational event.
type AuditEvent struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    *string   `gorm:"type:varchar(36);default:null;index" json:"user_id,omitempty"`
	Type      string    `gorm:"type:varchar(100);not null;index" json:"type"`
	Data      string    `gorm:"type:text" json:"data"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
