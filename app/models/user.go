package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// User carries the running credit balances. The balances always equal the
// sum of the user's CreditTransaction amounts per credit type.
type User struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email           string    `gorm:"type:varchar(200);uniqueIndex" json:"email" validate:"required,email,max=200"`
	PhysicalCredits int       `gorm:"not null;default:0" json:"physical_credits" validate:"gte=0"`
	MessageCredits  int       `gorm:"not null;default:0" json:"message_credits" validate:"gte=0"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}
