package models

import (
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID           uint            `gorm:"primarykey" json:"id"`
	Name         string          `json:"name,omitempty"`
	Email        string          `gorm:"index" json:"email,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	Role         types.Role      `gorm:"default:'user'" json:"role,omitempty"`
	VipLevel     int             `gorm:"default:0" json:"vip_level"`
	VipExpiresAt *time.Time      `json:"vip_expires_at,omitempty"`
	Balance      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"balance"`

	types.Timestamps
}

// IsVip reports whether the membership is active at now.
func (u *User) IsVip(now time.Time) bool {
	if u == nil || u.VipLevel <= 0 {
		return false
	}
	return u.VipExpiresAt == nil || now.Before(*u.VipExpiresAt)
}
