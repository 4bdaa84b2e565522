package models

import (
	"lsm/src/types"

	"github.com/shopspring/decimal"
)

type Room struct {
	ID           uint             `gorm:"primarykey" json:"id"`
	StoreID      uint             `gorm:"index" json:"store_id"`
	Name         string           `json:"name"`
	Capacity     int              `json:"capacity"`
	HourlyPrice  decimal.Decimal  `gorm:"type:numeric(12,2);not null" json:"hourly_price"`
	Deposit      decimal.Decimal  `gorm:"type:numeric(12,2);not null;default:0" json:"deposit"`
	Status       types.RoomStatus `gorm:"default:'available'" json:"status"`
	BookingCount int64            `gorm:"default:0" json:"booking_count"`

	types.Timestamps
}

// Bookable reports whether the room accepts new reservations. The
// reserved/occupied status is only a cache; the availability index decides
// whether a specific window is free.
func (r *Room) Bookable() bool {
	return r.Status != types.ROOM_MAINTENANCE && r.Status != types.ROOM_DISABLED
}

type MenuItem struct {
	ID        uint            `gorm:"primarykey" json:"id"`
	StoreID   uint            `gorm:"index" json:"store_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	Available bool            `gorm:"default:true" json:"available"`

	types.Timestamps
}
