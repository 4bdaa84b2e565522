package models

import (
	"lsm/src/types"
	"time"
)

// RoomSlot is one row of the availability index: a half-open [StartAt, EndAt)
// hold on a room by an order. A slot with ReleasedAt set no longer blocks.
type RoomSlot struct {
	ID         uint            `gorm:"primarykey" json:"id"`
	RoomID     uint            `gorm:"index:idx_room_slot_window" json:"room_id"`
	OrderID    uint            `gorm:"index" json:"order_id"`
	StartAt    time.Time       `gorm:"index:idx_room_slot_window" json:"start_at"`
	EndAt      time.Time       `gorm:"index:idx_room_slot_window" json:"end_at"`
	State      types.SlotState `gorm:"default:'held'" json:"state"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *RoomSlot) Overlaps(start, end time.Time) bool {
	return s.StartAt.Before(end) && start.Before(s.EndAt)
}
