package models

import "lsm/src/types"

// Store is a merchant's shop. OwnerID is the merchant user.
type Store struct {
	ID      uint   `gorm:"primarykey" json:"id"`
	OwnerID uint   `gorm:"index" json:"owner_id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Active  bool   `gorm:"default:true" json:"active"`

	Rooms     []Room     `json:"rooms,omitempty"`
	MenuItems []MenuItem `json:"menu_items,omitempty"`

	types.Timestamps
}
