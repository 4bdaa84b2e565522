package models

import (
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

// PointRecord is an append-only points ledger entry. Amount is signed and
// Balance is the user's balance right after the entry was written.
type PointRecord struct {
	ID             uint              `gorm:"primarykey" json:"id"`
	UserID         uint              `gorm:"index;not null" json:"user_id"`
	Type           types.PointType   `gorm:"index;not null" json:"type"`
	Amount         int64             `gorm:"not null" json:"amount"`
	Balance        int64             `gorm:"not null" json:"balance"`
	Source         types.PointSource `json:"source"`
	OrderID        *uint             `gorm:"index" json:"order_id,omitempty"`
	SourceRecordID *uint             `gorm:"index" json:"source_record_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	ExpiresAt      *time.Time        `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// WalletRecord audits every cash balance movement.
type WalletRecord struct {
	ID           uint                   `gorm:"primarykey" json:"id"`
	UserID       uint                   `gorm:"index;not null" json:"user_id"`
	Type         types.WalletRecordType `gorm:"not null" json:"type"`
	Amount       decimal.Decimal        `gorm:"type:numeric(12,2);not null" json:"amount"`
	BalanceAfter decimal.Decimal        `gorm:"type:numeric(12,2);not null" json:"balance_after"`
	OrderID      *uint                  `gorm:"index" json:"order_id,omitempty"`
	Note         string                 `json:"note,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

type Refund struct {
	ID            uint                `gorm:"primarykey" json:"id"`
	OrderID       uint                `gorm:"index;not null" json:"order_id"`
	UserID        uint                `gorm:"index" json:"user_id"`
	Amount        decimal.Decimal     `gorm:"type:numeric(12,2);not null" json:"amount"`
	Method        types.PaymentMethod `json:"method"`
	TransactionID string              `gorm:"index" json:"transaction_id,omitempty"`
	Status        types.RefundStatus  `gorm:"index;default:'pending'" json:"status"`
	Reason        string              `json:"reason,omitempty"`
	GatewayRef    string              `json:"gateway_ref,omitempty"`
	Attempts      int                 `gorm:"default:0" json:"attempts"`
	ClaimedUntil  *time.Time          `gorm:"index" json:"-"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}
