package models

import (
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID      uint            `gorm:"primarykey" json:"id"`
	OrderNo string          `gorm:"uniqueIndex" json:"order_no"`
	UserID  uint            `gorm:"index" json:"user_id"`
	StoreID uint            `gorm:"index" json:"store_id"`
	RoomID  *uint           `gorm:"index" json:"room_id,omitempty"`
	Type    types.OrderType `json:"type"`

	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Items     types.LineItems `gorm:"type:jsonb" json:"items,omitempty"`

	Subtotal     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"subtotal"`
	Deposit      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"deposit"`
	TotalAmount  decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"total_amount"`
	Discount     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"discount"`
	ActualAmount decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"actual_amount"`
	PointsUsed   int64           `gorm:"default:0" json:"points_used"`

	PaymentMethod types.PaymentMethod `json:"payment_method,omitempty"`
	TransactionID string              `gorm:"index" json:"transaction_id,omitempty"`
	// IntentID is the transaction of the latest unsettled payment intent.
	// Callbacks for any other transaction cannot settle the order.
	IntentID string `gorm:"index" json:"-"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`

	Status           types.OrderStatus `gorm:"index;default:'pending'" json:"status"`
	ContactPhone     string            `json:"contact_phone,omitempty"`
	SpecialRequests  string            `json:"special_requests,omitempty"`
	GuestCount       int               `json:"guest_count,omitempty"`
	VerificationCode string            `json:"-"`
	ReviewID         *uint             `json:"review_id,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`

	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	types.Timestamps
}

func (o *Order) HasTimeWindow() bool {
	return o.StartTime != nil && o.EndTime != nil
}
