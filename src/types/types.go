package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Timestamps struct {
	CreatedAt time.Time      `gorm:"autoCreateTime:nano" json:"created_at,omitempty"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:nano" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty,omitnil"`
}

type JSONB map[string]any

func (a JSONB) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONB) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

// LineItem is a priced entry of a food or combo order. Prices are captured at order time.
type LineItem struct {
	MenuItemID uint            `json:"menu_item_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

type LineItems []LineItem

func (a LineItems) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *LineItems) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, a)
}

// Total sums the captured subtotals.
func (a LineItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range a {
		total = total.Add(it.Subtotal)
	}
	return total
}

type OrderType string

const (
	ORDER_TYPE_ROOM  OrderType = "room_booking"
	ORDER_TYPE_FOOD  OrderType = "food_order"
	ORDER_TYPE_COMBO OrderType = "combo"
)

type OrderStatus string

const (
	ORDER_PENDING     OrderStatus = "pending"
	ORDER_PAID        OrderStatus = "paid"
	ORDER_CONFIRMED   OrderStatus = "confirmed"
	ORDER_IN_PROGRESS OrderStatus = "in_progress"
	ORDER_COMPLETED   OrderStatus = "completed"
	ORDER_CANCELLED   OrderStatus = "cancelled"
	ORDER_REFUNDED    OrderStatus = "refunded"
)

type RoomStatus string

const (
	ROOM_AVAILABLE   RoomStatus = "available"
	ROOM_RESERVED    RoomStatus = "reserved"
	ROOM_OCCUPIED    RoomStatus = "occupied"
	ROOM_MAINTENANCE RoomStatus = "maintenance"
	ROOM_DISABLED    RoomStatus = "disabled"
)

type SlotState string

const (
	SLOT_HELD     SlotState = "held"
	SLOT_OCCUPIED SlotState = "occupied"
)

type PaymentMethod string

const (
	PAYMENT_BALANCE PaymentMethod = "balance"
	PAYMENT_WECHAT  PaymentMethod = "wechat"
	PAYMENT_ALIPAY  PaymentMethod = "alipay"
	PAYMENT_CARD    PaymentMethod = "card"
)

type PaymentStatus string

const (
	PAYMENT_SUCCESS PaymentStatus = "success"
	PAYMENT_FAILED  PaymentStatus = "failed"
)

type PointType string

const (
	POINT_EARN   PointType = "earn"
	POINT_USE    PointType = "use"
	POINT_EXPIRE PointType = "expire"
	POINT_REFUND PointType = "refund"
)

type PointSource string

const (
	POINT_SOURCE_ORDER    PointSource = "order"
	POINT_SOURCE_REVIEW   PointSource = "review"
	POINT_SOURCE_CHECKIN  PointSource = "checkin"
	POINT_SOURCE_REFUND   PointSource = "refund"
	POINT_SOURCE_MANUAL   PointSource = "manual"
	POINT_SOURCE_EXPIRY   PointSource = "expiry"
	POINT_SOURCE_DISCOUNT PointSource = "discount"
)

type WalletRecordType string

const (
	WALLET_DEBIT  WalletRecordType = "debit"
	WALLET_CREDIT WalletRecordType = "credit"
)

type RefundStatus string

const (
	REFUND_PENDING   RefundStatus = "pending"
	REFUND_COMPLETED RefundStatus = "completed"
	REFUND_FAILED    RefundStatus = "failed"
)

type Role string

const (
	ROLE_USER     Role = "user"
	ROLE_MERCHANT Role = "merchant"
	ROLE_ADMIN    Role = "admin"
)

type AppEnv string

const (
	Local      AppEnv = "local"
	Test       AppEnv = "test"
	Production AppEnv = "production"
)

type SimpleRequestParams struct {
	ID uint `uri:"id" binding:"required"`
}

type BookingItem struct {
	MenuItemID uint `json:"menu_item_id" binding:"required"`
	Quantity   int  `json:"quantity" binding:"required,min=1"`
}

type CreateBookingRequestBody struct {
	StoreID         uint          `json:"store_id" binding:"required"`
	RoomID          uint          `json:"room_id" binding:"required"`
	StartTime       time.Time     `json:"start_time" binding:"required,bookabledate"`
	EndTime         time.Time     `json:"end_time" binding:"required,gtfield=StartTime"`
	GuestCount      int           `json:"guest_count" binding:"required,min=1"`
	ContactPhone    string        `json:"contact_phone" binding:"required"`
	SpecialRequests string        `json:"special_requests,omitempty"`
	Items           []BookingItem `json:"items,omitempty" binding:"omitempty,dive"`
}

type CreateFoodOrderRequestBody struct {
	StoreID         uint          `json:"store_id" binding:"required"`
	ContactPhone    string        `json:"contact_phone" binding:"required"`
	SpecialRequests string        `json:"special_requests,omitempty"`
	Items           []BookingItem `json:"items" binding:"required,min=1,dive"`
}

type CancelBookingRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

type PayOrderRequestBody struct {
	Method      PaymentMethod `json:"method" binding:"required"`
	PointsToUse int64         `json:"points_to_use,omitempty" binding:"min=0"`
}

type RefundRequestBody struct {
	Reason string           `json:"reason" binding:"required"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type VerifyBookingRequestBody struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

type UsePointsRequestBody struct {
	Amount int64  `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason" binding:"required"`
}

type AdjustPointsRequestBody struct {
	UserID uint   `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

type AvailabilityQuery struct {
	Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	End   time.Time `form:"end" binding:"required,gtfield=Start" time_format:"2006-01-02T15:04:05Z07:00"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID uint
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == ROLE_ADMIN }

// Owns reports whether the actor may act on a resource owned by userID.
func (a Actor) Owns(userID uint) bool { return a.IsAdmin() || a.UserID == userID }
