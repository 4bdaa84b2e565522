// Package repo is the persistence boundary of the booking engine. Every
// mutation happens inside Store.WithTx so that the order, availability,
// wallet and ledger writes of one operation commit or roll back together.
package repo

import (
	"context"
	"lsm/src/models"
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

type Store interface {
	// WithTx runs fn in a single transaction. A non-nil error from fn rolls
	// everything back. Lock timeouts and deadline expiry surface as
	// SERVICE_UNAVAILABLE.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	RecordJobRun(ctx context.Context, run *models.JobRun) error
}

type Tx interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	// GetOrderForUpdate row-locks the order for the rest of the transaction.
	GetOrderForUpdate(ctx context.Context, id uint) (*models.Order, error)
	// GetOrderByTransaction finds the order settled by txnID.
	GetOrderByTransaction(ctx context.Context, txnID string) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Order, error)

	GetStore(ctx context.Context, id uint) (*models.Store, error)
	GetRoomForUpdate(ctx context.Context, id uint) (*models.Room, error)
	UpdateRoom(ctx context.Context, r *models.Room) error
	GetMenuItems(ctx context.Context, storeID uint, ids []uint) ([]models.MenuItem, error)

	OverlappingSlots(ctx context.Context, roomID uint, start, end time.Time) ([]models.RoomSlot, error)
	ActiveSlots(ctx context.Context, roomID uint, after time.Time) ([]models.RoomSlot, error)
	CreateSlot(ctx context.Context, s *models.RoomSlot) error
	ReleaseSlot(ctx context.Context, roomID, orderID uint, at time.Time) (bool, error)
	SetSlotState(ctx context.Context, roomID, orderID uint, state types.SlotState) error

	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserForUpdate(ctx context.Context, id uint) (*models.User, error)
	UpdateUserBalance(ctx context.Context, id uint, balance decimal.Decimal) error
	CreateWalletRecord(ctx context.Context, r *models.WalletRecord) error

	PointRecords(ctx context.Context, userID uint) ([]models.PointRecord, error)
	CreatePointRecord(ctx context.Context, r *models.PointRecord) error
	UsersWithExpiredPoints(ctx context.Context, now time.Time) ([]uint, error)

	CreateRefund(ctx context.Context, r *models.Refund) error
	SaveRefund(ctx context.Context, r *models.Refund) error
	// PendingRefunds returns pending refunds whose claim is unset or lapsed
	// at now.
	PendingRefunds(ctx context.Context, now time.Time, limit int) ([]models.Refund, error)
	RefundsForOrder(ctx context.Context, orderID uint) ([]models.Refund, error)
}
