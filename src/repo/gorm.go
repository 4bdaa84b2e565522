package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"lsm/src/apperr"
	"lsm/src/models"
	"lsm/src/types"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed Store.
type GormStore struct {
	db          *gorm.DB
	timeout     time.Duration
	lockTimeout time.Duration
}

type GormOption func(*GormStore)

// WithLockTimeout bounds how long a statement waits on a row lock.
func WithLockTimeout(d time.Duration) GormOption {
	return func(s *GormStore) { s.lockTimeout = d }
}

func NewGormStore(db *gorm.DB, timeout time.Duration, opts ...GormOption) *GormStore {
	s := &GormStore{db: db, timeout: timeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return fn(&gormTx{db: tx})
	})
	return translateError(ctx, err)
}

func (s *GormStore) RecordJobRun(ctx context.Context, run *models.JobRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return apperr.Wrap(apperr.CodeServiceUnavailable, err, "transaction timed out")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01":
			return apperr.Wrap(apperr.CodeSlotUnavailable, err, "time slot already reserved")
		case "55P03", "40001", "40P01", "57014":
			return apperr.Wrap(apperr.CodeServiceUnavailable, err, "resource busy, try again")
		}
	}
	log.Printf("[repo] Unexpected database error: %s\n", err.Error())
	return apperr.Wrap(apperr.CodeInternal, err, "database error")
}

type gormTx struct {
	db *gorm.DB
}

func notFound(err error, code apperr.Code, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(code, what+" not found")
	}
	return err
}

func (t *gormTx) CreateOrder(ctx context.Context, o *models.Order) error {
	return t.db.WithContext(ctx).Create(o).Error
}

func (t *gormTx) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err, apperr.CodeOrderNotFound, "order")
	}
	return &o, nil
}

func (t *gormTx) GetOrderForUpdate(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&o).
		Error
	if err != nil {
		return nil, notFound(err, apperr.CodeOrderNotFound, "order")
	}
	return &o, nil
}

func (t *gormTx) GetOrderByTransaction(ctx context.Context, txnID string) (*models.Order, error) {
	var o models.Order
	if err := t.db.WithContext(ctx).Where("transaction_id = ?", txnID).First(&o).Error; err != nil {
		return nil, notFound(err, apperr.CodeOrderNotFound, "order")
	}
	return &o, nil
}

func (t *gormTx) SaveOrder(ctx context.Context, o *models.Order) error {
	return t.db.WithContext(ctx).Save(o).Error
}

func (t *gormTx) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := t.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", types.ORDER_PENDING, now).
		Order("expires_at asc").
		Limit(limit).
		Find(&orders).
		Error
	return orders, err
}

func (t *gormTx) GetStore(ctx context.Context, id uint) (*models.Store, error) {
	var s models.Store
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, apperr.CodeNotFound, "store")
	}
	return &s, nil
}

func (t *gormTx) GetRoomForUpdate(ctx context.Context, id uint) (*models.Room, error) {
	var r models.Room
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&r).
		Error
	if err != nil {
		return nil, notFound(err, apperr.CodeNotFound, "room")
	}
	return &r, nil
}

func (t *gormTx) UpdateRoom(ctx context.Context, r *models.Room) error {
	return t.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{"status": r.Status, "booking_count": r.BookingCount}).
		Error
}

func (t *gormTx) GetMenuItems(ctx context.Context, storeID uint, ids []uint) ([]models.MenuItem, error) {
	var items []models.MenuItem
	err := t.db.WithContext(ctx).
		Where("store_id = ? AND id IN ?", storeID, ids).
		Find(&items).
		Error
	return items, err
}

func (t *gormTx) OverlappingSlots(ctx context.Context, roomID uint, start, end time.Time) ([]models.RoomSlot, error) {
	var slots []models.RoomSlot
	err := t.db.WithContext(ctx).
		Where("room_id = ? AND released_at IS NULL AND start_at < ? AND end_at > ?", roomID, end, start).
		Find(&slots).
		Error
	return slots, err
}

func (t *gormTx) ActiveSlots(ctx context.Context, roomID uint, after time.Time) ([]models.RoomSlot, error) {
	var slots []models.RoomSlot
	err := t.db.WithContext(ctx).
		Where("room_id = ? AND released_at IS NULL AND end_at > ?", roomID, after).
		Order("start_at asc").
		Find(&slots).
		Error
	return slots, err
}

func (t *gormTx) CreateSlot(ctx context.Context, s *models.RoomSlot) error {
	return t.db.WithContext(ctx).Create(s).Error
}

func (t *gormTx) ReleaseSlot(ctx context.Context, roomID, orderID uint, at time.Time) (bool, error) {
	res := t.db.WithContext(ctx).
		Model(&models.RoomSlot{}).
		Where("room_id = ? AND order_id = ? AND released_at IS NULL", roomID, orderID).
		Update("released_at", at)
	return res.RowsAffected > 0, res.Error
}

func (t *gormTx) SetSlotState(ctx context.Context, roomID, orderID uint, state types.SlotState) error {
	return t.db.WithContext(ctx).
		Model(&models.RoomSlot{}).
		Where("room_id = ? AND order_id = ? AND released_at IS NULL", roomID, orderID).
		Update("state", state).
		Error
}

func (t *gormTx) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err, apperr.CodeNotFound, "user")
	}
	return &u, nil
}

func (t *gormTx) GetUserForUpdate(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&u).
		Error
	if err != nil {
		return nil, notFound(err, apperr.CodeNotFound, "user")
	}
	return &u, nil
}

func (t *gormTx) UpdateUserBalance(ctx context.Context, id uint, balance decimal.Decimal) error {
	return t.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Update("balance", balance).
		Error
}

func (t *gormTx) CreateWalletRecord(ctx context.Context, r *models.WalletRecord) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) PointRecords(ctx context.Context, userID uint) ([]models.PointRecord, error) {
	var records []models.PointRecord
	err := t.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc, id asc").
		Find(&records).
		Error
	return records, err
}

func (t *gormTx) CreatePointRecord(ctx context.Context, r *models.PointRecord) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) UsersWithExpiredPoints(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	err := t.db.WithContext(ctx).
		Model(&models.PointRecord{}).
		Where("type = ? AND expires_at <= ?", types.POINT_EARN, now).
		Distinct().
		Pluck("user_id", &ids).
		Error
	return ids, err
}

func (t *gormTx) CreateRefund(ctx context.Context, r *models.Refund) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) SaveRefund(ctx context.Context, r *models.Refund) error {
	return t.db.WithContext(ctx).Save(r).Error
}

func (t *gormTx) PendingRefunds(ctx context.Context, now time.Time, limit int) ([]models.Refund, error) {
	var refunds []models.Refund
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND (claimed_until IS NULL OR claimed_until < ?)", types.REFUND_PENDING, now).
		Order("created_at asc").
		Limit(limit).
		Find(&refunds).
		Error
	return refunds, err
}

func (t *gormTx) RefundsForOrder(ctx context.Context, orderID uint) ([]models.Refund, error) {
	var refunds []models.Refund
	err := t.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id asc").
		Find(&refunds).
		Error
	return refunds, err
}
