// Package reservation books rooms and food orders and walks them through
// cancellation, check-in and completion.
package reservation

import (
	"context"
	"log"
	"lsm/src/apperr"
	"lsm/src/availability"
	"lsm/src/events"
	"lsm/src/models"
	"lsm/src/orders"
	"lsm/src/repo"
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

// Refunder returns money for a paid order inside the caller's transaction.
type Refunder interface {
	RefundTx(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal, reason string) (*models.Refund, error)
}

type Orchestrator struct {
	store    repo.Store
	index    *availability.Index
	machine  *orders.Machine
	refunder Refunder
	events   events.Publisher
}

func New(store repo.Store, index *availability.Index, machine *orders.Machine, refunder Refunder, pub events.Publisher) *Orchestrator {
	return &Orchestrator{store: store, index: index, machine: machine, refunder: refunder, events: pub}
}

// Price is the room part of a booking.
type Price struct {
	Subtotal decimal.Decimal
	Deposit  decimal.Decimal
}

// PriceRoom charges the hourly rate for the booked duration. VIP members pay
// no deposit; everyone else pays the larger of the room's fixed deposit and
// DepositRate of the subtotal.
func (r *Orchestrator) PriceRoom(room *models.Room, start, end time.Time, vip bool) Price {
	minutes := decimal.NewFromInt(int64(end.Sub(start) / time.Minute))
	hours := minutes.Div(decimal.NewFromInt(60))
	subtotal := room.HourlyPrice.Mul(hours).Round(2)
	if vip {
		return Price{Subtotal: subtotal, Deposit: decimal.Zero}
	}
	deposit := decimal.Max(room.Deposit, subtotal.Mul(r.machine.Policy().DepositRate)).Round(2)
	return Price{Subtotal: subtotal, Deposit: deposit}
}

func priceItemsTx(ctx context.Context, tx repo.Tx, storeID uint, items []types.BookingItem) (types.LineItems, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.MenuItemID)
	}
	menu, err := tx.GetMenuItems(ctx, storeID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]models.MenuItem, len(menu))
	for _, m := range menu {
		byID[m.ID] = m
	}
	lines := make(types.LineItems, 0, len(items))
	for _, it := range items {
		m, ok := byID[it.MenuItemID]
		if !ok || !m.Available {
			return nil, apperr.Newf(apperr.CodeNotFound, "menu item %d is not available", it.MenuItemID)
		}
		if it.Quantity <= 0 {
			return nil, apperr.Newf(apperr.CodeInvalidAmount, "quantity of %s must be positive", m.Name)
		}
		lines = append(lines, types.LineItem{
			MenuItemID: m.ID,
			Name:       m.Name,
			Quantity:   it.Quantity,
			UnitPrice:  m.Price,
			Subtotal:   m.Price.Mul(decimal.NewFromInt(int64(it.Quantity))),
		})
	}
	return lines, nil
}

func activeStoreTx(ctx context.Context, tx repo.Tx, id uint) (*models.Store, error) {
	store, err := tx.GetStore(ctx, id)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, apperr.Newf(apperr.CodeStoreUnavailable, "store %d does not exist", id)
		}
		return nil, err
	}
	if !store.Active {
		return nil, apperr.Newf(apperr.CodeStoreUnavailable, "store %s is not taking orders", store.Name)
	}
	return store, nil
}

// CreateBooking reserves the room window and creates a PENDING order that
// must be paid within the payment window. Menu items turn it into a combo.
func (r *Orchestrator) CreateBooking(ctx context.Context, actor types.Actor, req types.CreateBookingRequestBody) (*models.Order, error) {
	now := r.machine.Now()
	if !req.StartTime.Before(req.EndTime) {
		return nil, apperr.New(apperr.CodeInvalidTimeRange, "start must be before end")
	}
	if req.StartTime.Before(now) {
		return nil, apperr.New(apperr.CodeInvalidTimeRange, "start must be in the future")
	}
	if req.GuestCount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "guest count must be positive")
	}

	var (
		order     models.Order
		recipient string
	)
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		store, err := activeStoreTx(ctx, tx, req.StoreID)
		if err != nil {
			return err
		}
		room, err := tx.GetRoomForUpdate(ctx, req.RoomID)
		if err != nil {
			return err
		}
		if room.StoreID != store.ID {
			return apperr.Newf(apperr.CodeRoomUnavailable, "room %d does not belong to store %d", room.ID, store.ID)
		}
		if !room.Bookable() {
			return apperr.Newf(apperr.CodeRoomUnavailable, "room %s is %s", room.Name, room.Status)
		}
		if req.GuestCount > room.Capacity {
			return apperr.Newf(apperr.CodeCapacityExceeded, "room %s holds %d guests", room.Name, room.Capacity)
		}
		user, err := tx.GetUser(ctx, actor.UserID)
		if err != nil {
			return err
		}
		recipient = user.Email

		lines, err := priceItemsTx(ctx, tx, store.ID, req.Items)
		if err != nil {
			return err
		}
		price := r.PriceRoom(room, req.StartTime, req.EndTime, user.IsVip(now))
		code, err := orders.NewVerificationCode()
		if err != nil {
			return err
		}
		kind := types.ORDER_TYPE_ROOM
		if len(lines) > 0 {
			kind = types.ORDER_TYPE_COMBO
		}
		start, end, roomID := req.StartTime, req.EndTime, room.ID
		subtotal := price.Subtotal.Add(lines.Total())
		total := subtotal.Add(price.Deposit)
		order = models.Order{
			OrderNo:          orders.NewOrderNo(kind, now),
			UserID:           user.ID,
			StoreID:          store.ID,
			RoomID:           &roomID,
			Type:             kind,
			StartTime:        &start,
			EndTime:          &end,
			Items:            lines,
			Subtotal:         subtotal,
			Deposit:          price.Deposit,
			TotalAmount:      total,
			Discount:         decimal.Zero,
			ActualAmount:     total,
			Status:           types.ORDER_PENDING,
			ContactPhone:     req.ContactPhone,
			SpecialRequests:  req.SpecialRequests,
			GuestCount:       req.GuestCount,
			VerificationCode: code,
			ExpiresAt:        now.Add(r.machine.Policy().PaymentWindow),
		}
		order.CreatedAt = now
		if err := tx.CreateOrder(ctx, &order); err != nil {
			return err
		}
		if err := r.index.CheckAndReserveTx(ctx, tx, room.ID, start, end, order.ID); err != nil {
			return err
		}
		room.BookingCount++
		if err := tx.UpdateRoom(ctx, room); err != nil {
			return err
		}
		return r.index.DeriveRoomStatusTx(ctx, tx, room)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Reservation] Order %s created for room %d %s-%s\n", order.OrderNo, req.RoomID, req.StartTime.Format(time.RFC3339), req.EndTime.Format(time.RFC3339))
	r.emit(ctx, events.OrderCreated, &order, recipient)
	return &order, nil
}

// PlaceFoodOrder creates a PENDING order for menu items only.
func (r *Orchestrator) PlaceFoodOrder(ctx context.Context, actor types.Actor, req types.CreateFoodOrderRequestBody) (*models.Order, error) {
	now := r.machine.Now()
	var order models.Order
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		store, err := activeStoreTx(ctx, tx, req.StoreID)
		if err != nil {
			return err
		}
		if len(req.Items) == 0 {
			return apperr.New(apperr.CodeInvalidAmount, "a food order needs at least one item")
		}
		lines, err := priceItemsTx(ctx, tx, store.ID, req.Items)
		if err != nil {
			return err
		}
		code, err := orders.NewVerificationCode()
		if err != nil {
			return err
		}
		total := lines.Total()
		order = models.Order{
			OrderNo:          orders.NewOrderNo(types.ORDER_TYPE_FOOD, now),
			UserID:           actor.UserID,
			StoreID:          store.ID,
			Type:             types.ORDER_TYPE_FOOD,
			Items:            lines,
			Subtotal:         total,
			Deposit:          decimal.Zero,
			TotalAmount:      total,
			Discount:         decimal.Zero,
			ActualAmount:     total,
			Status:           types.ORDER_PENDING,
			ContactPhone:     req.ContactPhone,
			SpecialRequests:  req.SpecialRequests,
			VerificationCode: code,
			ExpiresAt:        now.Add(r.machine.Policy().PaymentWindow),
		}
		order.CreatedAt = now
		return tx.CreateOrder(ctx, &order)
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, events.OrderCreated, &order, "")
	return &order, nil
}

// CancelBooking cancels on behalf of the owner or an admin. Paid orders are
// refunded in full in the same transaction.
func (r *Orchestrator) CancelBooking(ctx context.Context, actor types.Actor, orderID uint, reason string) (*models.Order, error) {
	var (
		order     models.Order
		refunded  bool
		recipient string
	)
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.Owns(o.UserID) {
			return apperr.New(apperr.CodeForbidden, "order belongs to another user")
		}
		if !orders.CanTransition(o.Status, types.ORDER_CANCELLED) {
			return apperr.Newf(apperr.CodeCannotCancel, "order %s cannot be cancelled while %s", o.OrderNo, o.Status)
		}
		user, err := tx.GetUser(ctx, o.UserID)
		if err != nil {
			return err
		}
		recipient = user.Email
		paid := o.Status != types.ORDER_PENDING
		if reason == "" {
			reason = "cancelled by customer"
		}
		tc := orders.TransitionContext{Vip: user.IsVip(r.machine.Now()), Reason: reason}
		if err := r.machine.Transition(ctx, tx, o, types.ORDER_CANCELLED, tc); err != nil {
			return err
		}
		if paid {
			if _, err := r.refunder.RefundTx(ctx, tx, o, o.ActualAmount, reason); err != nil {
				return err
			}
			refunded = true
		}
		order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, events.OrderCancelled, &order, recipient)
	if refunded {
		r.emit(ctx, events.OrderRefunded, &order, recipient)
	}
	return &order, nil
}

// merchantOrderTx loads the order locked, allowing only the store's owner or an admin.
func merchantOrderTx(ctx context.Context, tx repo.Tx, actor types.Actor, orderID uint) (*models.Order, error) {
	o, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return o, nil
	}
	store, err := tx.GetStore(ctx, o.StoreID)
	if err != nil {
		return nil, err
	}
	if store.OwnerID != actor.UserID {
		return nil, apperr.New(apperr.CodeForbidden, "order belongs to another store")
	}
	return o, nil
}

func (r *Orchestrator) merchantTransition(ctx context.Context, actor types.Actor, orderID uint, from, to types.OrderStatus, tc orders.TransitionContext) (*models.Order, error) {
	var order models.Order
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := merchantOrderTx(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		if o.Status != from {
			return apperr.Newf(apperr.CodeInvalidOrderStatus, "order %s is %s, expected %s", o.OrderNo, o.Status, from)
		}
		if err := r.machine.Transition(ctx, tx, o, to, tc); err != nil {
			return err
		}
		order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// VerifyBooking checks the customer in with the code shown at the store.
func (r *Orchestrator) VerifyBooking(ctx context.Context, merchant types.Actor, orderID uint, code string) (*models.Order, error) {
	o, err := r.merchantTransition(ctx, merchant, orderID, types.ORDER_PAID, types.ORDER_CONFIRMED, orders.TransitionContext{VerificationCode: code})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, events.OrderConfirmed, o, "")
	return o, nil
}

func (r *Orchestrator) StartUsage(ctx context.Context, merchant types.Actor, orderID uint) (*models.Order, error) {
	return r.merchantTransition(ctx, merchant, orderID, types.ORDER_CONFIRMED, types.ORDER_IN_PROGRESS, orders.TransitionContext{})
}

func (r *Orchestrator) CompleteOrder(ctx context.Context, merchant types.Actor, orderID uint) (*models.Order, error) {
	o, err := r.merchantTransition(ctx, merchant, orderID, types.ORDER_IN_PROGRESS, types.ORDER_COMPLETED, orders.TransitionContext{})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, events.OrderCompleted, o, "")
	return o, nil
}

// GetOrder returns the order, cancelling it first if its payment window has
// elapsed.
func (r *Orchestrator) GetOrder(ctx context.Context, actor types.Actor, orderID uint) (*models.Order, error) {
	var (
		order   models.Order
		expired bool
	)
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.Owns(o.UserID) {
			store, err := tx.GetStore(ctx, o.StoreID)
			if err != nil || store.OwnerID != actor.UserID {
				return apperr.Newf(apperr.CodeOrderNotFound, "order %d not found", orderID)
			}
		}
		if expired, err = r.machine.Expire(ctx, tx, o); err != nil {
			return err
		}
		order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		r.emit(ctx, events.OrderCancelled, &order, "")
	}
	return &order, nil
}

// RoomAvailability reports whether [start, end) is free on the room.
func (r *Orchestrator) RoomAvailability(ctx context.Context, roomID uint, start, end time.Time) (bool, error) {
	return r.index.IsFree(ctx, roomID, start, end)
}

// SweepExpired cancels up to limit PENDING orders whose payment window has
// elapsed and releases their room holds. Each order is handled in its own
// transaction so one failure does not block the rest.
func (r *Orchestrator) SweepExpired(ctx context.Context, limit int) (int, error) {
	var stale []models.Order
	err := r.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		stale, err = tx.ListExpiredPending(ctx, r.machine.Now(), limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, s := range stale {
		var (
			order   models.Order
			expired bool
		)
		err := r.store.WithTx(ctx, func(tx repo.Tx) error {
			o, err := tx.GetOrderForUpdate(ctx, s.ID)
			if err != nil {
				return err
			}
			expired, err = r.machine.Expire(ctx, tx, o)
			order = *o
			return err
		})
		if err != nil {
			log.Printf("[Reservation] Could not expire order %s: %s\n", s.OrderNo, err.Error())
			continue
		}
		if expired {
			swept++
			r.emit(ctx, events.OrderCancelled, &order, "")
		}
	}
	if swept > 0 {
		log.Printf("[Reservation] Expired %d unpaid orders\n", swept)
	}
	return swept, nil
}

func (r *Orchestrator) emit(ctx context.Context, name events.Name, o *models.Order, recipient string) {
	ev := events.ForOrder(name, o, r.machine.Now())
	ev.Recipient = recipient
	events.Emit(ctx, r.events, ev)
}
