// Package checkout drives payment and refund of orders: applying points,
// starting payments, handling gateway callbacks and unwinding money and
// points on refund.
package checkout

import (
	"context"
	"fmt"
	"log"
	"lsm/src/apperr"
	"lsm/src/events"
	"lsm/src/ledger"
	"lsm/src/models"
	"lsm/src/orders"
	"lsm/src/payment"
	"lsm/src/repo"
	"lsm/src/types"

	"github.com/shopspring/decimal"
)

type Orchestrator struct {
	store     repo.Store
	machine   *orders.Machine
	ledger    *ledger.Ledger
	processor *payment.Processor
	events    events.Publisher
}

func New(store repo.Store, machine *orders.Machine, l *ledger.Ledger, processor *payment.Processor, pub events.Publisher) *Orchestrator {
	return &Orchestrator{store: store, machine: machine, ledger: l, processor: processor, events: pub}
}

type PayResult struct {
	Order   models.Order        `json:"order"`
	Settled bool                `json:"settled"`
	Payment *payment.Descriptor `json:"payment,omitempty"`
}

// PayOrder applies up to pointsToUse points and starts payment with method.
// Balance payments settle in the same transaction; other methods return a
// descriptor and settle on callback.
func (c *Orchestrator) PayOrder(ctx context.Context, actor types.Actor, orderID uint, method types.PaymentMethod, pointsToUse int64) (*PayResult, error) {
	if pointsToUse < 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "points must not be negative")
	}
	var (
		result    PayResult
		expired   bool
		recipient string
	)
	err := c.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != actor.UserID {
			return apperr.New(apperr.CodeForbidden, "order belongs to another user")
		}
		if o.Status == types.ORDER_CANCELLED && o.PaidAt == nil && c.machine.Now().After(o.ExpiresAt) {
			return apperr.Newf(apperr.CodeOrderExpired, "order %s payment window has closed", o.OrderNo)
		}
		if o.Status != types.ORDER_PENDING {
			return apperr.Newf(apperr.CodeInvalidOrderStatus, "order %s is %s", o.OrderNo, o.Status)
		}
		if expired, err = c.machine.Expire(ctx, tx, o); err != nil || expired {
			result.Order = *o
			return err
		}

		if pointsToUse > 0 && o.PointsUsed == 0 {
			if err := c.applyPointsTx(ctx, tx, o, pointsToUse); err != nil {
				return err
			}
		}

		res, err := c.processor.CreateIntentTx(ctx, tx, o, method, o.ActualAmount)
		if err != nil {
			return err
		}
		result.Settled = res.Settled
		result.Payment = &res.Descriptor
		if res.Settled {
			info := orders.PaymentInfo{Method: method, TransactionID: res.Descriptor.TransactionID, Amount: o.ActualAmount}
			if err := c.processor.SettleTx(ctx, tx, o, info); err != nil {
				return err
			}
		}
		if user, err := tx.GetUser(ctx, o.UserID); err == nil {
			recipient = user.Email
		}
		result.Order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		c.emit(ctx, events.OrderCancelled, &result.Order, recipient)
		return nil, apperr.Newf(apperr.CodeOrderExpired, "order %s payment window has closed", result.Order.OrderNo)
	}
	if result.Settled {
		c.emit(ctx, events.OrderPaid, &result.Order, recipient)
	}
	return &result, nil
}

func (c *Orchestrator) applyPointsTx(ctx context.Context, tx repo.Tx, o *models.Order, requested int64) error {
	units, consumed := c.ledger.Discount(o.ActualAmount, requested)
	if consumed == 0 {
		return nil
	}
	_, err := c.ledger.UseTx(ctx, tx, ledger.Entry{
		UserID:      o.UserID,
		Amount:      consumed,
		Source:      types.POINT_SOURCE_DISCOUNT,
		OrderID:     &o.ID,
		Description: fmt.Sprintf("discount on order %s", o.OrderNo),
	})
	if err != nil {
		return err
	}
	o.PointsUsed = consumed
	o.Discount = units
	o.ActualAmount = o.ActualAmount.Sub(units)
	return tx.SaveOrder(ctx, o)
}

// RequestRefund refunds a paid order, by default in full, and moves it to
// REFUNDED.
func (c *Orchestrator) RequestRefund(ctx context.Context, actor types.Actor, orderID uint, reason string, amount *decimal.Decimal) (*models.Refund, error) {
	var (
		refund    *models.Refund
		order     models.Order
		recipient string
	)
	err := c.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.Owns(o.UserID) {
			return apperr.New(apperr.CodeForbidden, "order belongs to another user")
		}
		switch {
		case o.Status == types.ORDER_REFUNDED:
			return apperr.Newf(apperr.CodeAlreadyRefunded, "order %s was already refunded", o.OrderNo)
		case o.Status == types.ORDER_CANCELLED && o.PaidAt != nil:
			return apperr.Newf(apperr.CodeAlreadyRefunded, "order %s was refunded when it was cancelled", o.OrderNo)
		case o.PaidAt == nil:
			return apperr.Newf(apperr.CodeOrderNotPaid, "order %s has not been paid", o.OrderNo)
		}
		if !orders.CanTransition(o.Status, types.ORDER_REFUNDED) {
			return apperr.Newf(apperr.CodeInvalidOrderStatus, "order %s cannot be refunded while %s", o.OrderNo, o.Status)
		}

		amt := o.ActualAmount
		if amount != nil {
			amt = *amount
		}
		if !amt.IsPositive() || amt.GreaterThan(o.ActualAmount) {
			return apperr.Newf(apperr.CodeInvalidRefundAmount, "refund must be between 0 and %s", o.ActualAmount.StringFixed(2))
		}

		if refund, err = c.RefundTx(ctx, tx, o, amt, reason); err != nil {
			return err
		}
		if err := c.machine.Transition(ctx, tx, o, types.ORDER_REFUNDED, orders.TransitionContext{Reason: reason}); err != nil {
			return err
		}
		if user, err := tx.GetUser(ctx, o.UserID); err == nil {
			recipient = user.Email
		}
		order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, events.OrderRefunded, &order, recipient)
	return refund, nil
}

// RefundTx returns amount through the order's payment method and unwinds the
// order's points: earned points are taken back (never below zero) and points
// spent on the discount are returned.
func (c *Orchestrator) RefundTx(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal, reason string) (*models.Refund, error) {
	refund, err := c.processor.RefundTx(ctx, tx, o, amount, reason)
	if err != nil {
		return nil, err
	}
	earned, err := c.ledger.EarnedForOrderTx(ctx, tx, o.UserID, o.ID)
	if err != nil {
		return nil, err
	}
	if _, err := c.ledger.ReverseTx(ctx, tx, ledger.Entry{
		UserID:      o.UserID,
		Amount:      earned,
		OrderID:     &o.ID,
		Description: fmt.Sprintf("reward reversed for refunded order %s", o.OrderNo),
	}); err != nil {
		return nil, err
	}
	if o.PointsUsed > 0 {
		if _, err := c.ledger.EarnTx(ctx, tx, ledger.Entry{
			UserID:      o.UserID,
			Amount:      o.PointsUsed,
			Source:      types.POINT_SOURCE_REFUND,
			OrderID:     &o.ID,
			Description: fmt.Sprintf("points returned for refunded order %s", o.OrderNo),
		}); err != nil {
			return nil, err
		}
	}
	return refund, nil
}

// PaymentCallback applies a gateway notification. Replays are acknowledged
// without side effects.
func (c *Orchestrator) PaymentCallback(ctx context.Context, txnID string, status types.PaymentStatus, amount decimal.Decimal) (*payment.ReconcileResult, error) {
	res, err := c.processor.Reconcile(ctx, txnID, status, amount)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case payment.OutcomePaid:
		c.emit(ctx, events.OrderPaid, &res.Order, c.recipient(ctx, res.Order.UserID))
	case payment.OutcomeFailed:
		c.emit(ctx, events.OrderCancelled, &res.Order, c.recipient(ctx, res.Order.UserID))
	}
	return res, nil
}

func (c *Orchestrator) ProcessPendingRefunds(ctx context.Context, limit int) (int, error) {
	return c.processor.ProcessPendingRefunds(ctx, limit)
}

func (c *Orchestrator) recipient(ctx context.Context, userID uint) string {
	var email string
	err := c.store.WithTx(ctx, func(tx repo.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		email = u.Email
		return nil
	})
	if err != nil {
		log.Printf("[checkout] Could not load user %d: %s\n", userID, err.Error())
	}
	return email
}

func (c *Orchestrator) emit(ctx context.Context, name events.Name, o *models.Order, recipient string) {
	ev := events.ForOrder(name, o, c.machine.Now())
	ev.Recipient = recipient
	events.Emit(ctx, c.events, ev)
}
