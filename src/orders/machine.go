// Package orders owns the order lifecycle. Every status change goes through
// Machine.Transition, which validates the edge, checks its guards and applies
// the side effects that belong to the edge itself.
package orders

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"lsm/src/apperr"
	"lsm/src/availability"
	"lsm/src/config"
	"lsm/src/ledger"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var edges = map[types.OrderStatus][]types.OrderStatus{
	types.ORDER_PENDING:     {types.ORDER_PAID, types.ORDER_CANCELLED},
	types.ORDER_PAID:        {types.ORDER_CONFIRMED, types.ORDER_CANCELLED, types.ORDER_REFUNDED},
	types.ORDER_CONFIRMED:   {types.ORDER_IN_PROGRESS, types.ORDER_CANCELLED, types.ORDER_REFUNDED},
	types.ORDER_IN_PROGRESS: {types.ORDER_COMPLETED},
	types.ORDER_COMPLETED:   {types.ORDER_REFUNDED},
}

var AllStatuses = []types.OrderStatus{
	types.ORDER_PENDING,
	types.ORDER_PAID,
	types.ORDER_CONFIRMED,
	types.ORDER_IN_PROGRESS,
	types.ORDER_COMPLETED,
	types.ORDER_CANCELLED,
	types.ORDER_REFUNDED,
}

func CanTransition(from, to types.OrderStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentInfo struct {
	Method        types.PaymentMethod
	TransactionID string
	Amount        decimal.Decimal
}

type TransitionContext struct {
	Payment          *PaymentInfo
	VerificationCode string
	Vip              bool
	Reason           string
}

type Machine struct {
	index  *availability.Index
	ledger *ledger.Ledger
	policy config.Policy
	now    func() time.Time
}

func NewMachine(index *availability.Index, l *ledger.Ledger, policy config.Policy, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{index: index, ledger: l, policy: policy, now: now}
}

func (m *Machine) Now() time.Time { return m.now() }

func (m *Machine) Policy() config.Policy { return m.policy }

// IsExpired reports whether a pending order's payment window has elapsed.
func (m *Machine) IsExpired(o *models.Order) bool {
	return o.Status == types.ORDER_PENDING && m.now().After(o.ExpiresAt)
}

func (m *Machine) Transition(ctx context.Context, tx repo.Tx, o *models.Order, to types.OrderStatus, tc TransitionContext) error {
	from := o.Status
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.CodeInvalidTransition, "cannot move order %s from %s to %s", o.OrderNo, from, to)
	}
	now := m.now()

	switch to {
	case types.ORDER_PAID:
		if tc.Payment == nil {
			return apperr.New(apperr.CodeInvalidTransition, "payment is required to mark an order paid")
		}
		if now.After(o.ExpiresAt) {
			return apperr.Newf(apperr.CodeOrderExpired, "order %s payment window closed at %s", o.OrderNo, o.ExpiresAt.Format(time.RFC3339))
		}
		o.PaymentMethod = tc.Payment.Method
		o.TransactionID = tc.Payment.TransactionID
		o.PaidAt = &now

	case types.ORDER_CANCELLED:
		if from != types.ORDER_PENDING && o.HasTimeWindow() {
			deadline := o.StartTime.Add(-m.policy.MinCancelLead(tc.Vip))
			if !now.Before(deadline) {
				return apperr.Newf(apperr.CodeCancelTooLate, "cancellation closed at %s", deadline.Format(time.RFC3339))
			}
		}
		if from == types.ORDER_PENDING && o.PointsUsed > 0 {
			_, err := m.ledger.EarnTx(ctx, tx, ledger.Entry{
				UserID:      o.UserID,
				Amount:      o.PointsUsed,
				Source:      types.POINT_SOURCE_REFUND,
				OrderID:     &o.ID,
				Description: fmt.Sprintf("points returned for cancelled order %s", o.OrderNo),
			})
			if err != nil {
				return err
			}
		}
		o.CancelledAt = &now
		o.CancelReason = tc.Reason

	case types.ORDER_CONFIRMED:
		if subtle.ConstantTimeCompare([]byte(tc.VerificationCode), []byte(o.VerificationCode)) != 1 {
			return apperr.New(apperr.CodeInvalidVerificationCode, "verification code does not match")
		}
		if o.HasTimeWindow() {
			if now.Before(o.StartTime.Add(-m.policy.CheckInEarly)) {
				return apperr.Newf(apperr.CodeTooEarly, "check-in opens at %s", o.StartTime.Add(-m.policy.CheckInEarly).Format(time.RFC3339))
			}
			if now.After(o.EndTime.Add(m.policy.CheckOutLate)) {
				return apperr.New(apperr.CodeTooLate, "booking window has passed")
			}
		}
		o.ConfirmedAt = &now

	case types.ORDER_IN_PROGRESS:
		o.StartedAt = &now

	case types.ORDER_COMPLETED:
		o.CompletedAt = &now

	case types.ORDER_REFUNDED:
		o.RefundedAt = &now
	}

	o.Status = to
	if err := tx.SaveOrder(ctx, o); err != nil {
		return err
	}
	return m.applyRoomEffects(ctx, tx, o, to)
}

func (m *Machine) applyRoomEffects(ctx context.Context, tx repo.Tx, o *models.Order, to types.OrderStatus) error {
	if o.RoomID == nil {
		return nil
	}
	switch to {
	case types.ORDER_CANCELLED, types.ORDER_REFUNDED, types.ORDER_COMPLETED:
		if err := m.index.ReleaseTx(ctx, tx, *o.RoomID, o.ID); err != nil {
			return err
		}
	case types.ORDER_IN_PROGRESS:
		if err := m.index.MarkOccupiedTx(ctx, tx, *o.RoomID, o.ID); err != nil {
			return err
		}
	default:
		return nil
	}
	room, err := tx.GetRoomForUpdate(ctx, *o.RoomID)
	if err != nil {
		return err
	}
	return m.index.DeriveRoomStatusTx(ctx, tx, room)
}

// Expire cancels a pending order whose payment window elapsed. It is a no-op
// for any other order.
func (m *Machine) Expire(ctx context.Context, tx repo.Tx, o *models.Order) (bool, error) {
	if !m.IsExpired(o) {
		return false, nil
	}
	if err := m.Transition(ctx, tx, o, types.ORDER_CANCELLED, TransitionContext{Reason: "payment window elapsed"}); err != nil {
		return false, err
	}
	return true, nil
}

// NewOrderNo builds a human readable unique order number, e.g. R20261016-3F2A9C1B.
func NewOrderNo(t types.OrderType, now time.Time) string {
	prefix := "R"
	switch t {
	case types.ORDER_TYPE_FOOD:
		prefix = "F"
	case types.ORDER_TYPE_COMBO:
		prefix = "C"
	}
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("%s%s-%s", prefix, now.Format("20060102"), id)
}

// NewVerificationCode returns a random 6 digit check-in code.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
