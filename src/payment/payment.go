// Package payment creates payment intents, settles orders once money is
// confirmed and reconciles asynchronous gateway callbacks.
package payment

import (
	"context"
	"fmt"
	"log"
	"lsm/src/apperr"
	"lsm/src/config"
	"lsm/src/ledger"
	"lsm/src/models"
	"lsm/src/orders"
	"lsm/src/repo"
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

// Descriptor tells the client how to complete a payment.
type Descriptor struct {
	Method        types.PaymentMethod `json:"method"`
	TransactionID string              `json:"transaction_id"`
	Amount        decimal.Decimal     `json:"amount"`
	CodeURL       string              `json:"code_url,omitempty"`
	QRCode        string              `json:"qr_code,omitempty"`
	ClientSecret  string              `json:"client_secret,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
}

type IntentResult struct {
	// Settled is true when the money already moved (balance payments).
	Settled    bool
	Descriptor Descriptor
}

type RefundResult struct {
	Status     types.RefundStatus
	GatewayRef string
}

// MethodHandler is implemented once per payment method.
type MethodHandler interface {
	Method() types.PaymentMethod
	CreateIntent(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*IntentResult, error)
	Refund(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*RefundResult, error)
}

// RefundSubmitter is implemented by methods whose refunds are executed
// asynchronously by a third party.
type RefundSubmitter interface {
	SubmitRefund(ctx context.Context, r *models.Refund, txnID string) (string, error)
}

type Outcome string

const (
	OutcomePaid                Outcome = "paid"
	OutcomeFailed              Outcome = "failed"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	OutcomeLateCaptureRefunded Outcome = "late_capture_refunded"
	OutcomeIgnored             Outcome = "ignored"
)

type ReconcileResult struct {
	Outcome Outcome
	Order   models.Order
}

type Processor struct {
	store    repo.Store
	intents  IntentStore
	machine  *orders.Machine
	ledger   *ledger.Ledger
	policy   config.Policy
	handlers map[types.PaymentMethod]MethodHandler
}

func NewProcessor(store repo.Store, intents IntentStore, machine *orders.Machine, l *ledger.Ledger, handlers ...MethodHandler) *Processor {
	p := &Processor{
		store:    store,
		intents:  intents,
		machine:  machine,
		ledger:   l,
		policy:   machine.Policy(),
		handlers: map[types.PaymentMethod]MethodHandler{},
	}
	for _, h := range handlers {
		p.handlers[h.Method()] = h
	}
	return p
}

func (p *Processor) Handler(method types.PaymentMethod) (MethodHandler, error) {
	h, ok := p.handlers[method]
	if !ok {
		return nil, apperr.Newf(apperr.CodeUnsupportedPaymentMethod, "payment method %q is not supported", method)
	}
	return h, nil
}

// CreateIntentTx starts a payment for amount. Third-party intents are
// remembered for IntentTTL so the callback can be matched against them.
func (p *Processor) CreateIntentTx(ctx context.Context, tx repo.Tx, o *models.Order, method types.PaymentMethod, amount decimal.Decimal) (*IntentResult, error) {
	h, err := p.Handler(method)
	if err != nil {
		return nil, err
	}
	res, err := h.CreateIntent(ctx, tx, o, amount)
	if err != nil {
		return nil, err
	}
	if res.Settled {
		return res, nil
	}
	expires := p.machine.Now().Add(p.policy.IntentTTL)
	res.Descriptor.ExpiresAt = &expires
	intent := Intent{
		TransactionID: res.Descriptor.TransactionID,
		OrderID:       o.ID,
		UserID:        o.UserID,
		Method:        method,
		Amount:        amount,
		ExpiresAt:     expires,
	}
	if err := p.intents.Save(ctx, intent, p.policy.IntentTTL); err != nil {
		log.Printf("[Payment] Could not persist intent %s: %s\n", intent.TransactionID, err.Error())
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "payment intent store unavailable")
	}
	o.IntentID = intent.TransactionID
	if err := tx.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	return res, nil
}

// SettleTx marks the order paid and credits the purchase reward.
func (p *Processor) SettleTx(ctx context.Context, tx repo.Tx, o *models.Order, info orders.PaymentInfo) error {
	if err := p.machine.Transition(ctx, tx, o, types.ORDER_PAID, orders.TransitionContext{Payment: &info}); err != nil {
		return err
	}
	user, err := tx.GetUserForUpdate(ctx, o.UserID)
	if err != nil {
		return err
	}
	reward := p.ledger.Reward(o.ActualAmount, user.IsVip(p.machine.Now()))
	if reward <= 0 {
		return nil
	}
	_, err = p.ledger.EarnTx(ctx, tx, ledger.Entry{
		UserID:      o.UserID,
		Amount:      reward,
		Source:      types.POINT_SOURCE_ORDER,
		OrderID:     &o.ID,
		Description: fmt.Sprintf("reward for order %s", o.OrderNo),
	})
	return err
}

// RefundTx refunds amount through the method the order was paid with and
// records the refund.
func (p *Processor) RefundTx(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal, reason string) (*models.Refund, error) {
	return p.refundTx(ctx, tx, o, o.PaymentMethod, o.TransactionID, amount, reason)
}

func (p *Processor) refundTx(ctx context.Context, tx repo.Tx, o *models.Order, method types.PaymentMethod, txnID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	h, err := p.Handler(method)
	if err != nil {
		return nil, err
	}
	res, err := h.Refund(ctx, tx, o, amount)
	if err != nil {
		return nil, err
	}
	now := p.machine.Now()
	refund := &models.Refund{
		OrderID:       o.ID,
		UserID:        o.UserID,
		Amount:        amount,
		Method:        method,
		TransactionID: txnID,
		Status:        res.Status,
		Reason:        reason,
		GatewayRef:    res.GatewayRef,
		CreatedAt:     now,
	}
	if res.Status == types.REFUND_COMPLETED {
		refund.ProcessedAt = &now
	}
	if err := tx.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}
	return refund, nil
}

func hasRefundFor(ctx context.Context, tx repo.Tx, orderID uint, txnID string) (bool, error) {
	refunds, err := tx.RefundsForOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, r := range refunds {
		if r.TransactionID == txnID {
			return true, nil
		}
	}
	return false, nil
}

// Reconcile applies a gateway callback. Delivering the same callback again
// is a successful no-op.
func (p *Processor) Reconcile(ctx context.Context, txnID string, status types.PaymentStatus, amount decimal.Decimal) (*ReconcileResult, error) {
	intent, err := p.intents.Get(ctx, txnID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "payment intent store unavailable")
	}
	if intent == nil {
		return p.replaySettled(ctx, txnID, amount)
	}
	if !amount.Equal(intent.Amount) {
		log.Printf("[SECURITY] Payment %s for order %d reported amount %s, expected %s\n", txnID, intent.OrderID, amount.StringFixed(2), intent.Amount.StringFixed(2))
		return nil, apperr.Newf(apperr.CodeAmountMismatch, "reported amount %s does not match %s", amount.StringFixed(2), intent.Amount.StringFixed(2))
	}

	result := &ReconcileResult{}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, intent.OrderID)
		if err != nil {
			return err
		}
		result.Outcome, err = p.reconcileTx(ctx, tx, o, intent, status)
		result.Order = *o
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Payment] Reconciled %s for order %d: %s\n", txnID, intent.OrderID, result.Outcome)
	return result, nil
}

// replaySettled answers a callback whose intent has already expired from the
// intent store. Only the transaction that paid the order is recognized.
func (p *Processor) replaySettled(ctx context.Context, txnID string, amount decimal.Decimal) (*ReconcileResult, error) {
	if txnID == "" {
		return nil, apperr.New(apperr.CodePaymentIntentNotFound, "callback carries no transaction")
	}
	var o *models.Order
	err := p.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		o, err = tx.GetOrderByTransaction(ctx, txnID)
		return err
	})
	if apperr.CodeOf(err) == apperr.CodeOrderNotFound {
		return nil, apperr.Newf(apperr.CodePaymentIntentNotFound, "no pending payment %s", txnID)
	}
	if err != nil {
		return nil, err
	}
	if !amount.Equal(o.ActualAmount) {
		log.Printf("[SECURITY] Payment %s for order %d reported amount %s, expected %s\n", txnID, o.ID, amount.StringFixed(2), o.ActualAmount.StringFixed(2))
		return nil, apperr.Newf(apperr.CodeAmountMismatch, "reported amount %s does not match %s", amount.StringFixed(2), o.ActualAmount.StringFixed(2))
	}
	return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Order: *o}, nil
}

func (p *Processor) reconcileTx(ctx context.Context, tx repo.Tx, o *models.Order, intent *Intent, status types.PaymentStatus) (Outcome, error) {
	captured := status == types.PAYMENT_SUCCESS
	if o.Status != types.ORDER_PENDING {
		if !captured || o.TransactionID == intent.TransactionID {
			return OutcomeAlreadyProcessed, nil
		}
		// money arrived for an order that was already settled, expired or cancelled
		done, err := hasRefundFor(ctx, tx, o.ID, intent.TransactionID)
		if err != nil || done {
			return OutcomeAlreadyProcessed, err
		}
		if _, err := p.refundTx(ctx, tx, o, intent.Method, intent.TransactionID, intent.Amount, "payment received for an order no longer awaiting payment"); err != nil {
			return "", err
		}
		return OutcomeLateCaptureRefunded, nil
	}

	// a replaced intent, or one created before points changed the amount due
	if intent.TransactionID != o.IntentID || !intent.Amount.Equal(o.ActualAmount) {
		if !captured {
			return OutcomeIgnored, nil
		}
		done, err := hasRefundFor(ctx, tx, o.ID, intent.TransactionID)
		if err != nil || done {
			return OutcomeAlreadyProcessed, err
		}
		if _, err := p.refundTx(ctx, tx, o, intent.Method, intent.TransactionID, intent.Amount, "payment received for a superseded payment request"); err != nil {
			return "", err
		}
		return OutcomeLateCaptureRefunded, nil
	}

	if !captured {
		if err := p.machine.Transition(ctx, tx, o, types.ORDER_CANCELLED, orders.TransitionContext{Reason: "payment failed"}); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	if p.machine.IsExpired(o) {
		if _, err := p.machine.Expire(ctx, tx, o); err != nil {
			return "", err
		}
		if _, err := p.refundTx(ctx, tx, o, intent.Method, intent.TransactionID, intent.Amount, "payment received after order expired"); err != nil {
			return "", err
		}
		return OutcomeLateCaptureRefunded, nil
	}

	info := orders.PaymentInfo{Method: intent.Method, TransactionID: intent.TransactionID, Amount: intent.Amount}
	if err := p.SettleTx(ctx, tx, o, info); err != nil {
		return "", err
	}
	return OutcomePaid, nil
}

// ProcessPendingRefunds submits refunds waiting on a third party and records
// the outcome. It returns how many refunds were completed. Claimed refunds are
// leased for refundClaimLease so another instance running the same job skips
// them; a claim left by a crashed instance lapses and the refund is retried
// under the same refund number.
func (p *Processor) ProcessPendingRefunds(ctx context.Context, limit int) (int, error) {
	type job struct {
		refund models.Refund
		txnID  string
	}
	var jobs []job
	err := p.store.WithTx(ctx, func(tx repo.Tx) error {
		now := p.machine.Now()
		refunds, err := tx.PendingRefunds(ctx, now, limit)
		if err != nil {
			return err
		}
		lease := now.Add(refundClaimLease)
		for _, r := range refunds {
			o, err := tx.GetOrder(ctx, r.OrderID)
			if err != nil {
				return err
			}
			r.ClaimedUntil = &lease
			if err := tx.SaveRefund(ctx, &r); err != nil {
				return err
			}
			jobs = append(jobs, job{refund: r, txnID: o.TransactionID})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, j := range jobs {
		r := j.refund
		h, ok := p.handlers[r.Method].(RefundSubmitter)
		if !ok {
			continue
		}
		txnID := r.TransactionID
		if txnID == "" {
			txnID = j.txnID
		}
		ref, subErr := h.SubmitRefund(ctx, &r, txnID)
		r.Attempts++
		r.ClaimedUntil = nil
		now := p.machine.Now()
		if subErr != nil {
			log.Printf("[Payment] Refund %d for order %d failed: %s\n", r.ID, r.OrderID, subErr.Error())
			if r.Attempts >= maxRefundAttempts {
				r.Status = types.REFUND_FAILED
				r.ProcessedAt = &now
			}
		} else {
			r.Status = types.REFUND_COMPLETED
			r.GatewayRef = ref
			r.ProcessedAt = &now
			completed++
		}
		if err := p.store.WithTx(ctx, func(tx repo.Tx) error { return tx.SaveRefund(ctx, &r) }); err != nil {
			return completed, err
		}
	}
	return completed, nil
}

const (
	maxRefundAttempts = 5
	refundClaimLease  = 5 * time.Minute
)
