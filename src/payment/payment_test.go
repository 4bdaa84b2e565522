package payment

import (
	"bytes"
	"context"
	"errors"
	"log"
	"lsm/src/apperr"
	"lsm/src/availability"
	"lsm/src/config"
	"lsm/src/ledger"
	"lsm/src/models"
	"lsm/src/orders"
	"lsm/src/repo"
	"lsm/src/types"
	"lsm/src/wallet"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type flakyGateway struct {
	SandboxGateway
	err     error
	refunds []string
}

func (g *flakyGateway) Refund(ctx context.Context, txnID, refundNo string, amount decimal.Decimal) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.refunds = append(g.refunds, txnID)
	return "GW-" + refundNo, nil
}

type ProcessorSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	store     *repo.MemoryStore
	intents   *MemoryIntentStore
	ledger    *ledger.Ledger
	index     *availability.Index
	machine   *orders.Machine
	gateway   *flakyGateway
	processor *Processor
	user      models.User
	room      models.Room
}

func (s *ProcessorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	policy := config.DefaultPolicy()
	s.store = repo.NewMemoryStore(time.Second)
	s.intents = NewMemoryIntentStore(clock)
	s.ledger = ledger.New(s.store, policy, clock)
	s.index = availability.New(s.store, clock)
	s.machine = orders.NewMachine(s.index, s.ledger, policy, clock)
	s.gateway = &flakyGateway{}
	s.processor = NewProcessor(s.store, s.intents, s.machine, s.ledger,
		NewBalanceHandler(wallet.New(s.store, clock)),
		NewGatewayHandler(types.PAYMENT_WECHAT, s.gateway),
	)
	s.user = s.store.PutUser(models.User{Name: "wang", Balance: decimal.NewFromInt(500)})
	s.room = s.store.PutRoom(models.Room{StoreID: 1, Name: "M2", Capacity: 6, HourlyPrice: decimal.NewFromInt(100)})
}

func (s *ProcessorSuite) pendingOrder(pointsUsed int64) models.Order {
	start := s.now.Add(5 * time.Hour)
	end := start.Add(2 * time.Hour)
	roomID := s.room.ID
	o := s.store.PutOrder(models.Order{
		OrderNo:      "R20261020-AB12CD34",
		UserID:       s.user.ID,
		StoreID:      1,
		RoomID:       &roomID,
		Type:         types.ORDER_TYPE_ROOM,
		StartTime:    &start,
		EndTime:      &end,
		Status:       types.ORDER_PENDING,
		TotalAmount:  decimal.NewFromInt(260),
		ActualAmount: decimal.NewFromInt(260),
		PointsUsed:   pointsUsed,
		ExpiresAt:    s.now.Add(15 * time.Minute),
	})
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		return s.index.CheckAndReserveTx(s.ctx, tx, s.room.ID, start, end, o.ID)
	})
	s.Require().NoError(err)
	return o
}

func (s *ProcessorSuite) startIntent(o models.Order, method types.PaymentMethod) *IntentResult {
	var res *IntentResult
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		locked, err := tx.GetOrderForUpdate(s.ctx, o.ID)
		if err != nil {
			return err
		}
		res, err = s.processor.CreateIntentTx(s.ctx, tx, locked, method, locked.ActualAmount)
		return err
	})
	s.Require().NoError(err)
	return res
}

func (s *ProcessorSuite) points() int64 {
	bal, err := s.ledger.Balance(s.ctx, s.user.ID)
	s.Require().NoError(err)
	return bal
}

func (s *ProcessorSuite) TestBalancePaymentSettlesImmediately() {
	o := s.pendingOrder(0)
	var res *IntentResult
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		locked, err := tx.GetOrderForUpdate(s.ctx, o.ID)
		if err != nil {
			return err
		}
		res, err = s.processor.CreateIntentTx(s.ctx, tx, locked, types.PAYMENT_BALANCE, locked.ActualAmount)
		if err != nil {
			return err
		}
		return s.processor.SettleTx(s.ctx, tx, locked, orders.PaymentInfo{
			Method:        types.PAYMENT_BALANCE,
			TransactionID: res.Descriptor.TransactionID,
			Amount:        locked.ActualAmount,
		})
	})
	s.Require().NoError(err)

	s.True(res.Settled)
	s.True(strings.HasPrefix(res.Descriptor.TransactionID, "BAL-"))
	got := s.store.Order(o.ID)
	s.Equal(types.ORDER_PAID, got.Status)
	s.NotNil(got.PaidAt)
	s.True(decimal.NewFromInt(240).Equal(s.store.User(s.user.ID).Balance))
	s.Equal(int64(13), s.points())
	s.Len(s.store.WalletRecordsOf(s.user.ID), 1)
}

func (s *ProcessorSuite) TestBalancePaymentInsufficient() {
	s.store.PutUser(models.User{ID: s.user.ID, Name: "wang", Balance: decimal.NewFromInt(100)})
	o := s.pendingOrder(0)
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		locked, err := tx.GetOrderForUpdate(s.ctx, o.ID)
		if err != nil {
			return err
		}
		_, err = s.processor.CreateIntentTx(s.ctx, tx, locked, types.PAYMENT_BALANCE, locked.ActualAmount)
		return err
	})

	s.Equal(apperr.CodeInsufficientBalance, apperr.CodeOf(err))
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
	s.Empty(s.store.WalletRecordsOf(s.user.ID))
}

func (s *ProcessorSuite) TestUnsupportedMethod() {
	o := s.pendingOrder(0)
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		_, err := s.processor.CreateIntentTx(s.ctx, tx, &o, types.PAYMENT_CARD, o.ActualAmount)
		return err
	})
	s.Equal(apperr.CodeUnsupportedPaymentMethod, apperr.CodeOf(err))
}

func (s *ProcessorSuite) TestGatewayIntentDescriptor() {
	o := s.pendingOrder(0)
	res := s.startIntent(o, types.PAYMENT_WECHAT)

	s.False(res.Settled)
	s.True(strings.HasPrefix(res.Descriptor.TransactionID, "WX-"))
	s.Contains(res.Descriptor.CodeURL, res.Descriptor.TransactionID)
	s.True(strings.HasPrefix(res.Descriptor.QRCode, "data:image/jpeg;base64,"))
	s.Require().NotNil(res.Descriptor.ExpiresAt)
	s.Equal(s.now.Add(30*time.Minute), *res.Descriptor.ExpiresAt)

	intent, err := s.intents.Get(s.ctx, res.Descriptor.TransactionID)
	s.Require().NoError(err)
	s.Require().NotNil(intent)
	s.Equal(o.ID, intent.OrderID)
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
}

func (s *ProcessorSuite) TestReconcileSuccessIsIdempotent() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID

	res, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomePaid, res.Outcome)
	s.Equal(types.ORDER_PAID, res.Order.Status)
	s.Equal(txn, res.Order.TransactionID)
	s.Equal(int64(13), s.points())

	again, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeAlreadyProcessed, again.Outcome)
	s.Equal(int64(13), s.points())
	s.Empty(s.store.Refunds())
}

func (s *ProcessorSuite) TestReconcileAmountMismatch() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID

	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.RequireFromString("259.99"))

	s.Equal(apperr.CodeAmountMismatch, apperr.CodeOf(err))
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
}

func (s *ProcessorSuite) TestReconcileUnknownTransaction() {
	_, err := s.processor.Reconcile(s.ctx, "WX-nope", types.PAYMENT_SUCCESS, decimal.NewFromInt(1))
	s.Equal(apperr.CodePaymentIntentNotFound, apperr.CodeOf(err))
}

func (s *ProcessorSuite) TestReconcileAfterIntentTTL() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.now = s.now.Add(31 * time.Minute)

	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Equal(apperr.CodePaymentIntentNotFound, apperr.CodeOf(err))
}

func (s *ProcessorSuite) TestReconcileFailureCancelsAndReturnsPoints() {
	s.store.PutPointRecord(models.PointRecord{UserID: s.user.ID, Type: types.POINT_EARN, Amount: 100, Balance: 100, Source: types.POINT_SOURCE_ORDER, CreatedAt: s.now.Add(-time.Hour)})
	s.store.PutPointRecord(models.PointRecord{UserID: s.user.ID, Type: types.POINT_USE, Amount: -100, Balance: 0, Source: types.POINT_SOURCE_DISCOUNT, CreatedAt: s.now})
	o := s.pendingOrder(100)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.Equal(int64(0), s.points())

	res, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_FAILED, decimal.NewFromInt(260))
	s.Require().NoError(err)

	s.Equal(OutcomeFailed, res.Outcome)
	s.Equal(types.ORDER_CANCELLED, s.store.Order(o.ID).Status)
	s.Equal(int64(100), s.points())
	for _, slot := range s.store.Slots() {
		s.NotNil(slot.ReleasedAt)
	}
}

func (s *ProcessorSuite) TestLateCaptureOnExpiredOrderIsRefundedOnce() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.now = s.now.Add(20 * time.Minute)

	res, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeLateCaptureRefunded, res.Outcome)
	s.Equal(types.ORDER_CANCELLED, s.store.Order(o.ID).Status)

	again, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeAlreadyProcessed, again.Outcome)

	refunds := s.store.Refunds()
	s.Require().Len(refunds, 1)
	s.Equal(txn, refunds[0].TransactionID)
	s.Equal(types.REFUND_PENDING, refunds[0].Status)
	s.Equal(int64(0), s.points())
}

func (s *ProcessorSuite) TestSecondCaptureOnPaidOrderIsRefunded() {
	o := s.pendingOrder(0)
	first := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	second := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID

	_, err := s.processor.Reconcile(s.ctx, second, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	res, err := s.processor.Reconcile(s.ctx, first, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)

	s.Equal(OutcomeLateCaptureRefunded, res.Outcome)
	s.Equal(second, s.store.Order(o.ID).TransactionID)
	s.Equal(types.ORDER_PAID, s.store.Order(o.ID).Status)
	s.Require().Len(s.store.Refunds(), 1)
	s.Equal(first, s.store.Refunds()[0].TransactionID)
}

func (s *ProcessorSuite) TestSupersededIntentCannotSettle() {
	o := s.pendingOrder(0)
	first := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	second := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.Equal(second, s.store.Order(o.ID).IntentID)

	res, err := s.processor.Reconcile(s.ctx, first, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeLateCaptureRefunded, res.Outcome)
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
	s.Equal(int64(0), s.points())

	again, err := s.processor.Reconcile(s.ctx, first, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeAlreadyProcessed, again.Outcome)

	paid, err := s.processor.Reconcile(s.ctx, second, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomePaid, paid.Outcome)
	s.Equal(second, s.store.Order(o.ID).TransactionID)
	s.Require().Len(s.store.Refunds(), 1)
	s.Equal(first, s.store.Refunds()[0].TransactionID)
}

func (s *ProcessorSuite) TestCaptureForOutdatedAmountIsRefunded() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	err := s.store.WithTx(s.ctx, func(tx repo.Tx) error {
		locked, err := tx.GetOrderForUpdate(s.ctx, o.ID)
		if err != nil {
			return err
		}
		locked.Discount = decimal.NewFromInt(10)
		locked.ActualAmount = decimal.NewFromInt(250)
		return tx.SaveOrder(s.ctx, locked)
	})
	s.Require().NoError(err)

	res, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)

	s.Equal(OutcomeLateCaptureRefunded, res.Outcome)
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
	s.Require().Len(s.store.Refunds(), 1)
	s.True(decimal.NewFromInt(260).Equal(s.store.Refunds()[0].Amount))
}

func (s *ProcessorSuite) TestFailureOfSupersededIntentIsIgnored() {
	o := s.pendingOrder(0)
	first := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	second := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID

	res, err := s.processor.Reconcile(s.ctx, first, types.PAYMENT_FAILED, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeIgnored, res.Outcome)
	s.Equal(types.ORDER_PENDING, s.store.Order(o.ID).Status)
	for _, slot := range s.store.Slots() {
		s.Nil(slot.ReleasedAt)
	}

	paid, err := s.processor.Reconcile(s.ctx, second, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomePaid, paid.Outcome)
	s.Empty(s.store.Refunds())
}

func (s *ProcessorSuite) TestReplayAfterIntentTTL() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.now = s.now.Add(31 * time.Minute)

	again, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)
	s.Equal(OutcomeAlreadyProcessed, again.Outcome)
	s.Equal(o.ID, again.Order.ID)

	_, err = s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(1))
	s.Equal(apperr.CodeAmountMismatch, apperr.CodeOf(err))

	_, err = s.processor.Reconcile(s.ctx, "", types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Equal(apperr.CodePaymentIntentNotFound, apperr.CodeOf(err))
	s.Equal(int64(13), s.points())
}

func (s *ProcessorSuite) TestProcessPendingRefunds() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.now = s.now.Add(20 * time.Minute)
	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)

	done, err := s.processor.ProcessPendingRefunds(s.ctx, 10)
	s.Require().NoError(err)

	s.Equal(1, done)
	s.Equal([]string{txn}, s.gateway.refunds)
	r := s.store.Refunds()[0]
	s.Equal(types.REFUND_COMPLETED, r.Status)
	s.Equal(1, r.Attempts)
	s.NotEmpty(r.GatewayRef)
	s.NotNil(r.ProcessedAt)
}

func (s *ProcessorSuite) TestProcessPendingRefundsGivesUp() {
	s.gateway.err = errors.New("gateway down")
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.now = s.now.Add(20 * time.Minute)
	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)

	for i := 0; i < maxRefundAttempts; i++ {
		done, err := s.processor.ProcessPendingRefunds(s.ctx, 10)
		s.Require().NoError(err)
		s.Zero(done)
	}

	r := s.store.Refunds()[0]
	s.Equal(types.REFUND_FAILED, r.Status)
	s.Equal(maxRefundAttempts, r.Attempts)

	done, err := s.processor.ProcessPendingRefunds(s.ctx, 10)
	s.Require().NoError(err)
	s.Zero(done)
	s.Equal(maxRefundAttempts, s.store.Refunds()[0].Attempts)
}

func (s *ProcessorSuite) TestProcessPendingRefundsSkipsClaimed() {
	o := s.pendingOrder(0)
	txn := s.startIntent(o, types.PAYMENT_WECHAT).Descriptor.TransactionID
	s.now = s.now.Add(20 * time.Minute)
	_, err := s.processor.Reconcile(s.ctx, txn, types.PAYMENT_SUCCESS, decimal.NewFromInt(260))
	s.Require().NoError(err)

	claimed := s.store.Refunds()[0]
	until := s.now.Add(refundClaimLease)
	claimed.ClaimedUntil = &until
	s.Require().NoError(s.store.WithTx(s.ctx, func(tx repo.Tx) error { return tx.SaveRefund(s.ctx, &claimed) }))

	done, err := s.processor.ProcessPendingRefunds(s.ctx, 10)
	s.Require().NoError(err)
	s.Zero(done)
	s.Empty(s.gateway.refunds)

	s.now = s.now.Add(refundClaimLease + time.Second)
	done, err = s.processor.ProcessPendingRefunds(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, done)
	s.Equal([]string{txn}, s.gateway.refunds)
	s.Nil(s.store.Refunds()[0].ClaimedUntil)
}

type oversizedGateway struct{ SandboxGateway }

func (oversizedGateway) Prepay(ctx context.Context, txnID, orderNo string, amount decimal.Decimal) (string, error) {
	return "weixin://pay?" + strings.Repeat("x", 8000), nil
}

func TestGatewayIntentWithoutQRCode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	h := NewGatewayHandler(types.PAYMENT_WECHAT, oversizedGateway{})
	res, err := h.CreateIntent(context.Background(), nil, &models.Order{OrderNo: "R20261020-AB12CD34"}, decimal.NewFromInt(260))

	assert.NoError(t, err)
	assert.Empty(t, res.Descriptor.QRCode)
	assert.True(t, strings.HasPrefix(res.Descriptor.CodeURL, "weixin://pay?"))
	assert.Contains(t, buf.String(), "[Payment] Could not render QR code for order R20261020-AB12CD34")
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func TestCallbackSignature(t *testing.T) {
	body := []byte(`{"transaction_id":"WX-1","status":"success","amount":"260.00"}`)
	sig := SignCallback("s3cret", body)

	assert.True(t, VerifyCallback("s3cret", body, sig))
	assert.True(t, VerifyCallback("s3cret", body, strings.ToUpper(sig)))
	assert.False(t, VerifyCallback("other", body, sig))
	assert.False(t, VerifyCallback("s3cret", append(body, ' '), sig))
	assert.False(t, VerifyCallback("", body, sig))
	assert.False(t, VerifyCallback("s3cret", body, ""))
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(26000), ToCents(decimal.NewFromInt(260)))
	assert.Equal(t, int64(1), ToCents(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(1999), ToCents(decimal.RequireFromString("19.99")))
	assert.True(t, decimal.RequireFromString("19.99").Equal(FromCents(1999)))
}
