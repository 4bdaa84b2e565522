package payment

import (
	"context"
	"fmt"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"lsm/src/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceHandler pays from the user's prepaid wallet. The debit happens in
// the caller's transaction so the order is settled immediately.
type BalanceHandler struct {
	wallet *wallet.Wallet
}

func NewBalanceHandler(w *wallet.Wallet) *BalanceHandler {
	return &BalanceHandler{wallet: w}
}

func (h *BalanceHandler) Method() types.PaymentMethod { return types.PAYMENT_BALANCE }

func (h *BalanceHandler) CreateIntent(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*IntentResult, error) {
	_, err := h.wallet.DebitTx(ctx, tx, wallet.Movement{
		UserID:  o.UserID,
		Amount:  amount,
		OrderID: &o.ID,
		Note:    fmt.Sprintf("payment for order %s", o.OrderNo),
	})
	if err != nil {
		return nil, err
	}
	return &IntentResult{
		Settled: true,
		Descriptor: Descriptor{
			Method:        types.PAYMENT_BALANCE,
			TransactionID: "BAL-" + uuid.NewString(),
			Amount:        amount,
		},
	}, nil
}

func (h *BalanceHandler) Refund(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*RefundResult, error) {
	_, err := h.wallet.CreditTx(ctx, tx, wallet.Movement{
		UserID:  o.UserID,
		Amount:  amount,
		OrderID: &o.ID,
		Note:    fmt.Sprintf("refund for order %s", o.OrderNo),
	})
	if err != nil {
		return nil, err
	}
	return &RefundResult{Status: types.REFUND_COMPLETED}, nil
}
