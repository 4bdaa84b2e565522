// Package wallet moves money in and out of a user's prepaid balance.
package wallet

import (
	"context"
	"lsm/src/apperr"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	store repo.Store
	now   func() time.Time
}

func New(store repo.Store, now func() time.Time) *Wallet {
	if now == nil {
		now = time.Now
	}
	return &Wallet{store: store, now: now}
}

type Movement struct {
	UserID  uint
	Amount  decimal.Decimal
	OrderID *uint
	Note    string
}

// DebitTx takes amount from the user's balance. The user row stays locked
// until the surrounding transaction ends.
func (w *Wallet) DebitTx(ctx context.Context, tx repo.Tx, m Movement) (decimal.Decimal, error) {
	if !m.Amount.IsPositive() {
		return decimal.Zero, apperr.New(apperr.CodeInvalidAmount, "debit amount must be positive")
	}
	user, err := tx.GetUserForUpdate(ctx, m.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	if user.Balance.LessThan(m.Amount) {
		return user.Balance, apperr.Newf(apperr.CodeInsufficientBalance, "balance %s is less than %s", user.Balance.StringFixed(2), m.Amount.StringFixed(2))
	}
	return w.apply(ctx, tx, user, m.Amount.Neg(), types.WALLET_DEBIT, m)
}

func (w *Wallet) CreditTx(ctx context.Context, tx repo.Tx, m Movement) (decimal.Decimal, error) {
	if !m.Amount.IsPositive() {
		return decimal.Zero, apperr.New(apperr.CodeInvalidAmount, "credit amount must be positive")
	}
	user, err := tx.GetUserForUpdate(ctx, m.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.apply(ctx, tx, user, m.Amount, types.WALLET_CREDIT, m)
}

func (w *Wallet) apply(ctx context.Context, tx repo.Tx, user *models.User, delta decimal.Decimal, typ types.WalletRecordType, m Movement) (decimal.Decimal, error) {
	balance := user.Balance.Add(delta)
	if err := tx.UpdateUserBalance(ctx, user.ID, balance); err != nil {
		return user.Balance, err
	}
	rec := &models.WalletRecord{
		UserID:       user.ID,
		Type:         typ,
		Amount:       delta,
		BalanceAfter: balance,
		OrderID:      m.OrderID,
		Note:         m.Note,
		CreatedAt:    w.now(),
	}
	if err := tx.CreateWalletRecord(ctx, rec); err != nil {
		return user.Balance, err
	}
	return balance, nil
}

func (w *Wallet) Balance(ctx context.Context, userID uint) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := w.store.WithTx(ctx, func(tx repo.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		bal = user.Balance
		return nil
	})
	return bal, err
}
