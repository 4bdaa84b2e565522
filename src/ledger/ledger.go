// Package ledger keeps the per-user points ledger. Entries are append-only;
// balances are derived from the entries, never stored as a mutable counter.
package ledger

import (
	"context"
	"log"
	"lsm/src/apperr"
	"lsm/src/config"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Ledger struct {
	store  repo.Store
	policy config.Policy
	now    func() time.Time
}

func New(store repo.Store, policy config.Policy, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, policy: policy, now: now}
}

type Entry struct {
	UserID      uint
	Amount      int64
	Source      types.PointSource
	OrderID     *uint
	Description string
}

// lot is the unconsumed remainder of one positive entry.
type lot struct {
	id        uint
	remaining int64
	expiresAt *time.Time
	createdAt time.Time
}

func (l *lot) expiredAt(t time.Time) bool {
	return l.expiresAt != nil && !l.expiresAt.After(t)
}

// replay folds the entries (oldest first) into lots. Negative entries consume
// lots that are still alive at the entry's time, earliest expiry first.
func replay(records []models.PointRecord) []*lot {
	var lots []*lot
	byID := map[uint]*lot{}
	for _, r := range records {
		switch {
		case r.Amount > 0:
			l := &lot{id: r.ID, remaining: r.Amount, expiresAt: r.ExpiresAt, createdAt: r.CreatedAt}
			lots = append(lots, l)
			byID[r.ID] = l
		case r.Type == types.POINT_EXPIRE:
			if r.SourceRecordID == nil {
				continue
			}
			if l, ok := byID[*r.SourceRecordID]; ok {
				l.remaining += r.Amount
				if l.remaining < 0 {
					l.remaining = 0
				}
			}
		case r.Amount < 0:
			consume(lots, -r.Amount, r.CreatedAt)
		}
	}
	return lots
}

func consume(lots []*lot, amount int64, at time.Time) {
	live := make([]*lot, 0, len(lots))
	for _, l := range lots {
		if l.remaining > 0 && !l.expiredAt(at) {
			live = append(live, l)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i].expiresAt, live[j].expiresAt
		switch {
		case a == nil && b == nil:
			return live[i].createdAt.Before(live[j].createdAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	for _, l := range live {
		if amount == 0 {
			return
		}
		take := min(l.remaining, amount)
		l.remaining -= take
		amount -= take
	}
}

func balanceAt(lots []*lot, now time.Time) int64 {
	var total int64
	for _, l := range lots {
		if !l.expiredAt(now) {
			total += l.remaining
		}
	}
	return total
}

// BalanceTx returns the user's spendable points at the ledger clock.
func (l *Ledger) BalanceTx(ctx context.Context, tx repo.Tx, userID uint) (int64, error) {
	records, err := tx.PointRecords(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balanceAt(replay(records), l.now()), nil
}

// lockedBalance serializes ledger writers of one user on the user row.
func (l *Ledger) lockedBalance(ctx context.Context, tx repo.Tx, userID uint) (int64, error) {
	if _, err := tx.GetUserForUpdate(ctx, userID); err != nil {
		return 0, err
	}
	return l.BalanceTx(ctx, tx, userID)
}

func (l *Ledger) EarnTx(ctx context.Context, tx repo.Tx, e Entry) (*models.PointRecord, error) {
	if e.Amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "earned points must be positive")
	}
	bal, err := l.lockedBalance(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	expires := now.Add(l.policy.PointsTTL)
	rec := &models.PointRecord{
		UserID:      e.UserID,
		Type:        types.POINT_EARN,
		Amount:      e.Amount,
		Balance:     bal + e.Amount,
		Source:      e.Source,
		OrderID:     e.OrderID,
		Description: e.Description,
		ExpiresAt:   &expires,
		CreatedAt:   now,
	}
	if err := tx.CreatePointRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) UseTx(ctx context.Context, tx repo.Tx, e Entry) (*models.PointRecord, error) {
	if e.Amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "points to use must be positive")
	}
	bal, err := l.lockedBalance(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}
	if e.Amount > bal {
		return nil, apperr.Newf(apperr.CodeInsufficientPoints, "requested %d points, available %d", e.Amount, bal)
	}
	rec := &models.PointRecord{
		UserID:      e.UserID,
		Type:        types.POINT_USE,
		Amount:      -e.Amount,
		Balance:     bal - e.Amount,
		Source:      e.Source,
		OrderID:     e.OrderID,
		Description: e.Description,
		CreatedAt:   l.now(),
	}
	if err := tx.CreatePointRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReverseTx takes back points earned from an order. The reversal is clamped
// to the current balance so it never drives the balance negative. It returns
// the number of points actually reversed.
func (l *Ledger) ReverseTx(ctx context.Context, tx repo.Tx, e Entry) (int64, error) {
	if e.Amount <= 0 {
		return 0, nil
	}
	bal, err := l.lockedBalance(ctx, tx, e.UserID)
	if err != nil {
		return 0, err
	}
	amount := min(e.Amount, bal)
	if amount == 0 {
		return 0, nil
	}
	rec := &models.PointRecord{
		UserID:      e.UserID,
		Type:        types.POINT_REFUND,
		Amount:      -amount,
		Balance:     bal - amount,
		Source:      types.POINT_SOURCE_REFUND,
		OrderID:     e.OrderID,
		Description: e.Description,
		CreatedAt:   l.now(),
	}
	if err := tx.CreatePointRecord(ctx, rec); err != nil {
		return 0, err
	}
	return amount, nil
}

// EarnedForOrderTx sums the points earned from orderID that were not already reversed.
func (l *Ledger) EarnedForOrderTx(ctx context.Context, tx repo.Tx, userID, orderID uint) (int64, error) {
	records, err := tx.PointRecords(ctx, userID)
	if err != nil {
		return 0, err
	}
	var earned int64
	for _, r := range records {
		if r.OrderID == nil || *r.OrderID != orderID {
			continue
		}
		switch {
		case r.Type == types.POINT_EARN && r.Source == types.POINT_SOURCE_ORDER:
			earned += r.Amount
		case r.Type == types.POINT_REFUND:
			earned += r.Amount
		}
	}
	return max(earned, 0), nil
}

func (l *Ledger) Balance(ctx context.Context, userID uint) (int64, error) {
	var bal int64
	err := l.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		bal, err = l.BalanceTx(ctx, tx, userID)
		return err
	})
	return bal, err
}

func (l *Ledger) History(ctx context.Context, userID uint) ([]models.PointRecord, error) {
	var records []models.PointRecord
	err := l.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		records, err = tx.PointRecords(ctx, userID)
		return err
	})
	return records, err
}

// Use spends points outside of checkout, e.g. for a member redemption.
func (l *Ledger) Use(ctx context.Context, userID uint, amount int64, reason string) (*models.PointRecord, error) {
	var rec *models.PointRecord
	err := l.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		rec, err = l.UseTx(ctx, tx, Entry{UserID: userID, Amount: amount, Source: types.POINT_SOURCE_MANUAL, Description: reason})
		return err
	})
	return rec, err
}

// Adjust applies a signed administrative correction.
func (l *Ledger) Adjust(ctx context.Context, userID uint, amount int64, reason string) (*models.PointRecord, error) {
	if amount == 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "adjustment must be non-zero")
	}
	var rec *models.PointRecord
	err := l.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		e := Entry{UserID: userID, Amount: amount, Source: types.POINT_SOURCE_MANUAL, Description: reason}
		if amount > 0 {
			rec, err = l.EarnTx(ctx, tx, e)
			return err
		}
		e.Amount = -amount
		rec, err = l.UseTx(ctx, tx, e)
		return err
	})
	return rec, err
}

// ProcessExpired writes an expire entry for every lot whose expiry passed
// with points left on it. Afterwards the plain sum of a user's entries equals
// the replayed balance. Safe to run repeatedly.
func (l *Ledger) ProcessExpired(ctx context.Context) (int, error) {
	now := l.now()
	var users []uint
	err := l.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		users, err = tx.UsersWithExpiredPoints(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	written := 0
	for _, userID := range users {
		err := l.store.WithTx(ctx, func(tx repo.Tx) error {
			if _, err := tx.GetUserForUpdate(ctx, userID); err != nil {
				return err
			}
			records, err := tx.PointRecords(ctx, userID)
			if err != nil {
				return err
			}
			lots := replay(records)
			running := sumAmounts(records)
			for _, lt := range lots {
				if !lt.expiredAt(now) || lt.remaining == 0 {
					continue
				}
				running -= lt.remaining
				lotID := lt.id
				rec := &models.PointRecord{
					UserID:         userID,
					Type:           types.POINT_EXPIRE,
					Amount:         -lt.remaining,
					Balance:        running,
					Source:         types.POINT_SOURCE_EXPIRY,
					SourceRecordID: &lotID,
					Description:    "points expired",
					CreatedAt:      now,
				}
				if err := tx.CreatePointRecord(ctx, rec); err != nil {
					return err
				}
				written++
			}
			return nil
		})
		if err != nil {
			log.Printf("[Ledger] Error expiring points for user %d: %s\n", userID, err.Error())
			return written, err
		}
	}
	return written, nil
}

func sumAmounts(records []models.PointRecord) int64 {
	var total int64
	for _, r := range records {
		total += r.Amount
	}
	return total
}

// Reward is the number of points earned for paying actual.
func (l *Ledger) Reward(actual decimal.Decimal, vip bool) int64 {
	rate := l.policy.EarnRate
	if vip {
		rate = l.policy.VipEarnRate
	}
	return actual.Mul(rate).Floor().IntPart()
}

// Discount converts up to requested points into whole currency units, capped
// at MaxPointsDiscountRate of actual and leaving at least MinPayable to pay.
func (l *Ledger) Discount(actual decimal.Decimal, requested int64) (decimal.Decimal, int64) {
	per := l.policy.PointsPerUnit
	if per <= 0 || requested < per {
		return decimal.Zero, 0
	}
	units := decimal.NewFromInt(requested / per)
	capUnits := actual.Mul(l.policy.MaxPointsDiscountRate).Floor()
	if units.GreaterThan(capUnits) {
		units = capUnits
	}
	payableCap := actual.Sub(l.policy.MinPayable).Floor()
	if units.GreaterThan(payableCap) {
		units = payableCap
	}
	if !units.IsPositive() {
		return decimal.Zero, 0
	}
	return units, units.IntPart() * per
}
