package repo

import (
	"context"
	"lsm/src/apperr"
	"lsm/src/models"
	"lsm/src/types"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and local demos.
// Transactions are fully serialized and a failed transaction restores the
// state captured when it began.
type MemoryStore struct {
	sem     chan struct{}
	timeout time.Duration
	state   memState
	seq     uint
	jobRuns []models.JobRun
}

type memState struct {
	orders        map[uint]models.Order
	stores        map[uint]models.Store
	rooms         map[uint]models.Room
	menuItems     map[uint]models.MenuItem
	slots         map[uint]models.RoomSlot
	users         map[uint]models.User
	walletRecords map[uint]models.WalletRecord
	pointRecords  map[uint]models.PointRecord
	refunds       map[uint]models.Refund
}

func NewMemoryStore(timeout time.Duration) *MemoryStore {
	return &MemoryStore{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
		state: memState{
			orders:        map[uint]models.Order{},
			stores:        map[uint]models.Store{},
			rooms:         map[uint]models.Room{},
			menuItems:     map[uint]models.MenuItem{},
			slots:         map[uint]models.RoomSlot{},
			users:         map[uint]models.User{},
			walletRecords: map[uint]models.WalletRecord{},
			pointRecords:  map[uint]models.PointRecord{},
			refunds:       map[uint]models.Refund{},
		},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s memState) clone() memState {
	return memState{
		orders:        cloneMap(s.orders),
		stores:        cloneMap(s.stores),
		rooms:         cloneMap(s.rooms),
		menuItems:     cloneMap(s.menuItems),
		slots:         cloneMap(s.slots),
		users:         cloneMap(s.users),
		walletRecords: cloneMap(s.walletRecords),
		pointRecords:  cloneMap(s.pointRecords),
		refunds:       cloneMap(s.refunds),
	}
}

func (m *MemoryStore) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.CodeServiceUnavailable, ctx.Err(), "transaction timed out")
	}
}

func (m *MemoryStore) unlock() { <-m.sem }

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	snapshot := m.state.clone()
	seq := m.seq
	if err := fn(&memTx{m: m}); err != nil {
		m.state = snapshot
		m.seq = seq
		return err
	}
	return nil
}

func (m *MemoryStore) RecordJobRun(ctx context.Context, run *models.JobRun) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	m.seq++
	run.ID = m.seq
	m.jobRuns = append(m.jobRuns, *run)
	return nil
}

func (m *MemoryStore) nextID() uint {
	m.seq++
	return m.seq
}

// Seeding and inspection helpers. They take the transaction lock so they are
// safe to call while operations run concurrently.

func (m *MemoryStore) PutUser(u models.User) models.User {
	m.sem <- struct{}{}
	defer m.unlock()
	if u.ID == 0 {
		u.ID = m.nextID()
	}
	m.state.users[u.ID] = u
	return u
}

func (m *MemoryStore) PutStore(s models.Store) models.Store {
	m.sem <- struct{}{}
	defer m.unlock()
	if s.ID == 0 {
		s.ID = m.nextID()
	}
	m.state.stores[s.ID] = s
	return s
}

func (m *MemoryStore) PutRoom(r models.Room) models.Room {
	m.sem <- struct{}{}
	defer m.unlock()
	if r.ID == 0 {
		r.ID = m.nextID()
	}
	if r.Status == "" {
		r.Status = types.ROOM_AVAILABLE
	}
	m.state.rooms[r.ID] = r
	return r
}

func (m *MemoryStore) PutMenuItem(it models.MenuItem) models.MenuItem {
	m.sem <- struct{}{}
	defer m.unlock()
	if it.ID == 0 {
		it.ID = m.nextID()
	}
	m.state.menuItems[it.ID] = it
	return it
}

func (m *MemoryStore) PutOrder(o models.Order) models.Order {
	m.sem <- struct{}{}
	defer m.unlock()
	if o.ID == 0 {
		o.ID = m.nextID()
	}
	m.state.orders[o.ID] = o
	return o
}

func (m *MemoryStore) PutPointRecord(r models.PointRecord) models.PointRecord {
	m.sem <- struct{}{}
	defer m.unlock()
	if r.ID == 0 {
		r.ID = m.nextID()
	}
	m.state.pointRecords[r.ID] = r
	return r
}

func (m *MemoryStore) User(id uint) models.User {
	m.sem <- struct{}{}
	defer m.unlock()
	return m.state.users[id]
}

func (m *MemoryStore) Room(id uint) models.Room {
	m.sem <- struct{}{}
	defer m.unlock()
	return m.state.rooms[id]
}

func (m *MemoryStore) Order(id uint) models.Order {
	m.sem <- struct{}{}
	defer m.unlock()
	return m.state.orders[id]
}

func (m *MemoryStore) Orders() []models.Order {
	m.sem <- struct{}{}
	defer m.unlock()
	return sortedValues(m.state.orders, func(o models.Order) uint { return o.ID })
}

func (m *MemoryStore) Slots() []models.RoomSlot {
	m.sem <- struct{}{}
	defer m.unlock()
	return sortedValues(m.state.slots, func(s models.RoomSlot) uint { return s.ID })
}

func (m *MemoryStore) PointRecordsOf(userID uint) []models.PointRecord {
	m.sem <- struct{}{}
	defer m.unlock()
	return filterPoints(m.state.pointRecords, userID)
}

func (m *MemoryStore) WalletRecordsOf(userID uint) []models.WalletRecord {
	m.sem <- struct{}{}
	defer m.unlock()
	var out []models.WalletRecord
	for _, r := range sortedValues(m.state.walletRecords, func(r models.WalletRecord) uint { return r.ID }) {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) Refunds() []models.Refund {
	m.sem <- struct{}{}
	defer m.unlock()
	return sortedValues(m.state.refunds, func(r models.Refund) uint { return r.ID })
}

func (m *MemoryStore) JobRuns() []models.JobRun {
	m.sem <- struct{}{}
	defer m.unlock()
	return append([]models.JobRun(nil), m.jobRuns...)
}

func sortedValues[V any](in map[uint]V, id func(V) uint) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

func filterPoints(in map[uint]models.PointRecord, userID uint) []models.PointRecord {
	var out []models.PointRecord
	for _, r := range in {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type memTx struct {
	m *MemoryStore
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) error {
	o.ID = t.m.nextID()
	t.m.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	o, ok := t.m.state.orders[id]
	if !ok {
		return nil, apperr.New(apperr.CodeOrderNotFound, "order not found")
	}
	return &o, nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id uint) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) GetOrderByTransaction(ctx context.Context, txnID string) (*models.Order, error) {
	for _, o := range t.m.state.orders {
		if o.TransactionID == txnID {
			return &o, nil
		}
	}
	return nil, apperr.New(apperr.CodeOrderNotFound, "order not found")
}

func (t *memTx) SaveOrder(ctx context.Context, o *models.Order) error {
	t.m.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.m.state.orders {
		if o.Status == types.ORDER_PENDING && o.ExpiresAt.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetStore(ctx context.Context, id uint) (*models.Store, error) {
	s, ok := t.m.state.stores[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "store not found")
	}
	return &s, nil
}

func (t *memTx) GetRoomForUpdate(ctx context.Context, id uint) (*models.Room, error) {
	r, ok := t.m.state.rooms[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "room not found")
	}
	return &r, nil
}

func (t *memTx) UpdateRoom(ctx context.Context, r *models.Room) error {
	cur, ok := t.m.state.rooms[r.ID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "room not found")
	}
	cur.Status = r.Status
	cur.BookingCount = r.BookingCount
	t.m.state.rooms[r.ID] = cur
	return nil
}

func (t *memTx) GetMenuItems(ctx context.Context, storeID uint, ids []uint) ([]models.MenuItem, error) {
	var out []models.MenuItem
	for _, id := range ids {
		it, ok := t.m.state.menuItems[id]
		if ok && it.StoreID == storeID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *memTx) OverlappingSlots(ctx context.Context, roomID uint, start, end time.Time) ([]models.RoomSlot, error) {
	var out []models.RoomSlot
	for _, s := range t.m.state.slots {
		if s.RoomID == roomID && s.ReleasedAt == nil && s.Overlaps(start, end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) ActiveSlots(ctx context.Context, roomID uint, after time.Time) ([]models.RoomSlot, error) {
	var out []models.RoomSlot
	for _, s := range t.m.state.slots {
		if s.RoomID == roomID && s.ReleasedAt == nil && s.EndAt.After(after) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (t *memTx) CreateSlot(ctx context.Context, s *models.RoomSlot) error {
	for _, cur := range t.m.state.slots {
		if cur.RoomID == s.RoomID && cur.ReleasedAt == nil && cur.Overlaps(s.StartAt, s.EndAt) {
			return apperr.New(apperr.CodeSlotUnavailable, "time slot already reserved")
		}
	}
	s.ID = t.m.nextID()
	t.m.state.slots[s.ID] = *s
	return nil
}

func (t *memTx) ReleaseSlot(ctx context.Context, roomID, orderID uint, at time.Time) (bool, error) {
	released := false
	for id, s := range t.m.state.slots {
		if s.RoomID == roomID && s.OrderID == orderID && s.ReleasedAt == nil {
			ts := at
			s.ReleasedAt = &ts
			t.m.state.slots[id] = s
			released = true
		}
	}
	return released, nil
}

func (t *memTx) SetSlotState(ctx context.Context, roomID, orderID uint, state types.SlotState) error {
	for id, s := range t.m.state.slots {
		if s.RoomID == roomID && s.OrderID == orderID && s.ReleasedAt == nil {
			s.State = state
			t.m.state.slots[id] = s
		}
	}
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id uint) (*models.User, error) {
	return t.GetUserForUpdate(ctx, id)
}

func (t *memTx) GetUserForUpdate(ctx context.Context, id uint) (*models.User, error) {
	u, ok := t.m.state.users[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	return &u, nil
}

func (t *memTx) UpdateUserBalance(ctx context.Context, id uint, balance decimal.Decimal) error {
	u, ok := t.m.state.users[id]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "user not found")
	}
	u.Balance = balance
	t.m.state.users[id] = u
	return nil
}

func (t *memTx) CreateWalletRecord(ctx context.Context, r *models.WalletRecord) error {
	r.ID = t.m.nextID()
	t.m.state.walletRecords[r.ID] = *r
	return nil
}

func (t *memTx) PointRecords(ctx context.Context, userID uint) ([]models.PointRecord, error) {
	return filterPoints(t.m.state.pointRecords, userID), nil
}

func (t *memTx) CreatePointRecord(ctx context.Context, r *models.PointRecord) error {
	r.ID = t.m.nextID()
	t.m.state.pointRecords[r.ID] = *r
	return nil
}

func (t *memTx) UsersWithExpiredPoints(ctx context.Context, now time.Time) ([]uint, error) {
	seen := map[uint]bool{}
	var ids []uint
	for _, r := range t.m.state.pointRecords {
		if r.Type == types.POINT_EARN && r.ExpiresAt != nil && !r.ExpiresAt.After(now) && !seen[r.UserID] {
			seen[r.UserID] = true
			ids = append(ids, r.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) CreateRefund(ctx context.Context, r *models.Refund) error {
	r.ID = t.m.nextID()
	t.m.state.refunds[r.ID] = *r
	return nil
}

func (t *memTx) SaveRefund(ctx context.Context, r *models.Refund) error {
	t.m.state.refunds[r.ID] = *r
	return nil
}

func (t *memTx) PendingRefunds(ctx context.Context, now time.Time, limit int) ([]models.Refund, error) {
	var out []models.Refund
	for _, r := range sortedValues(t.m.state.refunds, func(r models.Refund) uint { return r.ID }) {
		if r.Status == types.REFUND_PENDING && (r.ClaimedUntil == nil || r.ClaimedUntil.Before(now)) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) RefundsForOrder(ctx context.Context, orderID uint) ([]models.Refund, error) {
	var out []models.Refund
	for _, r := range sortedValues(t.m.state.refunds, func(r models.Refund) uint { return r.ID }) {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}
