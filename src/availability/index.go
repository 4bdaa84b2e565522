// Package availability is the authoritative record of which room time
// windows are taken. The room status column is only a cache derived from it.
package availability

import (
	"context"
	"lsm/src/apperr"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"time"
)

type Index struct {
	store repo.Store
	now   func() time.Time
}

func New(store repo.Store, now func() time.Time) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{store: store, now: now}
}

func validRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return apperr.New(apperr.CodeInvalidTimeRange, "start must be before end")
	}
	return nil
}

// CheckAndReserveTx claims [start, end) on the room for orderID. The room row
// lock makes the overlap check and the insert atomic against other writers
// of the same room; the database exclusion constraint backs it up.
func (i *Index) CheckAndReserveTx(ctx context.Context, tx repo.Tx, roomID uint, start, end time.Time, orderID uint) error {
	if err := validRange(start, end); err != nil {
		return err
	}
	if _, err := tx.GetRoomForUpdate(ctx, roomID); err != nil {
		return err
	}
	taken, err := tx.OverlappingSlots(ctx, roomID, start, end)
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return apperr.Newf(apperr.CodeSlotUnavailable, "room %d is already booked between %s and %s", roomID, taken[0].StartAt.Format(time.RFC3339), taken[0].EndAt.Format(time.RFC3339))
	}
	return tx.CreateSlot(ctx, &models.RoomSlot{
		RoomID:    roomID,
		OrderID:   orderID,
		StartAt:   start,
		EndAt:     end,
		State:     types.SLOT_HELD,
		CreatedAt: i.now(),
	})
}

// ReleaseTx frees the order's window. Releasing twice is a no-op.
func (i *Index) ReleaseTx(ctx context.Context, tx repo.Tx, roomID, orderID uint) error {
	_, err := tx.ReleaseSlot(ctx, roomID, orderID, i.now())
	return err
}

func (i *Index) MarkOccupiedTx(ctx context.Context, tx repo.Tx, roomID, orderID uint) error {
	return tx.SetSlotState(ctx, roomID, orderID, types.SLOT_OCCUPIED)
}

func (i *Index) IsFreeTx(ctx context.Context, tx repo.Tx, roomID uint, start, end time.Time) (bool, error) {
	if err := validRange(start, end); err != nil {
		return false, err
	}
	taken, err := tx.OverlappingSlots(ctx, roomID, start, end)
	if err != nil {
		return false, err
	}
	return len(taken) == 0, nil
}

func (i *Index) IsFree(ctx context.Context, roomID uint, start, end time.Time) (bool, error) {
	var free bool
	err := i.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		free, err = i.IsFreeTx(ctx, tx, roomID, start, end)
		return err
	})
	return free, err
}

// DeriveRoomStatusTx recomputes the room's cached status from its live slots
// and persists it. Maintenance and disabled rooms are left alone.
func (i *Index) DeriveRoomStatusTx(ctx context.Context, tx repo.Tx, room *models.Room) error {
	if !room.Bookable() {
		return nil
	}
	slots, err := tx.ActiveSlots(ctx, room.ID, i.now())
	if err != nil {
		return err
	}
	status := types.ROOM_AVAILABLE
	for _, s := range slots {
		if s.State == types.SLOT_OCCUPIED {
			status = types.ROOM_OCCUPIED
			break
		}
		status = types.ROOM_RESERVED
	}
	if room.Status == status {
		return nil
	}
	room.Status = status
	return tx.UpdateRoom(ctx, room)
}
