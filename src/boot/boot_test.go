package boot

import (
	"context"
	"errors"
	"log"
	"lsm/src/config"
	"lsm/src/events"
	"lsm/src/models"
	"lsm/src/payment"
	"lsm/src/repo"
	"lsm/src/types"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening a stub database connection", err)
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func TestMigrateSlotConstraint(t *testing.T) {
	gdb, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS btree_gist").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(slotExclusionConstraint).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("ALTER TABLE room_slots ADD CONSTRAINT room_slots_no_overlap").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, MigrateSlotConstraint(gdb))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSlotConstraintIsIdempotent(t *testing.T) {
	gdb, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS btree_gist").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(slotExclusionConstraint).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	require.NoError(t, MigrateSlotConstraint(gdb))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testServices(now time.Time) (*Services, *repo.MemoryStore, *events.Recorder) {
	store := repo.NewMemoryStore(time.Second)
	rec := &events.Recorder{}
	clock := func() time.Time { return now }
	svc := NewServices(config.DefaultPolicy(), Deps{
		Store:   store,
		Intents: payment.NewMemoryIntentStore(clock),
		Events:  rec,
		Gateways: map[types.PaymentMethod]payment.Gateway{
			types.PAYMENT_WECHAT: payment.SandboxGateway{},
		},
		Now: clock,
	})
	return svc, store, rec
}

func TestNewServicesRegistersConfiguredMethods(t *testing.T) {
	svc, _, _ := testServices(time.Now())

	_, err := svc.Processor.Handler(types.PAYMENT_BALANCE)
	assert.NoError(t, err)
	_, err = svc.Processor.Handler(types.PAYMENT_WECHAT)
	assert.NoError(t, err)
	_, err = svc.Processor.Handler(types.PAYMENT_ALIPAY)
	assert.Error(t, err)
	_, err = svc.Processor.Handler(types.PAYMENT_CARD)
	assert.Error(t, err)
}

func TestJobs(t *testing.T) {
	svc, _, _ := testServices(time.Now())

	var names []string
	for _, j := range svc.Jobs() {
		names = append(names, j.Name)
		assert.Positive(t, j.Every)
	}
	assert.Equal(t, []string{"sweep-expired-orders", "expire-points", "submit-refunds"}, names)
}

func TestRunJobSweepsExpiredOrders(t *testing.T) {
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	svc, store, rec := testServices(now)
	user := store.PutUser(models.User{Email: "li@example.com"})
	shop := store.PutStore(models.Store{Name: "Teahouse", Active: true})
	o := store.PutOrder(models.Order{
		OrderNo:      "F20261020-00000001",
		UserID:       user.ID,
		StoreID:      shop.ID,
		Type:         types.ORDER_TYPE_FOOD,
		Status:       types.ORDER_PENDING,
		TotalAmount:  decimal.NewFromInt(40),
		ActualAmount: decimal.NewFromInt(40),
		ExpiresAt:    now.Add(-time.Minute),
	})

	run := svc.RunJob(context.Background(), svc.Jobs()[0])

	assert.Equal(t, 1, run.Affected)
	assert.Empty(t, run.Error)
	assert.Equal(t, types.ORDER_CANCELLED, store.Order(o.ID).Status)
	assert.Equal(t, []events.Name{events.OrderCancelled}, rec.Names())
	require.Len(t, store.JobRuns(), 1)
	assert.Equal(t, "sweep-expired-orders", store.JobRuns()[0].Name)
}

func TestRunJobRecordsFailure(t *testing.T) {
	svc, store, _ := testServices(time.Now())

	run := svc.RunJob(context.Background(), Job{Name: "broken", Run: func(context.Context) (int, error) {
		return 2, errors.New("provider down")
	}})

	assert.Equal(t, 2, run.Affected)
	assert.Equal(t, "provider down", run.Error)
	require.Len(t, store.JobRuns(), 1)
	assert.Equal(t, "provider down", store.JobRuns()[0].Error)
}
