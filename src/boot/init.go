package boot

import (
	"context"
	"log"
	"lsm/src/db"
	"lsm/src/lib"
	"lsm/src/models"
	"os"
	"time"

	"gorm.io/gorm"
)

const slotExclusionConstraint = "room_slots_no_overlap"

func InitDb() *gorm.DB {
	db := db.GetDb()

	err := db.AutoMigrate(
		&models.User{},
		&models.Store{},
		&models.Room{},
		&models.MenuItem{},
		&models.Order{},
		&models.RoomSlot{},
		&models.PointRecord{},
		&models.WalletRecord{},
		&models.Refund{},
		&models.JobRun{},
	)
	if err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}
	if err := MigrateSlotConstraint(db); err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}

	return db
}

// MigrateSlotConstraint makes postgres reject two live slots of one room with
// overlapping half-open windows, so a double booking cannot commit even if two
// writers slip past the application check.
func MigrateSlotConstraint(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS btree_gist").Error; err != nil {
			return err
		}
		var exists bool
		if err := tx.Raw(
			"SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = ?)",
			slotExclusionConstraint,
		).Scan(&exists).Error; err != nil {
			return err
		}
		if exists {
			return nil
		}
		return tx.Exec(`ALTER TABLE room_slots ADD CONSTRAINT ` + slotExclusionConstraint + `
			EXCLUDE USING gist (room_id WITH =, tstzrange(start_at, end_at, '[)') WITH &&)
			WHERE (released_at IS NULL)`).Error
	})
}

// InitBroker creates the order events topic when a Kafka broker is configured.
func InitBroker() {
	if os.Getenv("KAFKA_BROKER") == "" {
		return
	}
	if _, err := lib.KafkaCreateTopics(eventsTopic()); err != nil {
		log.Printf("Could not create topics: %s\n", err.Error())
	}
}

// InitScheduler registers the background sweeps and starts the scheduler.
func InitScheduler(s *Services) {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("An error has occurred. Check logs for info")
		return
	}
	for _, job := range s.Jobs() {
		job := job
		if _, err := lib.CreateCronJob(job.Name, job.Every, func() {
			s.RunJob(context.Background(), job)
		}); err != nil {
			log.Printf("Error registering %s: %s\n", job.Name, err.Error())
		}
	}
	log.Println("Jobs in queue:", len(sched.Jobs()))
	sched.Start()
}

func StopScheduler() {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("Error retrieving Scheduler. Check logs for info")
		return
	}
	if err := sched.Shutdown(); err != nil {
		log.Println("An error has occurred while shutting stopping Scheduler. Check logs for info")
	}
}

// Job is one periodic sweep.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)
}

// Jobs lists the sweeps: expired unpaid orders, lapsed point lots and
// refunds still waiting on a provider.
func (s *Services) Jobs() []Job {
	p := s.Policy
	return []Job{
		{Name: "sweep-expired-orders", Every: p.SweepInterval, Run: func(ctx context.Context) (int, error) {
			return s.Reservation.SweepExpired(ctx, p.SweepBatchSize)
		}},
		{Name: "expire-points", Every: p.PointsExpiryInterval, Run: s.Ledger.ProcessExpired},
		{Name: "submit-refunds", Every: p.RefundInterval, Run: func(ctx context.Context) (int, error) {
			return s.Checkout.ProcessPendingRefunds(ctx, p.SweepBatchSize)
		}},
	}
}

// RunJob executes job once and records the run.
func (s *Services) RunJob(ctx context.Context, job Job) models.JobRun {
	run := models.JobRun{Name: job.Name, StartedAt: s.now()}
	n, err := job.Run(ctx)
	run.Affected = n
	run.FinishedAt = s.now()
	if err != nil {
		run.Error = err.Error()
		log.Printf("[%s] failed after %d: %s\n", job.Name, n, err.Error())
	} else if n > 0 {
		log.Printf("[%s] processed %d\n", job.Name, n)
	}
	if err := s.Store.RecordJobRun(ctx, &run); err != nil {
		log.Printf("[%s] Could not record run: %s\n", job.Name, err.Error())
	}
	return run
}
