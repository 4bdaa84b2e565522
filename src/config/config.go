package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var API_ENV = os.Getenv("API_ENV")

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

const TIME_PARSE_FORMAT = "2006-01-02 15:04:05 -07:00"

// Policy holds the business constants of the booking, payment and points flows.
type Policy struct {
	PaymentWindow         time.Duration
	IntentTTL             time.Duration
	DepositRate           decimal.Decimal
	EarnRate              decimal.Decimal
	VipEarnRate           decimal.Decimal
	MinCancelHours        int
	VipMinCancelHours     int
	CheckInEarly          time.Duration
	CheckOutLate          time.Duration
	PointsPerUnit         int64
	MaxPointsDiscountRate decimal.Decimal
	PointsTTL             time.Duration
	MinPayable            decimal.Decimal
	TxTimeout             time.Duration
	SweepInterval         time.Duration
	PointsExpiryInterval  time.Duration
	RefundInterval        time.Duration
	SweepBatchSize        int
}

func DefaultPolicy() Policy {
	return Policy{
		PaymentWindow:         15 * time.Minute,
		IntentTTL:             30 * time.Minute,
		DepositRate:           decimal.RequireFromString("0.3"),
		EarnRate:              decimal.RequireFromString("0.05"),
		VipEarnRate:           decimal.RequireFromString("0.10"),
		MinCancelHours:        2,
		VipMinCancelHours:     1,
		CheckInEarly:          30 * time.Minute,
		CheckOutLate:          60 * time.Minute,
		PointsPerUnit:         100,
		MaxPointsDiscountRate: decimal.RequireFromString("0.5"),
		PointsTTL:             365 * 24 * time.Hour,
		MinPayable:            decimal.RequireFromString("0.01"),
		TxTimeout:             8 * time.Second,
		SweepInterval:         time.Minute,
		PointsExpiryInterval:  time.Hour,
		RefundInterval:        5 * time.Minute,
		SweepBatchSize:        100,
	}
}

// LoadPolicy reads overrides from the environment on top of DefaultPolicy.
func LoadPolicy() Policy {
	p := DefaultPolicy()
	p.PaymentWindow = envDuration("PAYMENT_WINDOW", p.PaymentWindow)
	p.IntentTTL = envDuration("INTENT_TTL", p.IntentTTL)
	p.DepositRate = envDecimal("DEPOSIT_RATE", p.DepositRate)
	p.EarnRate = envDecimal("EARN_RATE", p.EarnRate)
	p.VipEarnRate = envDecimal("VIP_EARN_RATE", p.VipEarnRate)
	p.MinCancelHours = envInt("MIN_CANCEL_HOURS", p.MinCancelHours)
	p.VipMinCancelHours = envInt("VIP_MIN_CANCEL_HOURS", p.VipMinCancelHours)
	p.CheckInEarly = envDuration("CHECKIN_EARLY", p.CheckInEarly)
	p.CheckOutLate = envDuration("CHECKOUT_LATE", p.CheckOutLate)
	p.PointsPerUnit = int64(envInt("POINTS_PER_UNIT", int(p.PointsPerUnit)))
	p.MaxPointsDiscountRate = envDecimal("MAX_POINTS_DISCOUNT_RATE", p.MaxPointsDiscountRate)
	p.PointsTTL = envDuration("POINTS_TTL", p.PointsTTL)
	p.TxTimeout = envDuration("TX_TIMEOUT", p.TxTimeout)
	p.SweepInterval = envDuration("SWEEP_INTERVAL", p.SweepInterval)
	p.PointsExpiryInterval = envDuration("POINTS_EXPIRY_INTERVAL", p.PointsExpiryInterval)
	p.RefundInterval = envDuration("REFUND_INTERVAL", p.RefundInterval)
	p.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", p.SweepBatchSize)
	return p
}

// MinCancelLead is the minimum time between cancellation and the booked start.
func (p Policy) MinCancelLead(vip bool) time.Duration {
	if vip {
		return time.Duration(p.VipMinCancelHours) * time.Hour
	}
	return time.Duration(p.MinCancelHours) * time.Hour
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] Invalid duration for %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("[config] Invalid integer for %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		log.Printf("[config] Invalid decimal for %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}
