package db

import (
	"log"
	"lsm/src/config"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func GetDb() *gorm.DB {
	if db != nil {
		return db
	}
	_db, err := gorm.Open(postgres.Open(config.GetDSN()), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel()),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Printf("Error connecting to database: %s\n", err.Error())
		panic(err)
	}
	sqlDB, err := _db.DB()
	if err != nil {
		log.Fatalf("Error establishing connection to database: %s\n", err.Error())
	}
	sqlDB.SetMaxIdleConns(envInt("DATABASE_MAX_IDLE", 10))
	sqlDB.SetMaxOpenConns(envInt("DATABASE_MAX_OPEN", 100))
	sqlDB.SetConnMaxLifetime(time.Hour)

	db = _db
	return _db
}

func NewDB(newdb *gorm.DB) {
	db = newdb
}

func logLevel() logger.LogLevel {
	if config.API_ENV == "local" {
		return logger.Info
	}
	return logger.Warn
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
