package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeengine/src/model"
)

// MainDB is the primary read/write database connection used by the engine.
var MainDB *gorm.DB

// InitMainDB initializes the database connection and runs migrations. Paper
// deployments default to a local sqlite file; live deployments point
// DB_DRIVER=postgres at a real server. Call once at startup.
func InitMainDB() error {
	config := GetConfig()

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.DatabaseURL)
	case "sqlite":
		dialector = sqlite.Open(config.SQLitePath)
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", config.Driver)
	}

	db, err := gorm.Open(dialector,
		&gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB from GORM: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	MainDB = db

	logrus.WithField("driver", config.Driver).Info("[database] MainDB connection established")

	if err := MainDB.AutoMigrate(
		&model.Position{},
		&model.Order{},
		&model.OrderLog{},
		&model.TradeRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
