package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB is the process-wide connection, set by SetupDatabase.
var DB *gorm.DB

// GetDB returns the shared connection.
func GetDB() *gorm.DB {
	return DB
}

// AllModels lists every table the engine owns, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.IdempotencyRecord{},
		&models.Order{},
		&models.Subscription{},
		&models.CatalogEntry{},
		&models.ActionCost{},
		&models.PaymentWebhookEvent{},
	}
}

// Driver returns the configured driver name, defaulting to mysql.
func Driver() string {
	return strings.ToLower(env.GetEnv("DB_DRIVER", DriverMySQL))
}

func dialector(driver string) (gorm.Dialector, error) {
	switch driver {
	case DriverMySQL:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", ""),
		)
		return mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), nil
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
		return postgres.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(env.GetEnv("DB_SQLITE_PATH", "creditwallet.db")), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func SetupDatabase() {
	driver := Driver()
	dial, err := dialector(driver)
	if err != nil {
		panic(err)
	}

	cfg := &gorm.Config{}
	if !env.IsDev() {
		cfg.Logger = logger.Default.LogMode(logger.Warn)
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(dial, cfg)
		if err == nil {
			// Production schemas come from cmd/migrate; AutoMigrate keeps dev and sqlite setups usable.
			if env.IsDev() || driver == DriverSQLite {
				if err = DB.AutoMigrate(AllModels()...); err != nil {
					panic(err)
				}
			}
			log.Printf("[Database] Connected using %s driver", driver)
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
