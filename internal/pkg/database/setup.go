package database

import (
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// Models lists every table managed by the service.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Subscription{},
		&models.ScheduledDelivery{},
		&models.WebhookEvent{},
		&models.FailedWebhook{},
		&models.UsagePeriod{},
		&models.CreditTransaction{},
		&models.AuditEvent{},
	}
}

// GormConfig is shared by the MySQL connection and the test databases.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
}

func SetupDatabase(cfg config.Database) {
	var err error

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  false,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), GormConfig())
		if err == nil {
			if cfg.AutoMigrate {
				if err = DB.AutoMigrate(Models()...); err != nil {
					log.Errorf("[Database] AutoMigrate failed: %v", err)
				}
			}
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

func GetDB() *gorm.DB {
	return DB
}
