package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/env"
)

type Database struct {
	User        string `validate:"required"`
	Password    string
	Host        string `validate:"required"`
	Port        string `validate:"required,numeric"`
	Name        string `validate:"required"`
	AutoMigrate bool
}

// DSN returns the go-sql-driver DSN. Times are read and written as UTC.
func (d Database) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (d Database) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type Cache struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
}

type Sweeps struct {
	Workers             int           `validate:"gte=1,lte=64"`
	DeliveryInterval    time.Duration `validate:"gte=1s"`
	WebhookInterval     time.Duration `validate:"gte=1s"`
	RolloverInterval    time.Duration `validate:"gte=1s"`
	AuditArchiveEnabled bool
}

type Archive struct {
	Enabled         bool
	AccessKeyID     string `validate:"required_if=Enabled true"`
	SecretAccessKey string `validate:"required_if=Enabled true"`
	Region          string
	BucketName      string `validate:"required_if=Enabled true"`
	EndpointURL     string `validate:"omitempty,url"`
	Prefix          string
}

type SMTP struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string `validate:"omitempty,email"`
}

// Lob is the print and post provider. An empty APIKey leaves physical mail
// unconfigured.
type Lob struct {
	APIKey        string
	BaseURL       string `validate:"required,url"`
	FromAddressID string `validate:"required_with=APIKey"`
	Color         bool
}

// Config is the process configuration resolved from the environment.
type Config struct {
	AppEnv        string `validate:"oneof=dev test prod"`
	Host          string
	Port          string `validate:"required,numeric"`
	PublicURL     string `validate:"required,url"`
	CronSecret    string
	WebhookSecret string
	RateLimit     int `validate:"gte=1"`
	Database      Database
	Cache         Cache
	Sweeps        Sweeps
	Archive       Archive
	SMTP          SMTP
	Lob           Lob
}

// Load reads the configuration through env.GetEnv and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        env.GetEnv("APP_ENV", "prod"),
		Host:          env.GetEnv("APP_HOST", "localhost"),
		Port:          env.GetEnv("APP_PORT", "4000"),
		PublicURL:     env.GetEnv("PUBLIC_URL", "http://localhost:4000"),
		CronSecret:    env.GetEnv("CRON_SECRET", ""),
		WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		RateLimit:     env.GetEnvInt("API_RATE_LIMIT", 60),
		Database: Database{
			User:        env.GetEnv("DB_USER", "capsulenote"),
			Password:    env.GetEnv("DB_PASSWORD", ""),
			Host:        env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:        env.GetEnv("DB_PORT", "3306"),
			Name:        env.GetEnv("DB_NAME", "capsulenote"),
			AutoMigrate: env.GetEnvBool("DB_AUTO_MIGRATE", false),
		},
		Cache: Cache{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		Sweeps: Sweeps{
			Workers:             env.GetEnvInt("JOB_WORKERS", 5),
			DeliveryInterval:    env.GetEnvDuration("SWEEP_DELIVERY_INTERVAL", 5*time.Minute),
			WebhookInterval:     env.GetEnvDuration("SWEEP_WEBHOOK_INTERVAL", 5*time.Minute),
			RolloverInterval:    env.GetEnvDuration("SWEEP_ROLLOVER_INTERVAL", time.Hour),
			AuditArchiveEnabled: env.GetEnvBool("AUDIT_ARCHIVE_ENABLED", false),
		},
		Archive: Archive{
			Enabled:         env.GetEnvBool("AUDIT_ARCHIVE_ENABLED", false),
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			Prefix:          env.GetEnv("S3_AUDIT_PREFIX", "audit"),
		},
		SMTP: SMTP{
			Host:     env.GetEnv("SMTP_HOST", ""),
			Port:     env.GetEnv("SMTP_PORT", "587"),
			Username: env.GetEnv("SMTP_USERNAME", ""),
			Password: env.GetEnv("SMTP_PASSWORD", ""),
			Sender:   env.GetEnv("SMTP_SENDER", ""),
		},
		Lob: Lob{
			APIKey:        env.GetEnv("LOB_API_KEY", ""),
			BaseURL:       env.GetEnv("LOB_API_URL", "https://api.lob.com/v1"),
			FromAddressID: env.GetEnv("LOB_FROM_ADDRESS_ID", ""),
			Color:         env.GetEnvBool("LOB_COLOR", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
