package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/kutay-ship-it/capsulenote-sub006/app/controllers"
	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/cache"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/database"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/delivery"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/mail"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/middleware"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/router"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/s3archive"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/webhook"
)

// Sweep names accepted by RunSweep and used as manager task names.
const (
	SweepDeliveries   = "deliveries"
	SweepWebhooks     = "webhooks"
	SweepRollover     = "rollover"
	SweepAuditArchive = "audit-archive"
)

const auditBuffer = 1024

var ErrArchiveDisabled = errors.New("audit archive is disabled")

// Services holds every long lived component of the process.
type Services struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Queue      *jobqueue.Queue
	Manager    *jobqueue.Manager
	Audit      *audit.AsyncRecorder
	Ledger     *usage.Ledger
	Webhooks   *webhook.Store
	Deliveries *delivery.Reconciler
	Worker     *delivery.Worker
	Rollover   *usage.Rollover
	// Archiver is nil when audit archiving is disabled.
	Archiver *audit.Archiver
}

// New connects to MySQL and Redis and wires the engine together. Nothing
// runs in the background until Start is called.
func New(ctx context.Context, cfg *config.Config) (*Services, error) {
	database.SetupDatabase(cfg.Database)
	cache.SetupCache(cfg.Cache)
	return Wire(ctx, cfg, database.GetDB(), cache.GetClient())
}

// Wire builds the services on existing connections.
func Wire(ctx context.Context, cfg *config.Config, db *gorm.DB, client *redis.Client) (*Services, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	s := &Services{Config: cfg, DB: db, Redis: client}
	s.Queue = jobqueue.NewQueue(client, cfg.Sweeps.Workers)
	s.Audit = audit.NewAsyncRecorder(audit.NewGormStore(db), auditBuffer)
	s.Ledger = usage.NewLedger(db)

	registry := webhook.NewHandlerRegistry()
	webhook.RegisterSubscriptionHandlers(registry, db)
	s.Webhooks = webhook.NewStore(db, registry, s.Queue, s.Audit)

	s.Deliveries = delivery.NewReconciler(db, s.Queue, s.Audit).WithRefunder(s.Ledger)
	s.Worker = delivery.NewWorker(db, s.Ledger, s.Audit, map[string]delivery.Sender{
		models.DeliveryChannelMessage:      delivery.NewMessageSender(mail.NewSMTPMailer(cfg.SMTP), cfg.PublicURL),
		models.DeliveryChannelPhysicalMail: delivery.NewPhysicalMailSender(mail.NewLobClient(cfg.Lob), cfg.PublicURL),
	})
	s.Rollover = usage.NewRollover(db, s.Audit)

	if cfg.Archive.Enabled {
		bucket, err := s3archive.NewClient(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("audit archive: %w", err)
		}
		s.Archiver = audit.NewArchiver(audit.NewGormStore(db), bucket, s.Audit)
	}

	s.Queue.RegisterHandler(jobqueue.JobTypeDeliveryScheduled, s.Worker.HandleJob)
	s.Queue.RegisterHandler(jobqueue.JobTypeWebhookProcess, WebhookJobHandler(s.Webhooks))
	s.Queue.RegisterHandler(jobqueue.JobTypeWebhookRetry, WebhookJobHandler(s.Webhooks))

	s.Manager = jobqueue.NewManager(s.Queue, s.tasks()...)
	return s, nil
}

func (s *Services) tasks() []jobqueue.Task {
	sweeps := s.Config.Sweeps
	tasks := []jobqueue.Task{
		{Name: SweepDeliveries, Interval: sweeps.DeliveryInterval, Run: s.runOnly(SweepDeliveries)},
		{Name: SweepWebhooks, Interval: sweeps.WebhookInterval, Run: s.runOnly(SweepWebhooks)},
		{Name: SweepRollover, Interval: sweeps.RolloverInterval, Run: s.runOnly(SweepRollover)},
	}
	if s.Archiver != nil && sweeps.AuditArchiveEnabled {
		tasks = append(tasks, jobqueue.Task{Name: SweepAuditArchive, Interval: 24 * time.Hour, Timeout: 10 * time.Minute, Run: s.runOnly(SweepAuditArchive)})
	}
	return tasks
}

func (s *Services) runOnly(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.RunSweep(ctx, name)
		return err
	}
}

// RunSweep runs one sweep by name and returns its summary.
func (s *Services) RunSweep(ctx context.Context, name string) (any, error) {
	switch name {
	case SweepDeliveries:
		return s.Deliveries.Reconcile(ctx)
	case SweepWebhooks:
		return s.Webhooks.ReconcileStuck(ctx, webhook.StuckThreshold, webhook.BatchSize)
	case SweepRollover:
		return s.Rollover.Run(ctx, time.Now().UTC())
	case SweepAuditArchive:
		if s.Archiver == nil {
			return nil, ErrArchiveDisabled
		}
		started := time.Now()
		result, err := s.Archiver.ArchiveDay(ctx, time.Now().UTC().AddDate(0, 0, -1))
		metrics.ObserveSweep("audit_archive", time.Since(started).Seconds(), err)
		return result, err
	default:
		return nil, fmt.Errorf("unknown sweep %q", name)
	}
}

// Start launches the audit writer, the job workers and the periodic sweeps.
func (s *Services) Start() {
	s.Audit.Start()
	s.Manager.Start()
}

// Stop shuts down in reverse order so pending audit events are flushed last.
func (s *Services) Stop() {
	s.Manager.Stop()
	s.Audit.Stop()
}

// NewApp builds the HTTP application serving the trigger surface.
func (s *Services) NewApp(openAPIPath string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "capsulenote",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	var archiver controllers.AuditArchiver
	if s.Archiver != nil {
		archiver = s.Archiver
	}

	api := router.NewApiRouter(
		controllers.NewCronController(s.Deliveries, s.Webhooks, s.Rollover, archiver),
		controllers.NewWebhookController(s.Webhooks, s.Queue, s.Config.WebhookSecret),
		controllers.NewTransitController(),
		s.Config.CronSecret,
	)
	api.RateLimit = s.Config.RateLimit
	if s.Redis != nil {
		api.LimiterStorage = middleware.NewRedisStorage(s.Redis)
		api.Health = controllers.NewHealthController(s.Queue)
	}

	docs := router.NewDocsRouter(openAPIPath)
	if docs != nil {
		validator, err := middleware.LoadRequestValidator(context.Background(), openAPIPath)
		if err != nil {
			log.Warnf("[Bootstrap] Request validation disabled: %v", err)
		}
		api.Validator = validator
	}
	router.InstallRouter(app, api, docs)

	if s.Config.CronSecret == "" {
		log.Warn("[Bootstrap] CRON_SECRET is not set, cron endpoints reject every request")
	}
	return app
}

// WebhookJobHandler runs webhook.process and webhook.retry jobs. A handler
// failure that was rescheduled on the event is reported as retryable so the
// queue runs the job again with backoff.
func WebhookJobHandler(store *webhook.Store) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		payload, err := jobqueue.WebhookPayloadFromMap(job.Payload)
		if err != nil || payload.WebhookEventID == "" {
			return retry.NewInvalidDelivery("webhook job without event id", err)
		}

		outcome, err := store.Process(ctx, payload.WebhookEventID)
		if err != nil {
			return err
		}
		if outcome == webhook.OutcomeRetryScheduled {
			return retry.NewTemporaryProviderError(fmt.Sprintf("webhook %s handler failed, retry scheduled", payload.WebhookEventID), nil)
		}
		return nil
	}
}
