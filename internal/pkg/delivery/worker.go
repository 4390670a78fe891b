package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
)

// Worker executes delivery.scheduled jobs.
type Worker struct {
	db      *gorm.DB
	ledger  *usage.Ledger
	senders map[string]Sender
	sink    audit.Sink
	now     func() time.Time
}

func NewWorker(db *gorm.DB, ledger *usage.Ledger, sink audit.Sink, senders map[string]Sender) *Worker {
	return &Worker{
		db:      db,
		ledger:  ledger,
		senders: senders,
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleJob adapts Deliver to the job queue.
func (w *Worker) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.DeliveryPayloadFromMap(job.Payload)
	if err != nil || payload.DeliveryID == "" {
		return retry.NewInvalidDelivery("malformed delivery job payload", err)
	}
	return w.Deliver(ctx, payload.DeliveryID)
}

// Deliver sends one delivery. It returns nil when the row was sent or is not
// in a state this worker may touch. A returned error is retryable exactly
// when the row went back to scheduled.
func (w *Worker) Deliver(ctx context.Context, deliveryID string) error {
	var d models.ScheduledDelivery
	if err := w.db.WithContext(ctx).Where("id = ?", deliveryID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retry.NewNotFound("delivery "+deliveryID, err)
		}
		return retry.WrapDB("load delivery", err)
	}
	if d.Status != models.DeliveryStatusScheduled {
		log.Infof("[DeliveryWorker] %s is %s, nothing to do", d.ID, d.Status)
		return nil
	}

	now := w.now()
	res := w.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("id = ? AND status = ? AND attempt_count = ?", d.ID, models.DeliveryStatusScheduled, d.AttemptCount).
		Updates(map[string]interface{}{
			"status":        models.DeliveryStatusProcessing,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return retry.WrapDB("start delivery", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Infof("[DeliveryWorker] %s was taken by another worker", d.ID)
		return nil
	}
	d.Status = models.DeliveryStatusProcessing
	d.AttemptCount++

	if d.Channel == models.DeliveryChannelPhysicalMail {
		if _, err := w.ledger.ConsumeForDelivery(ctx, d.UserID, models.CreditTypePhysical, d.ID); err != nil && !errors.Is(err, usage.ErrAlreadyApplied) {
			return w.fail(ctx, d, err)
		}
	}

	sender, ok := w.senders[d.Channel]
	if !ok {
		return w.fail(ctx, d, retry.NewConfigurationError("no sender for channel "+d.Channel, nil))
	}

	if err := sender.Send(ctx, d); err != nil {
		if retry.ShouldRetry(err, d.AttemptCount) {
			return w.reschedule(ctx, d, err)
		}
		return w.fail(ctx, d, err)
	}
	return w.markSent(ctx, d)
}

func (w *Worker) markSent(ctx context.Context, d models.ScheduledDelivery) error {
	now := w.now()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ScheduledDelivery{}).
			Where("id = ? AND status = ?", d.ID, models.DeliveryStatusProcessing).
			Updates(map[string]interface{}{
				"status":     models.DeliveryStatusSent,
				"sent_at":    now,
				"last_error": "",
				"updated_at": now,
			})
		if res.Error != nil {
			return retry.WrapDB("mark sent", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return countUsage(tx, d, now)
	})
	if err != nil {
		return err
	}

	metrics.DeliveryOutcomes.WithLabelValues(d.Channel, "sent").Inc()
	log.Infof("[DeliveryWorker] Sent %s via %s (attempt %d)", d.ID, d.Channel, d.AttemptCount)
	w.sink.Record(ctx, &d.UserID, audit.EventDeliverySent, map[string]any{
		"deliveryId":   d.ID,
		"channel":      d.Channel,
		"attemptCount": d.AttemptCount,
	})
	return nil
}

// countUsage bumps the sent counter of the current usage period.
func countUsage(tx *gorm.DB, d models.ScheduledDelivery, now time.Time) error {
	column := "messages_sent"
	row := &models.UsagePeriod{
		UserID:    d.UserID,
		Period:    time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if d.Channel == models.DeliveryChannelPhysicalMail {
		column = "mails_sent"
		row.MailsSent = 1
	} else {
		row.MessagesSent = 1
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": now,
		}),
	}).Create(row).Error
	return retry.WrapDB("count usage", err)
}

func (w *Worker) reschedule(ctx context.Context, d models.ScheduledDelivery, cause error) error {
	classified := retry.Classify(cause)
	err := w.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("id = ? AND status = ?", d.ID, models.DeliveryStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.DeliveryStatusScheduled,
			"last_error": cause.Error(),
			"updated_at": w.now(),
		}).Error
	if err != nil {
		return retry.WrapDB("reschedule delivery", err)
	}

	metrics.DeliveryOutcomes.WithLabelValues(d.Channel, "retrying").Inc()
	log.Warnf("[DeliveryWorker] %s attempt %d failed (%s), will retry: %v", d.ID, d.AttemptCount, classified.Code, cause)
	w.sink.Record(ctx, &d.UserID, audit.EventDeliveryRetrying, map[string]any{
		"deliveryId":   d.ID,
		"attemptCount": d.AttemptCount,
		"errorCode":    string(classified.Code),
	})
	return classified
}

// fail marks the delivery failed, refunds a deducted credit and returns a
// non-retryable error so the job is not attempted again.
func (w *Worker) fail(ctx context.Context, d models.ScheduledDelivery, cause error) error {
	classified := retry.Classify(cause)
	err := w.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("id = ? AND status = ?", d.ID, models.DeliveryStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.DeliveryStatusFailed,
			"last_error": cause.Error(),
			"updated_at": w.now(),
		}).Error
	if err != nil {
		return retry.WrapDB("fail delivery", err)
	}

	if d.Channel == models.DeliveryChannelPhysicalMail {
		if _, rerr := w.ledger.RefundDelivery(ctx, d.UserID, models.CreditTypePhysical, d.ID, string(classified.Code)); rerr != nil && !errors.Is(rerr, usage.ErrAlreadyApplied) {
			log.Errorf("[DeliveryWorker] Refund for %s failed: %v", d.ID, rerr)
		}
	}

	metrics.DeliveryOutcomes.WithLabelValues(d.Channel, "failed").Inc()
	log.Errorf("[DeliveryWorker] %s failed permanently after %d attempts (%s): %v", d.ID, d.AttemptCount, classified.Code, cause)
	w.sink.Record(ctx, &d.UserID, audit.EventDeliveryFailed, map[string]any{
		"deliveryId":   d.ID,
		"channel":      d.Channel,
		"attemptCount": d.AttemptCount,
		"errorCode":    string(classified.Code),
		"error":        cause.Error(),
	})

	return &retry.Error{
		Code:      classified.Code,
		Retryable: false,
		Message:   fmt.Sprintf("delivery %s failed: %s", d.ID, classified.Message),
		Err:       cause,
	}
}
