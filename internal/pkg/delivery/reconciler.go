package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

const (
	GracePeriod      = 5 * time.Minute
	StaleAfter       = time.Hour
	RecentTouch      = time.Minute
	BatchSize        = 100
	AlertThreshold   = 10
	SLOTargetPercent = 0.1

	// EventScheduled is the job name that executes a delivery.
	EventScheduled = string(jobqueue.JobTypeDeliveryScheduled)

	sweepName = "delivery_reconcile"
)

// Dispatcher hands work to the background job system and returns a
// correlation id.
type Dispatcher interface {
	Schedule(ctx context.Context, eventName string, payload map[string]interface{}) (string, error)
}

// Refunder returns credits deducted for a delivery that will never be sent.
type Refunder interface {
	RefundDelivery(ctx context.Context, userID, creditType, deliveryID, reason string) (*models.CreditTransaction, error)
}

type Result struct {
	Scanned     int     `json:"scanned"`
	Reenqueued  int     `json:"reenqueued"`
	Skipped     int     `json:"skipped"`
	Errored     int     `json:"errored"`
	Failed      int     `json:"failed"`
	RatePercent float64 `json:"ratePercent"`
}

// Reconciler re-dispatches scheduled deliveries whose job never fired.
// Overlapping runs are safe: rows are taken with SKIP LOCKED and every
// write is predicated on the state that was read.
type Reconciler struct {
	db         *gorm.DB
	dispatcher Dispatcher
	sink       audit.Sink
	refunder   Refunder
	now        func() time.Time
}

func NewReconciler(db *gorm.DB, dispatcher Dispatcher, sink audit.Sink) *Reconciler {
	return &Reconciler{
		db:         db,
		dispatcher: dispatcher,
		sink:       sink,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithRefunder makes deliveries failed by the sweep give back deducted credits.
func (r *Reconciler) WithRefunder(refunder Refunder) *Reconciler {
	r.refunder = refunder
	return r
}

type claimOutcome int

const (
	claimSkipped claimOutcome = iota
	claimTaken
	claimExhausted
)

func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	started := time.Now()
	now := r.now()
	var result Result

	// The row lock here only lasts for the statement. It lets a concurrent
	// sweep pass over rows another one is claiming; the per-row claim below
	// is what keeps a delivery from being dispatched twice.
	var candidates []models.ScheduledDelivery
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND deliver_at < ? AND (job_id IS NULL OR updated_at < ?)",
			models.DeliveryStatusScheduled, now.Add(-GracePeriod), now.Add(-StaleAfter)).
		Order("deliver_at").
		Order("attempt_count").
		Limit(BatchSize).
		Find(&candidates).Error
	if err != nil {
		err = retry.WrapDB("select stuck deliveries", err)
		metrics.ObserveSweep(sweepName, time.Since(started).Seconds(), err)
		return result, err
	}
	result.Scanned = len(candidates)

	if len(candidates) > AlertThreshold {
		log.Warnf("[DeliveryReconciler] %d stuck deliveries found", len(candidates))
		r.sink.Record(ctx, nil, audit.AlertReconcilerHighVolume, map[string]any{
			"count":     len(candidates),
			"threshold": AlertThreshold,
		})
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			log.Warnf("[DeliveryReconciler] Stopping early: %v", err)
			break
		}
		r.reconcileOne(ctx, candidates[i], &result)
	}

	result.RatePercent = r.checkSLO(ctx, result.Reenqueued, now)

	metrics.SweepItems.WithLabelValues(sweepName, "reenqueued").Add(float64(result.Reenqueued))
	metrics.SweepItems.WithLabelValues(sweepName, "skipped").Add(float64(result.Skipped))
	metrics.SweepItems.WithLabelValues(sweepName, "errored").Add(float64(result.Errored))
	metrics.SweepItems.WithLabelValues(sweepName, "failed").Add(float64(result.Failed))
	metrics.ObserveSweep(sweepName, time.Since(started).Seconds(), nil)
	log.Infof("[DeliveryReconciler] Done: scanned=%d reenqueued=%d skipped=%d errored=%d failed=%d",
		result.Scanned, result.Reenqueued, result.Skipped, result.Errored, result.Failed)
	return result, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, candidate models.ScheduledDelivery, result *Result) {
	outcome, attempt, err := r.claim(ctx, candidate.ID)
	if err != nil {
		result.Errored++
		log.Errorf("[DeliveryReconciler] Claim %s failed: %v", candidate.ID, err)
		return
	}
	switch outcome {
	case claimSkipped:
		result.Skipped++
		return
	case claimExhausted:
		result.Failed++
		r.afterFailure(ctx, candidate, "maximum delivery attempts reached", retry.CodeInvalidDelivery)
		r.sink.Record(ctx, &candidate.UserID, audit.AlertDeliveryAttemptsExceeded, map[string]any{
			"deliveryId":   candidate.ID,
			"attemptCount": candidate.AttemptCount,
		})
		return
	}

	jobID, err := r.dispatcher.Schedule(ctx, EventScheduled, jobqueue.DeliveryPayload{
		DeliveryID: candidate.ID,
		UserID:     candidate.UserID,
		Channel:    candidate.Channel,
		Attempt:    attempt,
	}.ToMap())
	if err != nil {
		r.dispatchFailed(ctx, candidate, attempt, err, result)
		return
	}

	res := r.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("id = ? AND attempt_count = ?", candidate.ID, attempt).
		Updates(map[string]interface{}{
			"job_id":     jobID,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		log.Errorf("[DeliveryReconciler] Storing job id for %s failed: %v", candidate.ID, res.Error)
	}

	result.Reenqueued++
	log.Infof("[DeliveryReconciler] Re-enqueued %s (attempt %d, job %s)", candidate.ID, attempt, jobID)
	r.sink.Record(ctx, &candidate.UserID, audit.EventDeliveryReconciled, map[string]any{
		"deliveryId":   candidate.ID,
		"deliverAt":    candidate.DeliverAt,
		"attemptCount": attempt,
		"jobId":        jobID,
	})
}

// claim locks the row, re-checks it and bumps attempt_count in one short
// transaction. The returned attempt is the new attempt count. The clock is
// read under the lock, so the stamp reflects when the claim really happened
// however long the sweep has been running.
func (r *Reconciler) claim(ctx context.Context, id string) (claimOutcome, int, error) {
	outcome := claimSkipped
	attempt := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ScheduledDelivery
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ?", id).
			Limit(1).
			Find(&row)
		if res.Error != nil {
			return retry.WrapDB("lock delivery", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		now := r.now()
		if row.Status != models.DeliveryStatusScheduled || row.UpdatedAt.After(now.Add(-RecentTouch)) {
			return nil
		}

		if row.AttemptCount >= retry.MaxAttempts {
			upd := tx.Model(&models.ScheduledDelivery{}).
				Where("id = ? AND status = ? AND attempt_count = ?", id, models.DeliveryStatusScheduled, row.AttemptCount).
				Updates(map[string]interface{}{
					"status":     models.DeliveryStatusFailed,
					"last_error": "maximum delivery attempts reached",
					"updated_at": now,
				})
			if upd.Error != nil {
				return retry.WrapDB("fail delivery", upd.Error)
			}
			if upd.RowsAffected > 0 {
				outcome = claimExhausted
			}
			return nil
		}

		upd := tx.Model(&models.ScheduledDelivery{}).
			Where("id = ? AND status = ? AND attempt_count = ?", id, models.DeliveryStatusScheduled, row.AttemptCount).
			Updates(map[string]interface{}{
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"updated_at":    now,
			})
		if upd.Error != nil {
			return retry.WrapDB("bump attempt", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return nil
		}
		outcome = claimTaken
		attempt = row.AttemptCount + 1
		return nil
	})
	if err != nil {
		return claimSkipped, 0, err
	}
	return outcome, attempt, nil
}

func (r *Reconciler) dispatchFailed(ctx context.Context, candidate models.ScheduledDelivery, attempt int, err error, result *Result) {
	classified := retry.Classify(err)
	if retry.ShouldRetry(err, attempt) {
		result.Errored++
		log.Warnf("[DeliveryReconciler] Dispatch of %s failed (%s), next sweep retries: %v", candidate.ID, classified.Code, err)
		if werr := r.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
			Where("id = ? AND attempt_count = ?", candidate.ID, attempt).
			UpdateColumn("last_error", err.Error()).Error; werr != nil {
			log.Errorf("[DeliveryReconciler] Storing last error for %s failed: %v", candidate.ID, werr)
		}
		return
	}

	res := r.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("id = ? AND status = ? AND attempt_count = ?", candidate.ID, models.DeliveryStatusScheduled, attempt).
		Updates(map[string]interface{}{
			"status":     models.DeliveryStatusFailed,
			"last_error": err.Error(),
			"updated_at": r.now(),
		})
	if res.Error != nil || res.RowsAffected == 0 {
		result.Errored++
		log.Errorf("[DeliveryReconciler] Could not fail %s after dispatch error: %v", candidate.ID, errors.Join(err, res.Error))
		return
	}
	result.Failed++
	log.Errorf("[DeliveryReconciler] %s failed permanently (%s): %v", candidate.ID, classified.Code, err)
	r.afterFailure(ctx, candidate, err.Error(), classified.Code)
}

func (r *Reconciler) afterFailure(ctx context.Context, candidate models.ScheduledDelivery, reason string, code retry.Code) {
	if r.refunder != nil && candidate.Channel == models.DeliveryChannelPhysicalMail {
		if _, err := r.refunder.RefundDelivery(ctx, candidate.UserID, models.CreditTypePhysical, candidate.ID, reason); err != nil {
			log.Errorf("[DeliveryReconciler] Refund for %s failed: %v", candidate.ID, err)
		}
	}
	metrics.DeliveryOutcomes.WithLabelValues(candidate.Channel, "failed").Inc()
	r.sink.Record(ctx, &candidate.UserID, audit.EventDeliveryFailed, map[string]any{
		"deliveryId": candidate.ID,
		"channel":    candidate.Channel,
		"errorCode":  string(code),
		"error":      reason,
	})
}

// checkSLO compares re-enqueued deliveries against all deliveries that came
// due in the last 24 hours.
func (r *Reconciler) checkSLO(ctx context.Context, reenqueued int, now time.Time) float64 {
	if reenqueued == 0 {
		return 0
	}
	var due int64
	if err := r.db.WithContext(ctx).Model(&models.ScheduledDelivery{}).
		Where("deliver_at >= ? AND deliver_at <= ?", now.Add(-24*time.Hour), now).
		Count(&due).Error; err != nil {
		log.Warnf("[DeliveryReconciler] SLO count failed: %v", err)
		return 0
	}
	if due == 0 {
		return 0
	}
	rate := float64(reenqueued) / float64(due) * 100
	if rate > SLOTargetPercent {
		log.Warnf("[DeliveryReconciler] Reconciliation rate %.3f%% above target %.1f%%", rate, SLOTargetPercent)
		r.sink.Record(ctx, nil, audit.AlertReconcilerSLOBreach, map[string]any{
			"reenqueued":  reenqueued,
			"due":         due,
			"ratePercent": rate,
			"target":      SLOTargetPercent,
		})
	}
	return rate
}
