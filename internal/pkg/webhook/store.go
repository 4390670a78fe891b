package webhook

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
)

const (
	MaxRetries       = 3
	StuckThreshold   = 5 * time.Minute
	BatchSize        = 50
	AlertThreshold   = 10
	SLOTargetPercent = 0.1

	// EventRetry is the job name used to re-dispatch a reconciled event.
	EventRetry = string(jobqueue.JobTypeWebhookRetry)
	// EventProcess is the job name used for a freshly claimed event.
	EventProcess = string(jobqueue.JobTypeWebhookProcess)

	sweepName = "webhook_reconcile"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Dispatcher hands work to the background job system and returns a
// correlation id.
type Dispatcher interface {
	Schedule(ctx context.Context, eventName string, payload map[string]interface{}) (string, error)
}

// Outcome is the result of one Process call.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
)

type ClaimInput struct {
	EventID        string
	Provider       string
	Type           string
	Payload        string
	SignatureValid bool
}

// ClaimResult tells whether this call created the event. When it did not,
// Event is the row that was already stored.
type ClaimResult struct {
	Created bool
	Event   *models.WebhookEvent
}

type ReconcileResult struct {
	Scanned     int     `json:"scanned"`
	Reconciled  int     `json:"reconciled"`
	Skipped     int     `json:"skipped"`
	Errored     int     `json:"errored"`
	Exhausted   int     `json:"exhausted"`
	RatePercent float64 `json:"ratePercent"`
}

// Store owns the webhook event lifecycle:
// CLAIMED -> PROCESSING -> COMPLETED | FAILED, with PROCESSING -> CLAIMED on a
// retryable failure. Every transition is a conditional update, so concurrent
// workers and sweeps never apply the same transition twice.
type Store struct {
	db         *gorm.DB
	registry   *HandlerRegistry
	dispatcher Dispatcher
	sink       audit.Sink
	now        func() time.Time
}

func NewStore(db *gorm.DB, registry *HandlerRegistry, dispatcher Dispatcher, sink audit.Sink) *Store {
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	return &Store{
		db:         db,
		registry:   registry,
		dispatcher: dispatcher,
		sink:       sink,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Claim records an inbound event exactly once. A second claim of the same
// provider event id is not an error.
func (s *Store) Claim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	if in.EventID == "" || in.Type == "" {
		return ClaimResult{}, retry.NewInvalidDelivery("webhook event id and type are required", nil)
	}
	provider := in.Provider
	if provider == "" {
		provider = models.WebhookProviderStripe
	}

	now := s.now()
	event := &models.WebhookEvent{
		ID:             in.EventID,
		Provider:       provider,
		Type:           in.Type,
		Payload:        in.Payload,
		SignatureValid: in.SignatureValid,
		Status:         models.WebhookStatusClaimed,
		ClaimedAt:      now,
		RetryCount:     0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return ClaimResult{}, retry.WrapDB("claim webhook", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Infof("[WebhookStore] Claimed %s (%s)", event.ID, event.Type)
		return ClaimResult{Created: true, Event: event}, nil
	}

	existing, err := s.Get(ctx, in.EventID)
	if err != nil {
		return ClaimResult{}, err
	}
	log.Infof("[WebhookStore] Duplicate delivery of %s ignored (status=%s)", existing.ID, existing.Status)
	return ClaimResult{Created: false, Event: existing}, nil
}

func (s *Store) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, retry.NewNotFound("webhook event "+eventID, ErrEventNotFound)
		}
		return nil, retry.WrapDB("get webhook", err)
	}
	return &event, nil
}

// Process runs the handler for a CLAIMED event. The returned error only
// reports persistence failures; handler failures are folded into the Outcome.
func (s *Store) Process(ctx context.Context, eventID string) (Outcome, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", eventID, models.WebhookStatusClaimed).
		Updates(map[string]interface{}{
			"status":     models.WebhookStatusProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return "", retry.WrapDB("start webhook", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, eventID); err != nil {
			return "", err
		}
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	event, err := s.Get(ctx, eventID)
	if err != nil {
		return "", err
	}

	handler, ok := s.registry.Lookup(event.Type)
	if !ok {
		log.Infof("[WebhookStore] No handler for %s, completing %s as ignored", event.Type, event.ID)
		if err := s.complete(ctx, event.ID); err != nil {
			return "", err
		}
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	if herr := handler(ctx, *event); herr != nil {
		return s.handleFailure(ctx, event, herr)
	}

	if err := s.complete(ctx, event.ID); err != nil {
		return "", err
	}
	s.sink.Record(ctx, nil, audit.EventWebhookCompleted, map[string]any{
		"eventId":    event.ID,
		"eventType":  event.Type,
		"retryCount": event.RetryCount,
	})
	metrics.WebhookOutcomes.WithLabelValues(string(OutcomeCompleted)).Inc()
	return OutcomeCompleted, nil
}

func (s *Store) complete(ctx context.Context, eventID string) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", eventID, models.WebhookStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.WebhookStatusCompleted,
			"processed_at": now,
			"error":        nil,
			"updated_at":   now,
		}).Error
	return retry.WrapDB("complete webhook", err)
}

func (s *Store) handleFailure(ctx context.Context, event *models.WebhookEvent, herr error) (Outcome, error) {
	classified := retry.Classify(herr)
	msg := herr.Error()
	now := s.now()

	if classified.Retryable && event.RetryCount+1 < MaxRetries {
		err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("id = ? AND status = ?", event.ID, models.WebhookStatusProcessing).
			Updates(map[string]interface{}{
				"status":      models.WebhookStatusClaimed,
				"retry_count": gorm.Expr("retry_count + 1"),
				"error":       msg,
				"updated_at":  now,
			}).Error
		if err != nil {
			return "", retry.WrapDB("release webhook", err)
		}
		log.Warnf("[WebhookStore] %s failed (%s), retry %d/%d", event.ID, classified.Code, event.RetryCount+1, MaxRetries)
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeRetryScheduled)).Inc()
		return OutcomeRetryScheduled, nil
	}

	if err := s.markFailed(ctx, event, msg, []string{models.WebhookStatusProcessing}); err != nil {
		return "", err
	}
	log.Errorf("[WebhookStore] %s failed permanently (%s): %s", event.ID, classified.Code, msg)
	s.sink.Record(ctx, nil, audit.EventWebhookFailed, map[string]any{
		"eventId":    event.ID,
		"eventType":  event.Type,
		"errorCode":  string(classified.Code),
		"error":      msg,
		"retryCount": event.RetryCount,
	})
	metrics.WebhookOutcomes.WithLabelValues(string(OutcomeFailed)).Inc()
	return OutcomeFailed, nil
}

// markFailed moves the event to FAILED if it is still in one of fromStatuses
// and writes the dead-letter copy in the same transaction.
func (s *Store) markFailed(ctx context.Context, event *models.WebhookEvent, msg string, fromStatuses []string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WebhookEvent{}).
			Where("id = ? AND status IN ?", event.ID, fromStatuses).
			Updates(map[string]interface{}{
				"status":       models.WebhookStatusFailed,
				"error":        msg,
				"processed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return retry.WrapDB("fail webhook", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return deadLetter(tx, event, msg, now)
	})
}

// exhaust fails a stuck event whose next retry would reach MaxRetries. Like
// the re-dispatch it is guarded by the retry count that was read.
func (s *Store) exhaust(ctx context.Context, event *models.WebhookEvent, msg string) (bool, error) {
	now := s.now()
	active := []string{models.WebhookStatusClaimed, models.WebhookStatusProcessing}
	failed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WebhookEvent{}).
			Where("id = ? AND status IN ? AND retry_count = ?", event.ID, active, event.RetryCount).
			Updates(map[string]interface{}{
				"retry_count":  event.RetryCount + 1,
				"status":       models.WebhookStatusFailed,
				"error":        msg,
				"processed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return retry.WrapDB("exhaust webhook", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		failed = true
		return deadLetter(tx, event, msg, now)
	})
	return failed, err
}

func deadLetter(tx *gorm.DB, event *models.WebhookEvent, msg string, now time.Time) error {
	dead := &models.FailedWebhook{
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   event.Payload,
		Error:     msg,
		CreatedAt: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(dead).Error
	return retry.WrapDB("dead-letter webhook", err)
}

// ReconcileStuck re-dispatches events that were claimed or started more than
// threshold ago and never finished. An event whose retry would reach
// MaxRetries is failed instead, so no active event ever holds MaxRetries.
func (s *Store) ReconcileStuck(ctx context.Context, threshold time.Duration, batchSize int) (ReconcileResult, error) {
	started := time.Now()
	if threshold <= 0 {
		threshold = StuckThreshold
	}
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	now := s.now()
	cutoff := now.Add(-threshold)
	active := []string{models.WebhookStatusClaimed, models.WebhookStatusProcessing}
	var result ReconcileResult

	var stuck []models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND claimed_at < ? AND retry_count < ?", active, cutoff, MaxRetries).
		Order("claimed_at").
		Limit(batchSize).
		Find(&stuck).Error
	if err != nil {
		err = retry.WrapDB("select stuck webhooks", err)
		metrics.ObserveSweep(sweepName, time.Since(started).Seconds(), err)
		return result, err
	}
	result.Scanned = len(stuck)

	if len(stuck) > AlertThreshold {
		log.Warnf("[WebhookStore] %d stuck webhook events found", len(stuck))
		s.sink.Record(ctx, nil, audit.AlertWebhookHighVolume, map[string]any{
			"count":     len(stuck),
			"threshold": AlertThreshold,
		})
	}

	exhaustedMsg := fmt.Sprintf("Exceeded maximum retry attempts (%d)", MaxRetries)
	for i := range stuck {
		event := stuck[i]
		if event.RetryCount+1 >= MaxRetries {
			failed, err := s.exhaust(ctx, &event, exhaustedMsg)
			switch {
			case err != nil:
				result.Errored++
				log.Errorf("[WebhookStore] Could not fail %s: %v", event.ID, err)
			case !failed:
				result.Skipped++
			default:
				result.Exhausted++
				s.recordExhausted(ctx, event.ID, event.Type, MaxRetries)
			}
			continue
		}

		res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("id = ? AND status IN ? AND retry_count = ?", event.ID, active, event.RetryCount).
			Updates(map[string]interface{}{
				"retry_count": gorm.Expr("retry_count + 1"),
				"status":      models.WebhookStatusClaimed,
				"claimed_at":  now,
				"updated_at":  now,
			})
		if res.Error != nil {
			result.Errored++
			log.Errorf("[WebhookStore] Reconcile %s failed: %v", event.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			result.Skipped++
			continue
		}

		retryCount := event.RetryCount + 1
		jobID, err := s.dispatcher.Schedule(ctx, EventRetry, jobqueue.WebhookPayload{
			WebhookEventID: event.ID,
			EventType:      event.Type,
			RetryCount:     retryCount,
		}.ToMap())
		if err != nil {
			// The row keeps its fresh claim, the next sweep picks it up again.
			result.Errored++
			log.Errorf("[WebhookStore] Dispatch retry for %s failed: %v", event.ID, err)
			continue
		}

		result.Reconciled++
		log.Infof("[WebhookStore] Re-dispatched stuck event %s (%s), retry %d, job %s", event.ID, event.Type, retryCount, jobID)
		s.sink.Record(ctx, nil, audit.EventWebhookReconciled, map[string]any{
			"eventId":    event.ID,
			"eventType":  event.Type,
			"retryCount": retryCount,
			"claimedAt":  event.ClaimedAt,
			"jobId":      jobID,
		})
	}

	exhausted, err := s.failExhausted(ctx, exhaustedMsg)
	if err != nil {
		log.Errorf("[WebhookStore] Failing exhausted events: %v", err)
	}
	result.Exhausted += exhausted

	result.RatePercent = s.checkSLO(ctx, result.Reconciled, now)

	metrics.SweepItems.WithLabelValues(sweepName, "reconciled").Add(float64(result.Reconciled))
	metrics.SweepItems.WithLabelValues(sweepName, "skipped").Add(float64(result.Skipped))
	metrics.SweepItems.WithLabelValues(sweepName, "errored").Add(float64(result.Errored))
	metrics.SweepItems.WithLabelValues(sweepName, "exhausted").Add(float64(result.Exhausted))
	metrics.ObserveSweep(sweepName, time.Since(started).Seconds(), nil)
	return result, nil
}

// failExhausted fails active events already at MaxRetries, whatever their age.
func (s *Store) failExhausted(ctx context.Context, msg string) (int, error) {
	active := []string{models.WebhookStatusClaimed, models.WebhookStatusProcessing}
	var exhausted []models.WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count >= ?", active, MaxRetries).
		Order("claimed_at").
		Limit(BatchSize).
		Find(&exhausted).Error; err != nil {
		return 0, retry.WrapDB("select exhausted webhooks", err)
	}

	failed := 0
	for i := range exhausted {
		event := exhausted[i]
		if err := s.markFailed(ctx, &event, msg, active); err != nil {
			log.Errorf("[WebhookStore] Could not fail %s: %v", event.ID, err)
			continue
		}
		failed++
		s.recordExhausted(ctx, event.ID, event.Type, event.RetryCount)
	}
	return failed, nil
}

func (s *Store) recordExhausted(ctx context.Context, eventID, eventType string, retryCount int) {
	log.Errorf("[WebhookStore] %s exceeded %d retries, marked FAILED", eventID, MaxRetries)
	s.sink.Record(ctx, nil, audit.AlertWebhookMaxRetries, map[string]any{
		"eventId":    eventID,
		"eventType":  eventType,
		"retryCount": retryCount,
	})
}

// checkSLO compares reconciled events against everything claimed in the last
// 24 hours.
func (s *Store) checkSLO(ctx context.Context, reconciled int, now time.Time) float64 {
	if reconciled == 0 {
		return 0
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("created_at >= ?", now.Add(-24*time.Hour)).
		Count(&total).Error; err != nil {
		log.Warnf("[WebhookStore] SLO count failed: %v", err)
		return 0
	}
	if total == 0 {
		return 0
	}
	rate := float64(reconciled) / float64(total) * 100
	if rate > SLOTargetPercent {
		log.Warnf("[WebhookStore] Reconciliation rate %.3f%% above target %.1f%%", rate, SLOTargetPercent)
		s.sink.Record(ctx, nil, audit.AlertWebhookSLOBreach, map[string]any{
			"reconciled":  reconciled,
			"total":       total,
			"ratePercent": rate,
			"target":      SLOTargetPercent,
		})
	}
	return rate
}
