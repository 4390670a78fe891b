package usage

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
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

const (
	SelectionLimit = 1000
	RenewalWindow  = 24 * time.Hour

	SlowThreshold             = 30 * time.Second
	ErrorRateThresholdPercent = 5.0

	sweepName = "usage_rollover"
)

// Result summarises one rollover run.
type Result struct {
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Errored    int           `json:"errored"`
	Granted    int           `json:"granted"`
	Duplicates int           `json:"duplicates"`
	NextPeriod time.Time     `json:"nextPeriod"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	Errors     []string      `json:"errors,omitempty"`
}

// ErrorRatePercent is Errored over Processed in percent.
func (r Result) ErrorRatePercent() float64 {
	if r.Processed == 0 {
		return 0
	}
	return float64(r.Errored) / float64(r.Processed) * 100
}

// Rollover opens the next usage period for subscriptions about to renew and
// grants their monthly mail allowance.
type Rollover struct {
	db   *gorm.DB
	sink audit.Sink
}

func NewRollover(db *gorm.DB, sink audit.Sink) *Rollover {
	return &Rollover{db: db, sink: sink}
}

// NextPeriod returns the first instant of the month after now, in UTC.
func NextPeriod(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// RenewalPeriod is the usage period a renewal opens: the UTC calendar month
// holding the subscription's period end. Every sweep that sees the same
// renewal derives the same key, whatever its own clock says.
func RenewalPeriod(periodEnd time.Time) time.Time {
	periodEnd = periodEnd.UTC()
	return time.Date(periodEnd.Year(), periodEnd.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RolloverSource is the ledger source of the grant for one subscription and period.
func RolloverSource(subscriptionID string, period time.Time) string {
	return fmt.Sprintf("rollover:%s:%s", subscriptionID, period.UTC().Format("2006-01"))
}

// Run processes every active or trialing subscription whose current period
// ends within the next 24 hours. A failing subscription never aborts the run.
func (r *Rollover) Run(ctx context.Context, now time.Time) (Result, error) {
	started := time.Now()
	result := Result{NextPeriod: NextPeriod(now)}

	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN ? AND current_period_end >= ? AND current_period_end <= ?",
			[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing},
			now, now.Add(RenewalWindow)).
		Order("current_period_end").
		Limit(SelectionLimit).
		Find(&subs).Error
	if err != nil {
		err = retry.WrapDB("select subscriptions", err)
		metrics.ObserveSweep(sweepName, time.Since(started).Seconds(), err)
		return result, err
	}

	log.Infof("[Rollover] %d subscriptions renew before %s", len(subs), now.Add(RenewalWindow).Format(time.RFC3339))

	for i := range subs {
		if err := ctx.Err(); err != nil {
			log.Warnf("[Rollover] Stopping early: %v", err)
			break
		}
		sub := subs[i]
		result.Processed++

		period := RenewalPeriod(sub.CurrentPeriodEnd)
		granted, duplicate, err := r.rollOne(ctx, sub, period, now)
		if err != nil {
			classified := retry.Classify(err)
			result.Errored++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", sub.ID, classified.Code))
			metrics.SweepItems.WithLabelValues(sweepName, "errored").Inc()
			log.Errorf("[Rollover] Subscription %s failed: %v", sub.ID, err)
			continue
		}

		result.Succeeded++
		if granted > 0 {
			result.Granted++
		}
		if duplicate {
			result.Duplicates++
			metrics.SweepItems.WithLabelValues(sweepName, "duplicate").Inc()
		} else {
			metrics.SweepItems.WithLabelValues(sweepName, "rolled").Inc()
		}

		userID := sub.UserID
		r.sink.Record(ctx, &userID, audit.EventUsageRollover, map[string]any{
			"subscriptionId": sub.ID,
			"plan":           sub.Plan,
			"period":         period.Format("2006-01"),
			"mailCredits":    models.MailCreditsForPlan(sub.Plan),
			"granted":        granted,
			"duplicate":      duplicate,
		})
	}

	result.Duration = time.Since(started)
	result.DurationMs = result.Duration.Milliseconds()
	r.checkThresholds(ctx, result)
	metrics.ObserveSweep(sweepName, result.Duration.Seconds(), nil)
	log.Infof("[Rollover] Done: processed=%d succeeded=%d errored=%d granted=%d duplicates=%d in %s",
		result.Processed, result.Succeeded, result.Errored, result.Granted, result.Duplicates, result.Duration)
	return result, nil
}

// rollOne resets the usage period and grants the allowance in one
// transaction. duplicate reports that the grant had already been recorded.
func (r *Rollover) rollOne(ctx context.Context, sub models.Subscription, period, now time.Time) (granted int, duplicate bool, err error) {
	allowance := models.MailCreditsForPlan(sub.Plan)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage := &models.UsagePeriod{
			UserID:      sub.UserID,
			Period:      period,
			MailCredits: allowance,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"letters_created": 0,
				"messages_sent":   0,
				"mails_sent":      0,
				"mail_credits":    allowance,
				"updated_at":      now,
			}),
		}).Create(usage).Error; err != nil {
			return retry.WrapDB("upsert usage period", err)
		}

		if allowance <= 0 {
			return nil
		}

		_, err := applyTx(tx, Entry{
			UserID:          sub.UserID,
			CreditType:      models.CreditTypePhysical,
			TransactionType: models.TransactionGrantRollover,
			Amount:          allowance,
			Source:          RolloverSource(sub.ID, period),
			Metadata: map[string]any{
				"subscriptionId": sub.ID,
				"plan":           sub.Plan,
				"period":         period.Format("2006-01"),
			},
		}, now)
		switch {
		case errors.Is(err, ErrAlreadyApplied):
			duplicate = true
			return nil
		case err != nil:
			return err
		}
		granted = allowance
		return nil
	})

	// A concurrent run inserted the same grant first and committed the same
	// usage reset, so losing the race counts as done.
	if errors.Is(err, ErrDuplicateSource) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	return granted, duplicate, nil
}

func (r *Rollover) checkThresholds(ctx context.Context, result Result) {
	if result.Duration > SlowThreshold {
		log.Warnf("[Rollover] Slow run: %s for %d subscriptions", result.Duration, result.Processed)
		r.sink.Record(ctx, nil, audit.AlertRolloverSlow, map[string]any{
			"durationMs": result.Duration.Milliseconds(),
			"processed":  result.Processed,
		})
	}
	if rate := result.ErrorRatePercent(); rate > ErrorRateThresholdPercent {
		log.Errorf("[Rollover] Error rate %.2f%% above %.0f%%", rate, ErrorRateThresholdPercent)
		r.sink.Record(ctx, nil, audit.AlertRolloverHighErrorRate, map[string]any{
			"errorRate": rate,
			"errored":   result.Errored,
			"processed": result.Processed,
			"errors":    result.Errors,
		})
	}
}
