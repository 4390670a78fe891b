package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

const (
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// Envelope is the part of a provider event every handler needs.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// ParseEnvelope decodes the id and type of a raw event body.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, retry.NewInvalidDelivery("malformed webhook payload", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, retry.NewInvalidDelivery("webhook payload without id or type", nil)
	}
	return &env, nil
}

// RegisterSubscriptionHandlers keeps the local subscription mirror in sync
// with provider subscription events.
func RegisterSubscriptionHandlers(registry *HandlerRegistry, db *gorm.DB) {
	h := subscriptionSync(db)
	registry.Register(TypeSubscriptionCreated, h)
	registry.Register(TypeSubscriptionUpdated, h)
	registry.Register(TypeSubscriptionDeleted, h)
}

func subscriptionSync(db *gorm.DB) Handler {
	return func(ctx context.Context, event models.WebhookEvent) error {
		env, err := ParseEnvelope([]byte(event.Payload))
		if err != nil {
			return err
		}
		var obj subscriptionObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return retry.NewInvalidDelivery("malformed subscription object", err)
		}
		userID := obj.Metadata["userId"]
		if obj.ID == "" || userID == "" {
			return retry.NewInvalidDelivery("subscription "+obj.ID+" without userId metadata", nil)
		}

		plan := obj.Metadata["plan"]
		if plan != models.PlanPaperPixels {
			plan = models.PlanDigitalCapsule
		}
		status := obj.Status
		if event.Type == TypeSubscriptionDeleted {
			status = models.SubscriptionStatusCanceled
		}

		sub := &models.Subscription{
			ID:                 obj.ID,
			UserID:             userID,
			Plan:               plan,
			Status:             status,
			CurrentPeriodStart: time.Unix(obj.CurrentPeriodStart, 0).UTC(),
			CurrentPeriodEnd:   time.Unix(obj.CurrentPeriodEnd, 0).UTC(),
		}
		err = db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id",
				"plan",
				"status",
				"current_period_start",
				"current_period_end",
				"updated_at",
			}),
		}).Create(sub).Error
		if err != nil {
			return retry.WrapDB("upsert subscription", err)
		}
		log.Infof("[WebhookStore] Subscription %s for user %s is %s (%s)", sub.ID, userID, status, plan)
		return nil
	}
}
