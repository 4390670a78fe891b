package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/webhook"
)

type WebhookClaimer interface {
	Claim(ctx context.Context, in webhook.ClaimInput) (webhook.ClaimResult, error)
}

type Dispatcher interface {
	Schedule(ctx context.Context, eventName string, payload map[string]interface{}) (string, error)
}

// WebhookController receives payment provider events. It only verifies,
// claims and dispatches; processing happens in the job queue.
type WebhookController struct {
	store      WebhookClaimer
	dispatcher Dispatcher
	secret     string
	tolerance  time.Duration
	now        func() time.Time
}

func NewWebhookController(store WebhookClaimer, dispatcher Dispatcher, secret string) *WebhookController {
	return &WebhookController{
		store:      store,
		dispatcher: dispatcher,
		secret:     secret,
		tolerance:  webhook.DefaultSignatureTolerance,
		now:        time.Now,
	}
}

// HandleStripeWebhook verifies the signature, claims the event once and hands
// it to the job queue. A failed dispatch still answers 200: the claimed event
// is picked up by the webhook reconciler.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "Stripe-Signature", "X-Webhook-Signature")

	if err := webhook.VerifySignature(rawBody, signature, wc.secret, wc.tolerance, wc.now()); err != nil {
		log.Warnf("[Webhook] Rejected event from %s: %v", c.IP(), err)
		status := fiber.StatusUnauthorized
		if errors.Is(err, webhook.ErrMissingSignature) && wc.secret == "" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"error": "invalid_signature"})
	}

	env, err := webhook.ParseEnvelope(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	claimed, err := wc.store.Claim(ctx, webhook.ClaimInput{
		EventID:        env.ID,
		Provider:       models.WebhookProviderStripe,
		Type:           env.Type,
		Payload:        string(rawBody),
		SignatureValid: true,
	})
	if err != nil {
		log.Errorf("[Webhook] Claim of %s failed: %v", env.ID, err)
		return respondError(c, "webhook_persist_failed", err)
	}
	if !claimed.Created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	jobID, err := wc.dispatcher.Schedule(ctx, webhook.EventProcess, jobqueue.WebhookPayload{
		WebhookEventID: env.ID,
		EventType:      env.Type,
	}.ToMap())
	if err != nil {
		log.Errorf("[Webhook] Dispatch of %s failed, reconciler will retry: %v", env.ID, err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "queued": false})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "queued": true, "jobId": jobID})
}
